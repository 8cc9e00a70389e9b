package main

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"errors"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chriskillpack/captioner"
	"github.com/chriskillpack/captioner/captionmodel"
	"github.com/chriskillpack/captioner/imagesource"
)

const maxUploadSize = 32 << 20

var (
	//go:embed tmpl/*.html
	tmplFS embed.FS

	indexTmpl *template.Template
)

type Server struct {
	hs     *http.Server
	m      captionmodel.Model
	logger *zap.SugaredLogger
}

func init() {
	indexTmpl = template.Must(template.ParseFS(tmplFS, "tmpl/index.html"))
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return runServer(cmd.Context(), NewServer(a.captioner, cfg.ListenAddr, a.logger), a.logger)
		},
	}
	cmd.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Address to serve on")
	return cmd
}

func NewServer(m captionmodel.Model, addr string, logger *zap.SugaredLogger) *Server {
	srv := &Server{
		m:      m,
		logger: logger,
	}

	srv.hs = &http.Server{
		Addr:              addr,
		Handler:           srv.serveHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv
}

func (s *Server) Start() error {
	return s.hs.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hs.Shutdown(ctx)
}

// runServer serves until ctx is done or the listener fails.
func runServer(ctx context.Context, s *Server, logger *zap.SugaredLogger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infow("listening", "addr", s.hs.Addr)
		if err := s.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(sctx)
	})

	return g.Wait()
}

func (s *Server) serveHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", s.serveRoot())
	mux.Handle("POST /{$}", s.serveUpload())

	return mux
}

type page struct {
	Error string

	ImageURL      template.URL
	Prompt        string
	Conditional   string
	Unconditional string
}

func (s *Server) render(w http.ResponseWriter, status int, p page) {
	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, p); err != nil {
		s.logger.Errorw("template error", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (s *Server) serveRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s.render(w, http.StatusOK, page{})
	}
}

// serveUpload captions the uploaded image both with and without the prompt.
// The upload is held in memory only.
func (s *Server) serveUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		req.Body = http.MaxBytesReader(w, req.Body, maxUploadSize)
		if err := req.ParseMultipartForm(maxUploadSize); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				s.render(w, http.StatusRequestEntityTooLarge, page{Error: "The image is too large."})
				return
			}
			s.render(w, http.StatusBadRequest, page{Error: "Please choose an image to upload."})
			return
		}
		defer req.MultipartForm.RemoveAll()

		file, hdr, err := req.FormFile("image")
		if err != nil {
			s.render(w, http.StatusBadRequest, page{Error: "Please choose an image to upload."})
			return
		}
		defer file.Close()

		if !imagesource.Supported(hdr.Filename) {
			s.render(w, http.StatusBadRequest, page{Error: "Unsupported file type, please upload a .jpg, .jpeg or .png image."})
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			s.render(w, http.StatusBadRequest, page{Error: "The upload could not be read."})
			return
		}
		img, err := imagesource.Decode(hdr.Filename, bytes.NewReader(data))
		if errors.Is(err, imagesource.ErrTooLarge) {
			s.logger.Infow("rejected upload", "file", hdr.Filename, "error", err)
			s.render(w, http.StatusRequestEntityTooLarge, page{Error: "The image dimensions are too large."})
			return
		}
		if err != nil {
			s.logger.Infow("rejected upload", "file", hdr.Filename, "error", err)
			s.render(w, http.StatusBadRequest, page{Error: "The file could not be decoded as an image."})
			return
		}

		id := uuid.New()
		logger := s.logger.With("request", id, "file", hdr.Filename)

		p := page{
			ImageURL: template.URL("data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)),
			Prompt:   captioner.WebPrompt,
		}

		// Both captions read the same buffer, neither modifies it.
		ctx := req.Context()
		if p.Conditional, err = s.m.Caption(ctx, img, captionmodel.Conditional(captioner.WebPrompt)); err == nil {
			p.Unconditional, err = s.m.Caption(ctx, img, captionmodel.Unconditional())
		}
		if err != nil {
			logger.Warnw("caption failed", "error", err)
			s.render(w, http.StatusBadGateway, page{Error: "Captioning failed: " + err.Error()})
			return
		}

		logger.Infow("captioned upload", "conditional", p.Conditional, "unconditional", p.Unconditional)
		s.render(w, http.StatusOK, p)
	}
}
