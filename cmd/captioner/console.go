package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chriskillpack/captioner"
	"github.com/chriskillpack/captioner/captionmodel"
	"github.com/chriskillpack/captioner/imagebuf"
	"github.com/chriskillpack/captioner/imagesource"
	"github.com/chriskillpack/captioner/pipeline"
	"github.com/chriskillpack/captioner/speech"
)

const consoleHelp = `Commands:
  open <path>   caption a .jpg, .jpeg or .png file
  capture       take a photo with the camera and caption it
  help          show this message
  quit          exit`

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive session that captions files and camera photos aloud",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return runConsole(cmd.Context(), a)
		},
	}
	addDesktopFlags(cmd)
	cmd.Flags().IntVar(&cfg.CameraIndex, "camera", cfg.CameraIndex, "Camera device index")
	cmd.Flags().StringVar(&cfg.CaptureFile, "capture-file", cfg.CaptureFile, "Where camera photos are saved, overwritten on every capture")
	return cmd
}

func addDesktopFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&cfg.Announcer, "announcer", cfg.Announcer, "Text to speech program, the caption is passed as the last argument")
	cmd.Flags().BoolVar(&cfg.Mute, "mute", cfg.Mute, "Do not read captions aloud")
}

func (a *app) newPipeline() *pipeline.Pipeline {
	opts := pipeline.Options{
		Model:     a.captioner,
		Announcer: a.announcer(),
		Mode:      captionmodel.Conditional(captioner.DesktopPrompt),
		Logger:    a.logger,
	}
	if a.db != nil {
		opts.Recorder = a.db
	}
	return pipeline.New(opts)
}

// console presents pipeline events on a terminal. All output goes through
// the console so the progress bar and captions do not interleave.
type console struct {
	p           *pipeline.Pipeline
	capture     func(ctx context.Context) (*imagebuf.Buffer, error)
	captureFile string
	logger      *zap.SugaredLogger

	mu  sync.Mutex
	out io.Writer
	bar *progressbar.ProgressBar
}

func newConsole(p *pipeline.Pipeline, capture func(ctx context.Context) (*imagebuf.Buffer, error), captureFile string, out io.Writer, logger *zap.SugaredLogger) *console {
	return &console{
		p:           p,
		capture:     capture,
		captureFile: captureFile,
		logger:      logger,
		out:         out,
		bar: progressbar.NewOptions(
			100,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("Captioning"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
		),
	}
}

func runConsole(ctx context.Context, a *app) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	p := a.newPipeline()
	camera := imagesource.NewCamera(a.cfg.CameraIndex, a.logger)
	c := newConsole(p, camera.Capture, a.cfg.CaptureFile, rl.Stdout(), a.logger)

	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		c.watch(stop)
		close(watched)
	}()
	go func() {
		// Unblock Readline on SIGTERM
		select {
		case <-ctx.Done():
			rl.Close()
		case <-stop:
		}
	}()

	c.println(consoleHelp)
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			break
		}
		if !c.exec(line) {
			break
		}
	}

	// A started request always runs to completion.
	p.Wait()
	close(stop)
	<-watched

	return nil
}

// exec runs one command line and reports whether the session continues.
func (c *console) exec(line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
	case "open":
		if arg == "" {
			c.errorf("open needs a file path")
			break
		}
		c.trigger(func(ctx context.Context) (*imagebuf.Buffer, error) {
			return imagesource.LoadFile(arg)
		})
	case "capture":
		c.trigger(c.captureAndSave)
	case "help", "?":
		c.println(consoleHelp)
	case "quit", "exit":
		return false
	default:
		c.errorf("unknown command %q, type help for a list", cmd)
	}
	return true
}

func (c *console) trigger(load pipeline.LoadFunc) {
	if _, err := c.p.Trigger(load); err != nil {
		c.errorf("%s", err)
	}
}

// captureAndSave grabs a photo and writes it to the capture file before it
// is captioned.
func (c *console) captureAndSave(ctx context.Context) (*imagebuf.Buffer, error) {
	img, err := c.capture(ctx)
	if err != nil {
		return nil, err
	}
	if err := imagesource.SaveJPEG(c.captureFile, img); err != nil {
		return nil, err
	}
	c.logger.Debugw("saved capture", "path", c.captureFile)
	return img, nil
}

func (c *console) watch(stop <-chan struct{}) {
	for {
		select {
		case ev := <-c.p.Events():
			c.handle(ev)
		case <-stop:
			return
		}
	}
}

func (c *console) handle(ev pipeline.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case pipeline.EventProgress:
		if ev.Progress == pipeline.ProgressIdle {
			c.bar.Reset()
			c.bar.Clear()
			return
		}
		c.bar.Set(ev.Progress)
	case pipeline.EventCaption:
		c.bar.Clear()
		fmt.Fprintln(c.out, ev.Result.Text)
	case pipeline.EventAnnounceFailed, pipeline.EventFailed:
		c.bar.Clear()
		fmt.Fprintf(c.out, "Error: %s\n", describeError(ev.Err))
	}
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *console) errorf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "Error: "+format+"\n", args...)
}

// describeError turns a request failure into a line for the user.
func describeError(err error) string {
	var (
		ioErr  *imagesource.IOError
		devErr *imagesource.DeviceError
		modErr *captionmodel.ModelError
		annErr *speech.AnnounceError
	)
	switch {
	case errors.Is(err, imagesource.ErrUnsupportedFormat):
		return "unsupported file type, please choose a .jpg, .jpeg or .png image"
	case errors.Is(err, imagesource.ErrTooLarge):
		return fmt.Sprintf("image is too large: %s", err)
	case errors.As(err, &ioErr):
		return fmt.Sprintf("could not read image: %s", ioErr)
	case errors.As(err, &devErr):
		return fmt.Sprintf("could not capture image: %s", devErr)
	case errors.As(err, &modErr):
		return fmt.Sprintf("captioning failed: %s", modErr)
	case errors.As(err, &annErr):
		return fmt.Sprintf("could not read the caption aloud: %s", annErr.Err)
	}
	return err.Error()
}
