package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/chriskillpack/captioner"
	"github.com/chriskillpack/captioner/internal/config"
	"github.com/chriskillpack/captioner/internal/logging"
	"github.com/chriskillpack/captioner/speech"
)

var (
	cfgFile string
	cfg     = config.Default()

	rootCmd = &cobra.Command{
		Use:               "captioner",
		Short:             "Caption images with a vision language model",
		Long:              `Captions uploaded files or camera photos using a llama.cpp, Ollama or OpenAI model and optionally reads the caption aloud.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./captioner.yaml or ./captioner.conf)")
	pf.StringVar(&cfg.LlamaServer, "llama", cfg.LlamaServer, "Address of running llama server, typically http://localhost:8080")
	pf.IntVar(&cfg.LlamaSeed, "seed", cfg.LlamaSeed, "Random seed to llama")
	pf.BoolVar(&cfg.LlamaStream, "llama-stream", cfg.LlamaStream, "Stream completions from the llama server")
	pf.StringVar(&cfg.OllamaServer, "ollama", cfg.OllamaServer, "Address of running ollama server, typically http://localhost:11434")
	pf.StringVar(&cfg.OllamaModel, "ollama-model", cfg.OllamaModel, "Ollama vision model")
	pf.BoolVar(&cfg.OpenAI, "openai", cfg.OpenAI, "Use OpenAI, reads OPENAI_API_KEY")
	pf.StringVar(&cfg.OpenAIModel, "openai-model", cfg.OpenAIModel, "OpenAI model")
	pf.DurationVar(&cfg.ModelTimeout, "timeout", cfg.ModelTimeout, "Timeout for each request to the model server")
	pf.IntVar(&cfg.MaxImageSide, "max-side", cfg.MaxImageSide, "Downscale images so the longest side is at most this many pixels, negative to disable")
	pf.StringVar(&cfg.HistoryDB, "history", cfg.HistoryDB, "Path to caption history database, empty disables it")
	pf.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write JSON logs to this file")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")

	rootCmd.AddCommand(newServeCmd(), newConsoleCmd(), newCaptionCmd())
}

// loadConfig reads the config file into cfg, then reapplies any flags given
// on the command line so they take precedence.
func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	changed := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})
	*cfg = *loaded
	for name, val := range changed {
		if err := cmd.Flags().Set(name, val); err != nil {
			return err
		}
	}

	return cfg.Validate()
}

// app holds what every command needs, built from cfg.
type app struct {
	cfg       *config.Config
	logger    *zap.SugaredLogger
	captioner *captioner.Captioner
	db        *captioner.DB // nil unless history is enabled

	closeLog func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closeLog: closeLog}

	cio := captioner.InitOptions{
		LlamaServer:  cfg.LlamaServer,
		LlamaSeed:    cfg.LlamaSeed,
		LlamaStream:  cfg.LlamaStream,
		OllamaServer: cfg.OllamaServer,
		OllamaModel:  cfg.OllamaModel,
		OpenAI:       cfg.OpenAI,
		OpenAIModel:  cfg.OpenAIModel,
		MaxImageSide: cfg.MaxImageSide,
		HttpClient: &http.Client{
			Timeout: cfg.ModelTimeout,
		},
	}
	if a.captioner, err = captioner.Init(cio); err != nil {
		a.Close()
		return nil, err
	}

	// The model is loaded once, up front. Nothing works without it.
	if !a.captioner.IsHealthy() {
		a.Close()
		return nil, fmt.Errorf("%s server is not responding", a.captioner.Name())
	}

	if cfg.HistoryDB != "" {
		if a.db, err = captioner.NewDB(ctx, cfg.HistoryDB); err != nil {
			a.Close()
			return nil, fmt.Errorf("opening history %s: %w", cfg.HistoryDB, err)
		}
	}

	logger.Infow("captioner ready", "backend", a.captioner.Name(), "history", cfg.HistoryDB != "")
	return a, nil
}

func (a *app) announcer() speech.Announcer {
	if a.cfg.Mute {
		return speech.Silent{Logger: a.logger}
	}
	return speech.NewCommand(a.cfg.Announcer, a.cfg.AnnouncerArgs...)
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	a.closeLog()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
