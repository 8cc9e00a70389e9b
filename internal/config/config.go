// Package config loads captioner settings from YAML. Command line flags are
// applied on top of the loaded values by the caller.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SearchPaths are tried in order when no config file is given.
var SearchPaths = []string{"captioner.yaml", "captioner.conf"}

type Config struct {
	// Backends, exactly one must be set
	LlamaServer  string `yaml:"llama_server"`
	LlamaSeed    int    `yaml:"llama_seed"`
	LlamaStream  bool   `yaml:"llama_stream"`
	OllamaServer string `yaml:"ollama_server"`
	OllamaModel  string `yaml:"ollama_model"`
	OpenAI       bool   `yaml:"openai"`
	OpenAIModel  string `yaml:"openai_model"`

	ModelTimeout time.Duration `yaml:"model_timeout"`
	MaxImageSide int           `yaml:"max_image_side"`

	CameraIndex int    `yaml:"camera_index"`
	CaptureFile string `yaml:"capture_file"`

	// Announcer is the text to speech program, the caption is appended to
	// AnnouncerArgs.
	Announcer     string   `yaml:"announcer"`
	AnnouncerArgs []string `yaml:"announcer_args"`
	Mute          bool     `yaml:"mute"`

	ListenAddr string `yaml:"listen_addr"`

	// HistoryDB is the sqlite caption history, empty disables it.
	HistoryDB string `yaml:"history_db"`

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		LlamaSeed:    385480504,
		OllamaModel:  "llava",
		ModelTimeout: 30 * time.Second,
		MaxImageSide: 768,
		CameraIndex:  0,
		CaptureFile:  "temp_capture.jpg",
		Announcer:    "espeak",
		ListenAddr:   "localhost:8000",
		LogLevel:     "info",
	}
}

// Load reads configuration from path. When path is empty SearchPaths are
// tried and if none exist the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		found := false
		for _, name := range SearchPaths {
			data, err = os.ReadFile(name)
			if err == nil {
				path = name
				found = true
				break
			}
		}
		if !found {
			return cfg, nil
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("model_timeout must be positive, got %s", c.ModelTimeout)
	}
	if c.CameraIndex < 0 {
		return fmt.Errorf("camera_index must not be negative, got %d", c.CameraIndex)
	}
	if c.CaptureFile == "" {
		return fmt.Errorf("capture_file must be set")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
