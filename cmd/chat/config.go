package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/logging"
	"gopkg.in/yaml.v3"
)

type config struct {
	BackendURL  string            `yaml:"backendURL"`
	Agent       string            `yaml:"agent"`
	DBPath      string            `yaml:"dbPath"`
	RequireDone bool              `yaml:"requireDone"`
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
	Logging     logging.Config    `yaml:",inline"`
}

const (
	defaultBackendURL = "http://localhost:8080"
	defaultLogLevel   = "warn"

	backendURLEnv = "CHATSTREAM_BACKEND_URL"
)

// loadConfig reads the YAML file at path, which may be missing, then applies environment overrides and
// defaults.
func loadConfig(path, dataDir string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if v := os.Getenv(backendURLEnv); v != "" {
		cfg.BackendURL = v
	}
	if cfg.BackendURL == "" {
		cfg.BackendURL = defaultBackendURL
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dataDir, "chat.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}

	return cfg, cfg.validate()
}

func (c config) validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return fmt.Errorf("invalid backendURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid backendURL %q: scheme must be http or https", c.BackendURL)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}
