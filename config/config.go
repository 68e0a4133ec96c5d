// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"permnet/logging"
	"permnet/ml"
)

// FileName is the configuration file looked up by Find.
const FileName = "config.yaml"

// Model artifact sources.
const (
	SourceFile = "file"
	SourceHTTP = "http"
)

type Config struct {
	Model   ModelConfig    `yaml:"model"`
	HTTP    HTTPConfig     `yaml:"http"`
	History HistoryConfig  `yaml:"history"`
	Log     logging.Config `yaml:"log"`
}

type ModelConfig struct {
	Source        string        `yaml:"source"`
	Dir           string        `yaml:"dir"`
	BaseURL       string        `yaml:"base_url"`
	WeightsFile   string        `yaml:"weights_file"`
	ScalerFile    string        `yaml:"scaler_file"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	CacheSize     int           `yaml:"cache_size"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// HistoryConfig enables the SQLite prediction history when Path is set.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Source:        SourceFile,
			Dir:           "models",
			WeightsFile:   ml.DefaultWeightsFile,
			ScalerFile:    ml.DefaultScalerFile,
			FetchTimeout:  30 * time.Second,
			Watch:         true,
			WatchDebounce: 250 * time.Millisecond,
			CacheSize:     1024,
		},
		HTTP: HTTPConfig{
			Port:           8080,
			Timeout:        30 * time.Second,
			AllowedOrigins: []string{"*"},
			MaxUploadBytes: 10 << 20,
		},
		Log: logging.Config{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := Default()
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Find returns FileName in dir or its parent, the same lookup the service uses at startup.
func Find(dir string) (string, error) {
	for _, candidate := range []string{
		filepath.Join(dir, FileName),
		filepath.Join(dir, "..", FileName),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s not found in %s or its parent: %w", FileName, dir, os.ErrNotExist)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Model.Source {
	case SourceFile:
		if c.Model.Dir == "" {
			errs = append(errs, errors.New("model.dir is required for file source"))
		}
	case SourceHTTP:
		if c.Model.BaseURL == "" {
			errs = append(errs, errors.New("model.base_url is required for http source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown model.source %q", c.Model.Source))
	}
	if c.Model.WeightsFile == "" || c.Model.ScalerFile == "" {
		errs = append(errs, errors.New("model artifact names must not be empty"))
	}
	if c.Model.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("model.fetch_timeout must be positive, got %s", c.Model.FetchTimeout))
	}
	if c.Model.CacheSize < 0 {
		errs = append(errs, errors.New("model.cache_size must not be negative"))
	}
	if c.HTTP.Port <= 0 {
		errs = append(errs, fmt.Errorf("http.port must be positive, got %d", c.HTTP.Port))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

// ArtifactSource builds the artifact source described by the model section.
func (m ModelConfig) ArtifactSource() ml.ArtifactSource {
	if m.Source == SourceHTTP {
		return ml.HTTPSource{BaseURL: m.BaseURL, Client: &http.Client{Timeout: m.FetchTimeout}}
	}
	return ml.DirSource{Dir: m.Dir}
}
