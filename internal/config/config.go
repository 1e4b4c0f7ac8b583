package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultModel is the whisper.cpp conversion of openai/whisper-tiny.
const DefaultModel = "ggml-tiny.bin"

// Config holds all application configuration.
type Config struct {
	// ModelPath is the legacy top-level location of the model file.
	// Load folds it into Transcribe.ModelPath.
	ModelPath  string           `yaml:"model_path,omitempty"`
	Server     ServerConfig     `yaml:"server"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Audio      AudioConfig      `yaml:"audio"`
	LogLevel   string           `yaml:"log_level"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	// CollapseErrors reports every failed transcription as 500. Turn it
	// off to get per-kind statuses (400/413/422/500). The response body
	// carries the error kind either way.
	CollapseErrors bool     `yaml:"collapse_errors"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

// TranscribeConfig holds speech-to-text backend settings.
type TranscribeConfig struct {
	Backend       string `yaml:"backend"` // "whisper"
	Model         string `yaml:"model"`   // catalog name, e.g. ggml-tiny.bin
	ModelPath     string `yaml:"model_path"`
	Language      string `yaml:"language"` // "auto" or an ISO code
	Threads       uint   `yaml:"threads"`  // 0 = whisper.cpp default
	MaxConcurrent int64  `yaml:"max_concurrent"`
	AutoDownload  bool   `yaml:"auto_download"`
}

// AudioConfig holds upload decoding settings.
type AudioConfig struct {
	TempDir string `yaml:"temp_dir"` // empty = os.TempDir()
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gostt-server")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultModelsDir returns the directory downloaded models are stored in.
func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".local", "share", "gostt-server", "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         "0.0.0.0:5000",
			MaxUploadBytes: 32 << 20,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   5 * time.Minute,
			CollapseErrors: true,
			CORSOrigins:    []string{"*"},
		},
		Transcribe: TranscribeConfig{
			Backend:       "whisper",
			Model:         DefaultModel,
			ModelPath:     filepath.Join(DefaultModelsDir(), DefaultModel),
			Language:      "auto",
			MaxConcurrent: 1,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.ModelPath != "" {
		cfg.Transcribe.ModelPath = cfg.ModelPath
		cfg.ModelPath = ""
	}
	cfg.Transcribe.ModelPath = expandTilde(cfg.Transcribe.ModelPath)
	cfg.Audio.TempDir = expandTilde(cfg.Audio.TempDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}

	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be > 0")
	}

	switch c.Transcribe.Backend {
	case "whisper", "":
	default:
		return fmt.Errorf("transcribe.backend must be \"whisper\", got %q", c.Transcribe.Backend)
	}

	if c.Transcribe.ModelPath == "" {
		return fmt.Errorf("transcribe.model_path must not be empty")
	}

	if c.Transcribe.MaxConcurrent < 1 {
		return fmt.Errorf("transcribe.max_concurrent must be >= 1")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = `# gostt-server configuration
# Generated with the built-in defaults. Durations use Go syntax (30s, 5m).
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
