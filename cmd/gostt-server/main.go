package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chaz8081/gostt-server/internal/config"
	"github.com/chaz8081/gostt-server/internal/logging"
	"github.com/chaz8081/gostt-server/internal/metrics"
	"github.com/chaz8081/gostt-server/internal/models"
	"github.com/chaz8081/gostt-server/internal/server"
	"github.com/chaz8081/gostt-server/internal/transcribe"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gostt-server/config.yaml)")
	downloadOnly := flag.Bool("download-model", false, "download the configured model and exit")
	writeConfig := flag.Bool("write-config", false, "write a default config file and exit")
	flag.Parse()

	// Bootstrap logger until the configured level is known
	logger := logging.New(os.Stderr, "info")

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			logger.Fatal("writing default config", "error", err)
		}
		if path == "" {
			logger.Info("config already exists", "path", config.DefaultConfigPath())
		} else {
			logger.Info("wrote default config", "path", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		logger.Fatal("config", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config validation", "error", err)
	}

	logger = logging.New(os.Stderr, cfg.LogLevel)
	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *downloadOnly || cfg.Transcribe.AutoDownload {
		if err := ensureModel(ctx, cfg, logger); err != nil {
			logger.Fatal("model download", "error", err)
		}
		if *downloadOnly {
			return
		}
	}

	// Load the model once; every request shares it
	logger.Info("loading model", "backend", cfg.Transcribe.Backend, "path", cfg.Transcribe.ModelPath)
	modelStart := time.Now()
	model, err := transcribe.New(&cfg.Transcribe, logger)
	if err != nil {
		logger.Fatal("failed to load model",
			"error", err,
			"hint", "check that the model exists or run 'gostt-server -download-model'")
	}
	logger.Info("model loaded", "elapsed", time.Since(modelStart).Round(time.Millisecond))

	engine := transcribe.NewEngine(model,
		transcribe.Preprocessor{TargetRate: transcribe.WhisperSampleRate},
		cfg.Transcribe.MaxConcurrent,
		logger)

	srv := server.New(cfg, engine, logger, metrics.New())
	if err := srv.Start(); err != nil {
		_ = engine.Close()
		logger.Fatal("failed to start HTTP server", "addr", cfg.Server.Listen, "error", err)
	}

	logger.Info("ready", "addr", srv.Addr(), "endpoint", "POST /transcribe")

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}
	if err := engine.Close(); err != nil {
		logger.Error("closing model", "error", err)
	}
	logger.Info("goodbye")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string, logger *log.Logger) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		logger.Info("config loaded", "path", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	logger.Info("no config file found, using defaults")
	return config.Default(), nil
}

// ensureModel downloads the configured model when it is missing.
func ensureModel(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	if models.IsDownloaded(cfg.Transcribe.ModelPath) {
		logger.Debug("model present", "path", cfg.Transcribe.ModelPath)
		return nil
	}

	m, ok := models.Lookup(cfg.Transcribe.Model)
	if !ok {
		return fmt.Errorf("unknown model %q: place it at %s manually", cfg.Transcribe.Model, cfg.Transcribe.ModelPath)
	}

	d := &models.Downloader{Logger: logger}
	return d.Download(ctx, m, cfg.Transcribe.ModelPath)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== gostt-server ===")
	fmt.Printf("  Listen:   %s\n", cfg.Server.Listen)
	fmt.Printf("  Backend:  %s\n", cfg.Transcribe.Backend)
	fmt.Printf("  Model:    %s\n", cfg.Transcribe.ModelPath)
	fmt.Printf("  Language: %s\n", cfg.Transcribe.Language)
	fmt.Printf("  Workers:  %d\n", cfg.Transcribe.MaxConcurrent)
	fmt.Printf("  Upload:   %d bytes max\n", cfg.Server.MaxUploadBytes)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("====================")
}
