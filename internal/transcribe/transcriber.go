// Package transcribe provides speech-to-text backends and the inference
// engine that feeds them decoded uploads.
//
// Supported backends:
//   - whisper: whisper.cpp via Go bindings (default)
package transcribe

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/chaz8081/gostt-server/internal/config"
)

// Transcriber converts audio samples to text.
type Transcriber interface {
	// Process transcribes mono 16kHz float32 audio samples to text.
	Process(samples []float32) (string, error)
	// Close releases backend resources.
	Close() error
}

// New creates a Transcriber based on the config backend setting.
func New(cfg *config.TranscribeConfig, logger *log.Logger) (Transcriber, error) {
	switch cfg.Backend {
	case "whisper", "":
		return NewWhisperTranscriber(cfg.ModelPath, WhisperOptions{
			Language: cfg.Language,
			Threads:  cfg.Threads,
		}, logger)
	default:
		return nil, fmt.Errorf("transcribe: unknown backend %q (supported: whisper)", cfg.Backend)
	}
}
