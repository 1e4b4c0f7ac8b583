package transcribe

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/chaz8081/gostt-server/internal/logging"
)

// WhisperOptions tunes each whisper.cpp decoding pass.
type WhisperOptions struct {
	Language string // "auto", "" or an ISO code such as "en"
	Threads  uint   // 0 keeps the whisper.cpp default
}

// WhisperTranscriber wraps a whisper.cpp model for speech-to-text.
// The model is loaded once; every Process call gets its own context.
type WhisperTranscriber struct {
	model  whisper.Model
	opts   WhisperOptions
	logger *log.Logger
}

// NewWhisperTranscriber loads a whisper model from the given path.
// The caller must call Close() when done.
func NewWhisperTranscriber(modelPath string, opts WhisperOptions, logger *log.Logger) (*WhisperTranscriber, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: load whisper model %q: %w", modelPath, err)
	}

	logger.Debug("whisper model loaded", "path", modelPath, "multilingual", model.IsMultilingual())
	return &WhisperTranscriber{model: model, opts: opts, logger: logger}, nil
}

// Close releases the whisper model resources.
func (t *WhisperTranscriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// Process transcribes mono 16kHz float32 audio samples to text.
// Non-speech markers such as [BLANK_AUDIO] are removed from the result.
func (t *WhisperTranscriber) Process(samples []float32) (string, error) {
	ctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("transcribe: create context: %w", err)
	}

	if lang := t.opts.Language; lang != "" {
		if err := ctx.SetLanguage(lang); err != nil {
			// English-only models reject everything but "en".
			t.logger.Debug("whisper language not applied", "language", lang, "error", err)
		}
	}
	if t.opts.Threads > 0 {
		ctx.SetThreads(t.opts.Threads)
	}

	if err := ctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("transcribe: process: %w", err)
	}

	var segments []string
	for {
		seg, err := ctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("transcribe: next segment: %w", err)
		}
		segments = append(segments, seg.Text)
	}

	return cleanTranscript(strings.Join(segments, " ")), nil
}
