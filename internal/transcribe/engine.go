package transcribe

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/chaz8081/gostt-server/internal/audio"
	"github.com/chaz8081/gostt-server/internal/logging"
)

// InferenceError reports a failure inside preprocessing or the model pass.
type InferenceError struct {
	Stage string // "preprocess" or "generate"
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed (%s): %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Engine runs decoded uploads through a shared Transcriber. At most
// maxConcurrent Process calls run at once; whisper.cpp contexts created from
// one model share native state, so the default of 1 serializes them.
type Engine struct {
	pre    Preprocessor
	model  Transcriber
	sem    *semaphore.Weighted
	logger *log.Logger
}

// NewEngine wraps model. maxConcurrent below 1 is treated as 1.
func NewEngine(model Transcriber, pre Preprocessor, maxConcurrent int64, logger *log.Logger) *Engine {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		pre:    pre,
		model:  model,
		sem:    semaphore.NewWeighted(maxConcurrent),
		logger: logger,
	}
}

// Transcribe prepares d and runs it through the model. Preprocessing and
// model failures are *InferenceError. If ctx ends while waiting for a free
// model slot, ctx.Err() is returned wrapped.
func (e *Engine) Transcribe(ctx context.Context, d *audio.Decoded) (string, error) {
	samples, err := e.pre.Prepare(d)
	if err != nil {
		return "", &InferenceError{Stage: "preprocess", Err: err}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("transcribe: wait for model: %w", err)
	}
	defer e.sem.Release(1)

	e.logger.Debug("running inference", "samples", len(samples), "seconds", float64(len(samples))/float64(WhisperSampleRate))
	text, err := e.process(samples)
	if err != nil {
		return "", &InferenceError{Stage: "generate", Err: err}
	}
	return text, nil
}

// process calls the model, turning a panic into an error so one bad input
// cannot take the server down.
func (e *Engine) process(samples []float32) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("transcriber panicked", "panic", r)
			err = fmt.Errorf("transcriber panic: %v", r)
		}
	}()
	return e.model.Process(samples)
}

// Close releases the underlying model.
func (e *Engine) Close() error {
	return e.model.Close()
}
