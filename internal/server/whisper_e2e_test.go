package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chaz8081/gostt-server/internal/transcribe"
)

func TestTranscribeJFKWithWhisper(t *testing.T) {
	modelPath := filepath.Join("..", "..", "models", "ggml-tiny.bin")
	if _, err := os.Stat(modelPath); err != nil {
		t.Skipf("model not found at %s: %v", modelPath, err)
	}
	wav, err := os.ReadFile(filepath.Join("..", "..", "testdata", "jfk.wav"))
	if err != nil {
		t.Skipf("JFK sample not available: %v", err)
	}

	cfg := testConfig(t)
	cfg.Transcribe.ModelPath = modelPath

	model, err := transcribe.New(&cfg.Transcribe, nil)
	if err != nil {
		t.Fatalf("transcribe.New() error = %v", err)
	}
	engine := transcribe.NewEngine(model, transcribe.Preprocessor{TargetRate: transcribe.WhisperSampleRate}, 1, nil)
	t.Cleanup(func() { _ = engine.Close() })

	s := New(cfg, engine, nil, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	status, out := postFile(t, ts.URL, "jfk.wav", wav)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %v)", status, out)
	}
	if !strings.Contains(strings.ToLower(out["text"]), "country") {
		t.Errorf("text = %q, want it to mention \"country\"", out["text"])
	}
	assertDirEmpty(t, cfg.Audio.TempDir)
}
