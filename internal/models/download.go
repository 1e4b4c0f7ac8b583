// Package models resolves whisper.cpp model names and fetches them from
// HuggingFace.
package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chaz8081/gostt-server/internal/logging"
)

const baseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Model is a downloadable ggml whisper model.
type Model struct {
	Name      string // file name, e.g. ggml-tiny.bin
	Label     string
	SizeBytes int64 // approximate, used when the server omits Content-Length
	URL       string
}

// Catalog lists the whisper.cpp conversions of the openai/whisper checkpoints.
var Catalog = []Model{
	{Name: "ggml-tiny.bin", Label: "Tiny Multilingual (openai/whisper-tiny)", SizeBytes: 77_700_000, URL: baseURL + "ggml-tiny.bin"},
	{Name: "ggml-tiny.en.bin", Label: "Tiny English (openai/whisper-tiny.en)", SizeBytes: 77_700_000, URL: baseURL + "ggml-tiny.en.bin"},
	{Name: "ggml-base.bin", Label: "Base Multilingual (openai/whisper-base)", SizeBytes: 147_900_000, URL: baseURL + "ggml-base.bin"},
	{Name: "ggml-base.en.bin", Label: "Base English (openai/whisper-base.en)", SizeBytes: 147_900_000, URL: baseURL + "ggml-base.en.bin"},
	{Name: "ggml-small.bin", Label: "Small Multilingual (openai/whisper-small)", SizeBytes: 487_600_000, URL: baseURL + "ggml-small.bin"},
	{Name: "ggml-small.en.bin", Label: "Small English (openai/whisper-small.en)", SizeBytes: 487_600_000, URL: baseURL + "ggml-small.en.bin"},
}

// Lookup returns the catalog entry with the given name.
func Lookup(name string) (Model, bool) {
	for _, m := range Catalog {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// IsDownloaded reports whether path is a non-empty regular file.
func IsDownloaded(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Size() > 0
}

// Downloader fetches models over HTTP.
type Downloader struct {
	Client *http.Client
	Logger *log.Logger
	// ProgressEvery throttles progress log lines. Zero means every 2s.
	ProgressEvery time.Duration
}

// Download saves m to destPath unless a non-empty file is already there.
// Data is written to destPath+".tmp" and renamed into place on success.
func (d *Downloader) Download(ctx context.Context, m Model, destPath string) error {
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	if IsDownloaded(destPath) {
		logger.Info("model already present", "path", destPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("creating models dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	logger.Info("downloading model", "model", m.Name, "url", m.URL, "dest", destPath)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", m.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = m.SizeBytes
	}
	pw := &progressWriter{
		writer: f,
		total:  total,
		label:  m.Name,
		logger: logger,
		every:  d.ProgressEvery,
	}

	written, err := io.Copy(pw, resp.Body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing model file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("moving model file: %w", err)
	}

	logger.Info("model downloaded", "model", m.Name, "mb", fmt.Sprintf("%.1f", float64(written)/(1024*1024)))
	return nil
}

// progressWriter wraps an io.Writer and logs download progress.
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64
	label   string
	logger  *log.Logger
	every   time.Duration
	last    time.Time
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)

	every := pw.every
	if every == 0 {
		every = 2 * time.Second
	}
	if time.Since(pw.last) >= every {
		pw.last = time.Now()
		if pw.total > 0 {
			pw.logger.Info("download progress",
				"model", pw.label,
				"mb", fmt.Sprintf("%.1f/%.1f", float64(pw.written)/(1024*1024), float64(pw.total)/(1024*1024)),
				"pct", fmt.Sprintf("%.0f%%", float64(pw.written)/float64(pw.total)*100))
		} else {
			pw.logger.Info("download progress", "model", pw.label, "mb", fmt.Sprintf("%.1f", float64(pw.written)/(1024*1024)))
		}
	}
	return n, err
}
