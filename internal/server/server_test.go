package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/gostt-server/internal/audio"
	"github.com/chaz8081/gostt-server/internal/config"
	"github.com/chaz8081/gostt-server/internal/metrics"
	"github.com/chaz8081/gostt-server/internal/transcribe"
)

// fakeRecognizer returns "" for silence and the frame count otherwise.
type fakeRecognizer struct {
	err    error
	panics bool
}

func (f *fakeRecognizer) Transcribe(_ context.Context, d *audio.Decoded) (string, error) {
	if f.panics {
		panic("model exploded")
	}
	if f.err != nil {
		return "", f.err
	}
	for _, s := range d.Samples {
		if s != 0 {
			return fmt.Sprintf("%d frames", d.Frames()), nil
		}
	}
	return "", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Audio.TempDir = t.TempDir()
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, rec Recognizer) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, rec, nil, metrics.New())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

// wavBytes encodes 16-bit mono PCM at 16kHz.
func wavBytes(t *testing.T, samples []int) []byte {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.wav")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	defer func() { _ = f.Close() }()
	if err := audio.EncodeWAV(f, samples, 16000, 1); err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func tone(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = (i%40 - 20) * 500
	}
	return s
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func postFile(t *testing.T, url, filename string, data []byte) (int, map[string]string) {
	t.Helper()
	body, ct := multipartBody(t, "file", filename, data)
	return post(t, url, ct, body)
}

func post(t *testing.T, url, contentType string, body io.Reader) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(url+"/transcribe", contentType, body)
	if err != nil {
		t.Fatalf("POST /transcribe error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s) error = %v", dir, err)
	}
	for _, e := range entries {
		t.Errorf("leftover temp file %s", filepath.Join(dir, e.Name()))
	}
}

func TestTranscribeSuccess(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	status, out := postFile(t, ts.URL, "clip.wav", wavBytes(t, tone(1600)))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %v)", status, out)
	}
	if out["text"] != "1600 frames" {
		t.Errorf("text = %q, want %q", out["text"], "1600 frames")
	}
	if _, ok := out["error"]; ok {
		t.Errorf("success response should not carry an error: %v", out)
	}
	assertDirEmpty(t, cfg.Audio.TempDir)
}

func TestTranscribeSilenceReturnsEmptyText(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	status, out := postFile(t, ts.URL, "silence.wav", wavBytes(t, make([]int, 16000)))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %v)", status, out)
	}
	text, ok := out["text"]
	if !ok || text != "" {
		t.Errorf("text = %q (present %v), want empty string", text, ok)
	}
}

func TestTranscribeDefaultsExtensionToWAV(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	status, out := postFile(t, ts.URL, "blob", wavBytes(t, tone(800)))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %v)", status, out)
	}
	if out["text"] != "800 frames" {
		t.Errorf("text = %q, want %q", out["text"], "800 frames")
	}
}

// TestTranscribeErrorsPerKindStatus covers the opt-in status split.
func TestTranscribeErrorsPerKindStatus(t *testing.T) {
	tests := []struct {
		name       string
		rec        *fakeRecognizer
		filename   string
		data       []byte
		wantStatus int
		wantKind   Kind
		wantError  string
	}{
		{
			name:       "text file named wav",
			rec:        &fakeRecognizer{},
			filename:   "notes.wav",
			data:       []byte("this is definitely not audio"),
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   KindDecode,
			wantError:  "audio decode failed",
		},
		{
			name:       "empty payload",
			rec:        &fakeRecognizer{},
			filename:   "empty.wav",
			data:       nil,
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   KindDecode,
			wantError:  "audio decode failed",
		},
		{
			name:       "unknown container",
			rec:        &fakeRecognizer{},
			filename:   "clip.xyz",
			data:       []byte("%PDF-1.4 not audio"),
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   KindDecode,
			wantError:  "unsupported audio format",
		},
		{
			name:       "model failure",
			rec:        &fakeRecognizer{err: &transcribe.InferenceError{Stage: "generate", Err: errors.New("out of memory")}},
			filename:   "clip.wav",
			data:       nil,
			wantStatus: http.StatusInternalServerError,
			wantKind:   KindInference,
			wantError:  "out of memory",
		},
		{
			name:       "untagged failure",
			rec:        &fakeRecognizer{err: context.DeadlineExceeded},
			filename:   "clip.wav",
			data:       nil,
			wantStatus: http.StatusInternalServerError,
			wantKind:   KindUnexpected,
			wantError:  "deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Server.CollapseErrors = false
			_, ts := newTestServer(t, cfg, tt.rec)

			data := tt.data
			if data == nil && tt.rec.err != nil {
				data = wavBytes(t, tone(160))
			}

			status, out := postFile(t, ts.URL, tt.filename, data)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %v)", status, tt.wantStatus, out)
			}
			if Kind(out["kind"]) != tt.wantKind {
				t.Errorf("kind = %q, want %q", out["kind"], tt.wantKind)
			}
			if !strings.Contains(out["error"], tt.wantError) {
				t.Errorf("error = %q, want it to contain %q", out["error"], tt.wantError)
			}
			if _, ok := out["text"]; ok {
				t.Errorf("error response should not carry text: %v", out)
			}
			assertDirEmpty(t, cfg.Audio.TempDir)
		})
	}
}

func TestTranscribeDefaultConfigReturns500(t *testing.T) {
	tests := []struct {
		name        string
		rec         *fakeRecognizer
		field       string
		filename    string
		data        []byte
		maxUpload   int64
		wantKind    Kind
		wantInError string
	}{
		{
			name:        "text file renamed to wav",
			rec:         &fakeRecognizer{},
			field:       "file",
			filename:    "notes.wav",
			data:        []byte("this is a plain text file"),
			wantKind:    KindDecode,
			wantInError: "audio decode failed",
		},
		{
			name:        "empty payload",
			rec:         &fakeRecognizer{},
			field:       "file",
			filename:    "empty.wav",
			data:        []byte{},
			wantKind:    KindDecode,
			wantInError: "audio decode failed",
		},
		{
			name:        "missing file field",
			rec:         &fakeRecognizer{},
			field:       "audio",
			filename:    "clip.wav",
			wantKind:    KindRequest,
			wantInError: `"file"`,
		},
		{
			name:        "upload too large",
			rec:         &fakeRecognizer{},
			field:       "file",
			filename:    "big.wav",
			maxUpload:   1024,
			wantKind:    KindRequest,
			wantInError: "exceeds",
		},
		{
			name:        "model failure",
			rec:         &fakeRecognizer{err: &transcribe.InferenceError{Stage: "generate", Err: errors.New("out of memory")}},
			field:       "file",
			filename:    "clip.wav",
			wantKind:    KindInference,
			wantInError: "out of memory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Audio.TempDir = t.TempDir()
			if tt.maxUpload > 0 {
				cfg.Server.MaxUploadBytes = tt.maxUpload
			}
			_, ts := newTestServer(t, cfg, tt.rec)

			data := tt.data
			if data == nil {
				data = wavBytes(t, tone(16000))
			}
			body, ct := multipartBody(t, tt.field, tt.filename, data)

			status, out := post(t, ts.URL, ct, body)
			if status != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500 (body %v)", status, out)
			}
			if Kind(out["kind"]) != tt.wantKind {
				t.Errorf("kind = %q, want %q", out["kind"], tt.wantKind)
			}
			if !strings.Contains(out["error"], tt.wantInError) {
				t.Errorf("error = %q, want it to contain %q", out["error"], tt.wantInError)
			}
			assertDirEmpty(t, cfg.Audio.TempDir)
		})
	}
}

func TestTranscribeMissingField(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.CollapseErrors = false
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	body, ct := multipartBody(t, "audio", "clip.wav", wavBytes(t, tone(160)))
	status, out := post(t, ts.URL, ct, body)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
	if out["kind"] != string(KindRequest) {
		t.Errorf("kind = %q, want %q", out["kind"], KindRequest)
	}
	if !strings.Contains(out["error"], `"file"`) {
		t.Errorf("error = %q, want it to name the file field", out["error"])
	}
}

func TestTranscribeNotMultipart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.CollapseErrors = false
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	status, out := post(t, ts.URL, "application/json", strings.NewReader(`{"file":"x"}`))
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
	if out["kind"] != string(KindRequest) {
		t.Errorf("kind = %q, want %q", out["kind"], KindRequest)
	}
}

func TestTranscribeTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.CollapseErrors = false
	cfg.Server.MaxUploadBytes = 1024
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	status, out := postFile(t, ts.URL, "big.wav", wavBytes(t, tone(16000)))
	if status != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413 (body %v)", status, out)
	}
	assertDirEmpty(t, cfg.Audio.TempDir)
}

func TestTranscribeRecoversPanic(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg, &fakeRecognizer{panics: true})

	status, out := postFile(t, ts.URL, "clip.wav", wavBytes(t, tone(160)))
	if status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", status)
	}
	if out["kind"] != string(KindUnexpected) {
		t.Errorf("kind = %q, want %q", out["kind"], KindUnexpected)
	}
	assertDirEmpty(t, cfg.Audio.TempDir)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("server stopped answering after panic: %v", err)
	}
	_ = resp.Body.Close()
}

func TestTranscribeFailureDoesNotAffectNextRequest(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	if status, _ := postFile(t, ts.URL, "junk.wav", []byte{0x00, 0x01, 0x02}); status == http.StatusOK {
		t.Fatal("junk upload should fail")
	}
	status, out := postFile(t, ts.URL, "clip.wav", wavBytes(t, tone(320)))
	if status != http.StatusOK || out["text"] != "320 frames" {
		t.Errorf("follow-up request = %d %v, want 200 \"320 frames\"", status, out)
	}
}

func TestTranscribeConcurrentRequests(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	const n = 8
	bodies := make([]*bytes.Buffer, n)
	types := make([]string, n)
	for i := range n {
		bodies[i], types[i] = multipartBody(t, "file", "clip.wav", wavBytes(t, tone(160*(i+1))))
	}

	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Post(ts.URL+"/transcribe", types[i], bodies[i])
			if err != nil {
				errs <- err.Error()
				return
			}
			defer func() { _ = resp.Body.Close() }()
			var out map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				errs <- err.Error()
				return
			}
			if want := fmt.Sprintf("%d frames", 160*(i+1)); out["text"] != want {
				errs <- fmt.Sprintf("request %d: text = %q, want %q", i, out["text"], want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
	assertDirEmpty(t, cfg.Audio.TempDir)
}

func TestHealth(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("status = %q, want ok", out["status"])
	}
	if out["model"] != config.DefaultModel {
		t.Errorf("model = %q, want %q", out["model"], config.DefaultModel)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodGet, "/transcribe", http.StatusMethodNotAllowed},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request error = %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	postFile(t, ts.URL, "clip.wav", wavBytes(t, tone(160)))
	postFile(t, ts.URL, "bad.wav", []byte("nope"))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`gostt_transcriptions_total{outcome="ok"} 1`,
		`gostt_transcriptions_total{outcome="decode"} 1`,
		`gostt_http_requests_total{method="POST",route="/transcribe",status="200"} 1`,
		`gostt_http_requests_total{method="POST",route="/transcribe",status="500"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.CORSOrigins = []string{"https://example.test"}
	_, ts := newTestServer(t, cfg, &fakeRecognizer{})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/transcribe", nil)
	req.Header.Set("Origin", "https://example.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight error = %v", err)
	}
	_ = resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://example.test" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://example.test")
	}
}

func TestStartStop(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg, &fakeRecognizer{}, nil, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := s.Addr()
	if strings.HasSuffix(addr, ":0") {
		t.Fatalf("Addr() = %q, want the bound port", addr)
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if _, err := http.Get("http://" + addr + "/health"); err == nil {
		t.Error("server still answering after Stop()")
	}
}

func TestStartBindError(t *testing.T) {
	cfg := testConfig(t)
	first := New(cfg, &fakeRecognizer{}, nil, nil)
	if err := first.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = first.Stop(context.Background()) })

	cfg.Server.Listen = first.Addr()
	second := New(cfg, &fakeRecognizer{}, nil, nil)
	if err := second.Start(); err == nil {
		_ = second.Stop(context.Background())
		t.Error("Start() on a taken port should fail")
	}
}
