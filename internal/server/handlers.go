package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/chaz8081/gostt-server/internal/audio"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to disk.
const multipartMemory = 8 << 20

type transcribeResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind,omitempty"`
}

// handleTranscribe implements POST /transcribe
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := middleware.GetReqID(r.Context())

	text, err := s.transcribe(w, r)
	if err != nil {
		kind, status := classify(err)
		if s.cfg.CollapseErrors {
			status = http.StatusInternalServerError
		}
		s.metrics.Transcriptions.WithLabelValues(string(kind)).Inc()
		s.logger.Warn("transcription failed", "request_id", reqID, "kind", kind, "status", status, "error", err)
		writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
		return
	}

	s.metrics.Transcriptions.WithLabelValues("ok").Inc()
	s.logger.Info("transcribed", "request_id", reqID, "chars", len(text), "elapsed", time.Since(start).Round(time.Millisecond))
	writeJSON(w, http.StatusOK, transcribeResponse{Text: text})
}

// transcribe runs one upload through the pipeline.
func (s *Server) transcribe(w http.ResponseWriter, r *http.Request) (string, error) {
	data, filename, err := s.readUpload(w, r)
	if err != nil {
		return "", err
	}
	s.metrics.UploadSize.Observe(float64(len(data)))
	s.logger.Debug("upload received", "filename", filename, "bytes", len(data))

	decoded, err := s.decodeUpload(data, filename)
	if err != nil {
		return "", err
	}
	s.metrics.AudioDuration.Observe(decoded.Duration().Seconds())
	s.logger.Debug("audio decoded",
		"channels", decoded.Channels,
		"sample_rate", decoded.SampleRate,
		"duration", decoded.Duration().Round(time.Millisecond))

	s.metrics.InferenceInFlight.Inc()
	defer s.metrics.InferenceInFlight.Dec()

	start := time.Now()
	text, err := s.engine.Transcribe(r.Context(), decoded)
	s.metrics.StageDuration.WithLabelValues("inference").Observe(time.Since(start).Seconds())
	return text, err
}

// decodeUpload materializes data to a temp file, decodes it, and always
// removes the file before returning.
func (s *Server) decodeUpload(data []byte, filename string) (*audio.Decoded, error) {
	tmp, err := audio.Materialize(s.tempDir, data, filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := tmp.Remove(); err != nil {
			s.logger.Error("temp file cleanup failed", "path", tmp.Path(), "error", err)
		}
	}()

	start := time.Now()
	decoded, err := audio.Decode(tmp.Path())
	s.metrics.StageDuration.WithLabelValues("decode").Observe(time.Since(start).Seconds())
	return decoded, err
}

// readUpload returns the bytes and client filename of the "file" field.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", &requestError{
				status: http.StatusRequestEntityTooLarge,
				err:    fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit),
			}
		}
		return nil, "", &requestError{
			status: http.StatusBadRequest,
			err:    fmt.Errorf("invalid multipart upload: %w", err),
		}
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", &requestError{
			status: http.StatusBadRequest,
			err:    fmt.Errorf("missing \"file\" field: %w", err),
		}
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	return data, header.Filename, nil
}

// handleHealth implements GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"model":  s.modelName,
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
