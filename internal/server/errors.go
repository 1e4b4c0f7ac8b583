package server

import (
	"errors"
	"net/http"

	"github.com/chaz8081/gostt-server/internal/audio"
	"github.com/chaz8081/gostt-server/internal/transcribe"
)

// Kind tags a failure with the pipeline stage it came from.
type Kind string

const (
	KindRequest    Kind = "request"
	KindDecode     Kind = "decode"
	KindInference  Kind = "inference"
	KindUnexpected Kind = "unexpected"
)

// requestError is a malformed upload.
type requestError struct {
	status int
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// classify maps err to its kind and HTTP status.
func classify(err error) (Kind, int) {
	var reqErr *requestError
	var decErr *audio.DecodeError
	var infErr *transcribe.InferenceError

	switch {
	case errors.As(err, &reqErr):
		return KindRequest, reqErr.status
	case errors.As(err, &decErr):
		return KindDecode, http.StatusUnprocessableEntity
	case errors.As(err, &infErr):
		return KindInference, http.StatusInternalServerError
	default:
		return KindUnexpected, http.StatusInternalServerError
	}
}
