package audio

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Container formats Decode understands.
const (
	FormatWAV     = "wav"
	FormatOggOpus = "ogg/opus"
	FormatUnknown = "unknown"
)

var (
	// ErrUnsupportedFormat is returned when neither the extension nor the
	// content identify a supported container.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrNoSamples is returned for containers holding no audio.
	ErrNoSamples = errors.New("no audio samples decoded")
)

// Decoded is PCM audio. Samples are interleaved by channel.
type Decoded struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

// Frames returns the number of samples per channel.
func (d *Decoded) Frames() int {
	if d.Channels <= 0 {
		return 0
	}
	return len(d.Samples) / d.Channels
}

// Duration returns the playback length.
func (d *Decoded) Duration() time.Duration {
	if d.SampleRate <= 0 {
		return 0
	}
	return time.Duration(d.Frames()) * time.Second / time.Duration(d.SampleRate)
}

// DecodeError reports bytes that could not be read as audio.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio decode failed (%s): %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode reads the audio file at path. The container is picked from the
// extension, falling back to content sniffing for unknown extensions.
// All failures are *DecodeError.
func Decode(path string) (*Decoded, error) {
	format, err := detectFormat(path)
	if err != nil {
		return nil, &DecodeError{Format: FormatUnknown, Err: err}
	}

	var d *Decoded
	switch format {
	case FormatWAV:
		d, err = decodeWAV(path)
	case FormatOggOpus:
		d, err = decodeOggOpusSafe(path)
	}
	if err != nil {
		return nil, &DecodeError{Format: format, Err: err}
	}
	if len(d.Samples) == 0 {
		return nil, &DecodeError{Format: format, Err: ErrNoSamples}
	}

	return d, nil
}

// detectFormat maps a file to one of the Format constants.
func detectFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return FormatWAV, nil
	case ".ogg", ".oga", ".opus":
		return FormatOggOpus, nil
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("sniff content: %w", err)
	}

	switch {
	case mt.Is("audio/wav"), mt.Is("audio/x-wav"):
		return FormatWAV, nil
	case mt.Is("audio/ogg"), mt.Is("audio/opus"), mt.Is("application/ogg"):
		return FormatOggOpus, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, mt.String())
}
