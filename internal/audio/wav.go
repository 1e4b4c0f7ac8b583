package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// decodeWAV reads integer PCM WAV data normalized by its source bit depth.
func decodeWAV(path string) (*Decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("not a valid WAV container: %w", err)
		}
		return nil, errors.New("not a valid WAV container")
	}

	switch dec.WavAudioFormat {
	case wavFormatPCM, wavFormatExtensible:
	default:
		return nil, fmt.Errorf("unsupported WAV encoding %d (integer PCM only)", dec.WavAudioFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read PCM data: %w", err)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth < 8 || bitDepth > 32 {
		return nil, fmt.Errorf("unsupported WAV bit depth %d", bitDepth)
	}

	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	if buf.Format != nil {
		channels = buf.Format.NumChannels
		rate = buf.Format.SampleRate
	}

	return &Decoded{
		Samples:    pcmToFloat32(buf.Data, bitDepth),
		Channels:   channels,
		SampleRate: rate,
	}, nil
}

// pcmToFloat32 normalizes integer PCM to [-1.0, 1.0]. 8-bit WAV is unsigned.
func pcmToFloat32(data []int, bitDepth int) []float32 {
	scale := float32(int64(1) << (bitDepth - 1))
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}

	samples := make([]float32, len(data))
	for i, s := range data {
		samples[i] = float32(s-offset) / scale
	}
	return samples
}

// EncodeWAV writes interleaved 16-bit PCM samples as a WAV container.
func EncodeWAV(w io.WriteSeeker, samples []int, sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("audio: invalid WAV layout %dHz/%dch", sampleRate, channels)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode WAV: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize WAV: %w", err)
	}
	return nil
}
