package transcribe

import (
	"errors"
	"fmt"
	"math"

	"github.com/zeozeozeo/gomplerate"

	"github.com/chaz8081/gostt-server/internal/audio"
)

// WhisperSampleRate is the input rate whisper.cpp models expect.
const WhisperSampleRate = 16000

// ErrBadShape is returned for sample buffers the model cannot consume.
var ErrBadShape = errors.New("audio shape incompatible with model input")

// Preprocessor turns decoded audio into model input: mono float32 at
// TargetRate.
type Preprocessor struct {
	TargetRate int
}

// Prepare downmixes and resamples d. It never modifies d.
func (p Preprocessor) Prepare(d *audio.Decoded) ([]float32, error) {
	target := p.TargetRate
	if target <= 0 {
		target = WhisperSampleRate
	}

	switch {
	case d == nil:
		return nil, fmt.Errorf("%w: no audio", ErrBadShape)
	case d.SampleRate <= 0:
		return nil, fmt.Errorf("%w: sample rate %d", ErrBadShape, d.SampleRate)
	case d.Channels <= 0:
		return nil, fmt.Errorf("%w: %d channels", ErrBadShape, d.Channels)
	case len(d.Samples)%d.Channels != 0:
		return nil, fmt.Errorf("%w: %d samples do not split into %d channels", ErrBadShape, len(d.Samples), d.Channels)
	case len(d.Samples) == 0:
		return nil, fmt.Errorf("%w: empty buffer", ErrBadShape)
	}

	mono := downmix(d.Samples, d.Channels)
	if d.SampleRate == target {
		return mono, nil
	}
	return resample(mono, d.SampleRate, target)
}

// downmix averages interleaved channels into a new mono buffer.
func downmix(samples []float32, channels int) []float32 {
	mono := make([]float32, len(samples)/channels)
	if channels == 1 {
		copy(mono, samples)
		return mono
	}

	for i := range mono {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// resample converts mono audio between rates using gomplerate's int16 path.
func resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	r, err := gomplerate.NewResampler(1, fromRate, toRate)
	if err != nil {
		return nil, fmt.Errorf("%w: resample %dHz to %dHz: %v", ErrBadShape, fromRate, toRate, err)
	}

	pcm := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		pcm[i] = int16(max(-32768, min(32767, v)))
	}

	out := r.ResampleInt16(pcm)
	result := make([]float32, len(out))
	for i, s := range out {
		result[i] = float32(s) / 32768.0
	}
	return result, nil
}
