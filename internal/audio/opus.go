package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pion/opus"
	"github.com/pion/opus/pkg/oggreader"
)

const (
	// opusUpsample is the factor pion/opus applies to the SILK output.
	opusUpsample = 3
	// opusFrameRate is frames per second for the 20ms SILK frames pion decodes.
	opusFrameRate = 50
	// opusMaxFrame is one decoded frame at the widest SILK bandwidth, in bytes.
	opusMaxFrame = 320 * opusUpsample * 2
)

var errOpusBandwidthChange = errors.New("opus bandwidth changes mid-stream")

// decodeOggOpusSafe recovers from decoder panics, which pion/opus raises on
// some malformed or unsupported streams.
func decodeOggOpusSafe(path string) (d *Decoded, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("opus decoder panic: %v", r)
		}
	}()
	return decodeOggOpus(path)
}

// decodeOggOpus decodes every audio packet of an OGG stream to PCM. pion
// only decodes mono SILK, so the result is always one channel at three
// times the SILK bandwidth rate.
func decodeOggOpus(path string) (*Decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer func() { _ = f.Close() }()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("parse OGG container: %w", err)
	}

	dec := opus.NewDecoder()
	out := make([]byte, opusMaxFrame)

	var (
		pcm     []int16
		rate    int
		packets int
	)
	for {
		segments, _, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse OGG page: %w", err)
		}

		for _, packet := range segments {
			if len(packet) == 0 || isOpusHeader(packet) {
				continue
			}
			packets++

			bw, _, err := dec.Decode(packet, out)
			if err != nil {
				return nil, fmt.Errorf("opus packet %d: %w", packets, err)
			}

			pktRate := bw.SampleRate() * opusUpsample
			if rate == 0 {
				rate = pktRate
			} else if pktRate != rate {
				return nil, fmt.Errorf("%w: %dHz to %dHz", errOpusBandwidthChange, rate, pktRate)
			}
			pcm = append(pcm, framePCM(out, pktRate/opusFrameRate)...)
		}
	}

	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768.0
	}

	return &Decoded{
		Samples:    samples,
		Channels:   1,
		SampleRate: rate,
	}, nil
}

func isOpusHeader(packet []byte) bool {
	return bytes.HasPrefix(packet, []byte("OpusHead")) || bytes.HasPrefix(packet, []byte("OpusTags"))
}

// framePCM reads the first n little-endian int16 samples of a decode buffer.
// Silence inside the frame is kept.
func framePCM(buf []byte, n int) []int16 {
	n = min(n, len(buf)/2)
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(buf[2*i:])) // #nosec G115 - reinterpreting PCM bits
	}
	return pcm
}
