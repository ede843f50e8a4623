// Package audio decodes speech recordings into mono float32 buffers.
package audio

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"
)

var ErrDecode = errors.New("decode audio")

// resamplePadDivisor sets the silence appended before resampling to a
// quarter second.
const resamplePadDivisor = 4

var SupportedFormats = []string{".wav", ".mp3", ".m4a", ".aac", ".ogg", ".flac", ".webm", ".opus"}

// Buffer holds mono samples in [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

func IsSupported(path string) bool {
	return slices.Contains(SupportedFormats, strings.ToLower(filepath.Ext(path)))
}

func isWAV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}

// Load decodes path to mono and resamples it to rate.
func Load(path string, rate int) (Buffer, error) {
	if rate <= 0 {
		return Buffer{}, fmt.Errorf("%w: invalid target sample rate %d", ErrDecode, rate)
	}

	var (
		buf Buffer
		err error
	)
	if isWAV(path) {
		buf, err = readWAVFile(path)
	} else {
		buf, err = ffmpegDecode(path, rate)
	}
	if err != nil {
		return Buffer{}, err
	}
	return Resample(buf, rate)
}

// LoadNative decodes path to mono at the file's own sample rate.
func LoadNative(path string) (Buffer, error) {
	if isWAV(path) {
		return readWAVNative(path)
	}

	rate, err := probeSampleRate(path)
	if err != nil {
		return Buffer{}, err
	}
	return ffmpegDecode(path, rate)
}

func Resample(buf Buffer, rate int) (Buffer, error) {
	if buf.SampleRate == rate || len(buf.Samples) == 0 {
		return Buffer{Samples: buf.Samples, SampleRate: rate}, nil
	}
	if buf.SampleRate <= 0 || rate <= 0 {
		return Buffer{}, fmt.Errorf("%w: cannot resample %d Hz to %d Hz", ErrDecode, buf.SampleRate, rate)
	}

	// Trailing silence pushes the clip end through the filters; the output
	// is cut back to the clip's own length afterwards.
	input := make([]float64, len(buf.Samples)+buf.SampleRate/resamplePadDivisor)
	for i, s := range buf.Samples {
		input[i] = float64(s)
	}

	output, err := resampling.ResampleMono(input, float64(buf.SampleRate), float64(rate), resampling.QualityHigh)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: resample: %v", ErrDecode, err)
	}
	if want := resampledLength(len(buf.Samples), buf.SampleRate, rate); len(output) > want {
		output = output[:want]
	}

	samples := make([]float32, len(output))
	for i, s := range output {
		samples[i] = float32(max(-1, min(1, s)))
	}
	return Buffer{Samples: samples, SampleRate: rate}, nil
}

func resampledLength(n, from, to int) int {
	return int(math.Round(float64(n) * float64(to) / float64(from)))
}

func mixDown(interleaved []float64, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		for i, v := range interleaved {
			out[i] = float32(v)
		}
		return out
	}

	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float64
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}
