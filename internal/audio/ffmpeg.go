package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

var (
	ffmpegBinary  = "ffmpeg"
	ffprobeBinary = "ffprobe"
)

// ffmpegDecode converts any container ffmpeg understands into mono float32
// samples at rate.
func ffmpegDecode(path string, rate int) (Buffer, error) {
	if _, err := os.Stat(path); err != nil {
		return Buffer{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	bin, err := exec.LookPath(ffmpegBinary)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: ffmpeg not found: please install ffmpeg to decode %s", ErrDecode, path)
	}

	cmd := exec.Command(bin,
		"-nostdin",
		"-v", "error",
		"-i", path,
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Buffer{}, fmt.Errorf("%w: ffmpeg failed for %s: %w: %s", ErrDecode, path, err, strings.TrimSpace(stderr.String()))
	}

	return Buffer{Samples: parseF32LE(stdout.Bytes()), SampleRate: rate}, nil
}

func parseF32LE(raw []byte) []float32 {
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples
}

func probeSampleRate(path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	bin, err := exec.LookPath(ffprobeBinary)
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe not found: please install ffmpeg to decode %s", ErrDecode, path)
	}

	cmd := exec.Command(bin,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=sample_rate",
		"-of", "csv=p=0",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe failed for %s: %w", ErrDecode, path, err)
	}
	return parseProbeRate(string(output))
}

func parseProbeRate(output string) (int, error) {
	value := strings.TrimSpace(output)
	if i := strings.IndexAny(value, ",\n"); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}

	rate, err := strconv.Atoi(value)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("%w: unexpected ffprobe sample rate %q", ErrDecode, strings.TrimSpace(output))
	}
	return rate, nil
}
