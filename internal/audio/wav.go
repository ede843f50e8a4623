package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const (
	formatPCM       = 1
	formatIEEEFloat = 3
)

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

func readWAVFile(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: open wav: %w", ErrDecode, err)
	}
	defer f.Close()

	buf, err := decodeWAV(f)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}
	return buf, nil
}

func decodeWAV(f io.ReadSeeker) (Buffer, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Buffer{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return Buffer{}, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Buffer{}, ErrInvalidWAV
	}

	var (
		format  wavFormat
		data    []byte
		hasFmt  bool
		hasData bool
	)

	chunkHeader := make([]byte, 8)
	for {
		if _, err := io.ReadFull(f, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Buffer{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return Buffer{}, ErrInvalidWAV
			}

			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, buf); err != nil {
				return Buffer{}, fmt.Errorf("read wav fmt chunk: %w", err)
			}

			format = wavFormat{
				audioFormat:   binary.LittleEndian.Uint16(buf[0:2]),
				channels:      binary.LittleEndian.Uint16(buf[2:4]),
				sampleRate:    binary.LittleEndian.Uint32(buf[4:8]),
				bitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
			}
			// WAVE_FORMAT_EXTENSIBLE carries the real format in the sub-format GUID.
			if format.audioFormat == 0xFFFE && chunkSize >= 26 {
				format.audioFormat = binary.LittleEndian.Uint16(buf[24:26])
			}
			hasFmt = true

			if chunkSize%2 != 0 {
				if _, err := f.Seek(1, io.SeekCurrent); err != nil {
					return Buffer{}, fmt.Errorf("seek wav fmt padding: %w", err)
				}
			}
		case "data":
			data = make([]byte, chunkSize)
			n, err := io.ReadFull(f, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return Buffer{}, fmt.Errorf("read wav data: %w", err)
			}
			// Streaming writers leave a truncated data chunk behind.
			data = data[:n]
			hasData = true
			if chunkSize%2 != 0 {
				_, _ = f.Seek(1, io.SeekCurrent)
			}
		default:
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return Buffer{}, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return Buffer{}, ErrInvalidWAV
	}

	if err := validateFormat(format.audioFormat, format.bitsPerSample); err != nil {
		return Buffer{}, err
	}
	if format.channels == 0 || format.sampleRate == 0 {
		return Buffer{}, ErrInvalidWAV
	}

	interleaved, err := decodeSamples(data, format.audioFormat, format.bitsPerSample)
	if err != nil {
		return Buffer{}, err
	}

	return Buffer{
		Samples:    mixDown(interleaved, int(format.channels)),
		SampleRate: int(format.sampleRate),
	}, nil
}

func validateFormat(audioFormat, bitsPerSample uint16) error {
	switch audioFormat {
	case formatPCM:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case formatIEEEFloat:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

func decodeSamples(data []byte, audioFormat, bitsPerSample uint16) ([]float64, error) {
	bytesPerSample := int(bitsPerSample / 8)
	if bytesPerSample <= 0 {
		return nil, ErrUnsupportedWAV
	}

	out := make([]float64, 0, len(data)/bytesPerSample)
	for i := 0; i+bytesPerSample <= len(data); i += bytesPerSample {
		value, err := decodeSample(data[i:i+bytesPerSample], audioFormat, bitsPerSample)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == formatIEEEFloat {
		switch bitsPerSample {
		case 32:
			bits := binary.LittleEndian.Uint32(sample)
			return float64(math.Float32frombits(bits)), nil
		case 64:
			bits := binary.LittleEndian.Uint64(sample)
			return math.Float64frombits(bits), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch bitsPerSample {
	case 8:
		u := float64(sample[0])
		return (u - 128.0) / 128.0, nil
	case 16:
		v := int16(binary.LittleEndian.Uint16(sample))
		return float64(v) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		v := int32(binary.LittleEndian.Uint32(sample))
		return float64(v) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}

// readWAVNative decodes integer PCM through go-audio/wav, keeping the
// file's own rate. Float WAVs go through the RIFF reader above.
func readWAVNative(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: open wav: %w", ErrDecode, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Buffer{}, fmt.Errorf("%w: %s: %w", ErrDecode, path, ErrInvalidWAV)
	}
	if dec.WavAudioFormat != formatPCM {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return Buffer{}, fmt.Errorf("%w: rewind wav: %w", ErrDecode, err)
		}
		buf, err := decodeWAV(f)
		if err != nil {
			return Buffer{}, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
		}
		return buf, nil
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}

	return fromIntBuffer(pcm, int(dec.BitDepth)), nil
}

// fromIntBuffer scales integer PCM to [-1, 1) and mixes it down to mono.
func fromIntBuffer(pcm *goaudio.IntBuffer, fallbackDepth int) Buffer {
	depth := pcm.SourceBitDepth
	if depth <= 0 {
		depth = fallbackDepth
	}
	scale := math.Ldexp(1, depth-1)
	var offset float64
	if depth == 8 {
		// 8-bit PCM is unsigned.
		offset = scale
	}

	interleaved := make([]float64, len(pcm.Data))
	for i, v := range pcm.Data {
		interleaved[i] = (float64(v) - offset) / scale
	}

	return Buffer{
		Samples:    mixDown(interleaved, pcm.Format.NumChannels),
		SampleRate: pcm.Format.SampleRate,
	}
}
