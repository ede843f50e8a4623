// Package checkpoint reads fine-tuned parameter snapshots stored in the
// safetensors format and checks them against a model's parameter mapping.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"strings"
)

var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// modelPrefix is stripped when every key carries it. Training checkpoints
// nest the network weights under "model".
const modelPrefix = "model."

const metadataKey = "__metadata__"

type DType string

const (
	F16  DType = "F16"
	BF16 DType = "BF16"
	F32  DType = "F32"
	F64  DType = "F64"
	I8   DType = "I8"
	U8   DType = "U8"
	I16  DType = "I16"
	I32  DType = "I32"
	I64  DType = "I64"
	BOOL DType = "BOOL"
)

// Size returns the byte width of one element, or 0 for unknown dtypes.
func (d DType) Size() int {
	switch d {
	case I8, U8, BOOL:
		return 1
	case F16, BF16, I16:
		return 2
	case F32, I32:
		return 4
	case F64, I64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether d is a floating-point dtype.
func (d DType) IsFloat() bool {
	switch d {
	case F16, BF16, F32, F64:
		return true
	default:
		return false
	}
}

type Tensor struct {
	DType DType
	Shape []int64
	// Data holds the little-endian element bytes.
	Data []byte
}

func (t Tensor) NumElements() int64 {
	return numElements(t.Shape)
}

// Parameters maps parameter names to tensor values.
type Parameters map[string]Tensor

type headerEntry struct {
	DType       DType   `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Load(path string) (Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	params, err := Read(data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return params, nil
}

// Read decodes a safetensors payload. Tensor data aliases the input slice.
func Read(data []byte) (Parameters, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: file too short", ErrInvalidCheckpoint)
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file size", ErrInvalidCheckpoint, headerLen)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("%w: parse header: %v", ErrInvalidCheckpoint, err)
	}

	body := data[8+headerLen:]
	params := make(Parameters, len(header))
	for name, raw := range header {
		if name == metadataKey {
			continue
		}

		var entry headerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrInvalidCheckpoint, name, err)
		}

		tensor, err := entry.slice(body)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrInvalidCheckpoint, name, err)
		}
		params[name] = tensor
	}

	return stripModelPrefix(params), nil
}

func (e headerEntry) slice(body []byte) (Tensor, error) {
	size := e.DType.Size()
	if size == 0 {
		return Tensor{}, fmt.Errorf("unsupported dtype %q", e.DType)
	}
	if len(e.DataOffsets) != 2 {
		return Tensor{}, errors.New("data_offsets must have two entries")
	}

	begin, end := e.DataOffsets[0], e.DataOffsets[1]
	if begin < 0 || end < begin || end > int64(len(body)) {
		return Tensor{}, fmt.Errorf("data_offsets [%d, %d] out of bounds", begin, end)
	}

	for _, dim := range e.Shape {
		if dim < 0 {
			return Tensor{}, fmt.Errorf("negative dimension in shape %v", e.Shape)
		}
	}

	want, ok := byteLength(e.Shape, size)
	if !ok {
		return Tensor{}, fmt.Errorf("shape %v overflows", e.Shape)
	}
	if end-begin != want {
		return Tensor{}, fmt.Errorf("byte length %d does not match shape %v (%d bytes)", end-begin, e.Shape, want)
	}

	return Tensor{DType: e.DType, Shape: e.Shape, Data: body[begin:end]}, nil
}

func stripModelPrefix(params Parameters) Parameters {
	if len(params) == 0 {
		return params
	}
	for name := range params {
		if !strings.HasPrefix(name, modelPrefix) {
			return params
		}
	}

	stripped := make(Parameters, len(params))
	for name, tensor := range params {
		stripped[strings.TrimPrefix(name, modelPrefix)] = tensor
	}
	return stripped
}

func numElements(shape []int64) int64 {
	n := int64(1)
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// byteLength multiplies the element size through shape, reporting false when
// the product does not fit in an int64. Dimensions must be non-negative.
func byteLength(shape []int64, size int) (int64, bool) {
	n := uint64(size)
	for _, dim := range shape {
		hi, lo := bits.Mul64(n, uint64(dim))
		if hi != 0 || lo > math.MaxInt64 {
			return 0, false
		}
		n = lo
	}
	return int64(n), true
}
