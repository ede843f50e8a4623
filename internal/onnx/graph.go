package onnx

import (
	"errors"
	"fmt"
	"slices"

	"github.com/fmueller/asrinfer/internal/checkpoint"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrInvalidModel = errors.New("invalid onnx model")

// Field numbers from onnx.proto.
const (
	modelGraphField protowire.Number = 7

	graphInitializerField protowire.Number = 5
	graphInputField       protowire.Number = 11
	graphOutputField      protowire.Number = 12

	valueInfoNameField protowire.Number = 1

	tensorDimsField         protowire.Number = 1
	tensorDataTypeField     protowire.Number = 2
	tensorNameField         protowire.Number = 8
	tensorRawDataField      protowire.Number = 9
	tensorDataLocationField protowire.Number = 14
)

const dataLocationExternal = 1

// ElementType is TensorProto.DataType.
type ElementType int32

const (
	ElementFloat    ElementType = 1
	ElementUint8    ElementType = 2
	ElementInt8     ElementType = 3
	ElementInt16    ElementType = 5
	ElementInt32    ElementType = 6
	ElementInt64    ElementType = 7
	ElementBool     ElementType = 9
	ElementFloat16  ElementType = 10
	ElementDouble   ElementType = 11
	ElementBFloat16 ElementType = 16
)

var elementDTypes = map[ElementType]checkpoint.DType{
	ElementFloat:    checkpoint.F32,
	ElementUint8:    checkpoint.U8,
	ElementInt8:     checkpoint.I8,
	ElementInt16:    checkpoint.I16,
	ElementInt32:    checkpoint.I32,
	ElementInt64:    checkpoint.I64,
	ElementBool:     checkpoint.BOOL,
	ElementFloat16:  checkpoint.F16,
	ElementDouble:   checkpoint.F64,
	ElementBFloat16: checkpoint.BF16,
}

type Initializer struct {
	Name     string
	Type     ElementType
	Dims     []int64
	External bool
}

// Graph is a read-only view of an ONNX model's top-level graph.
type Graph struct {
	model []byte

	Inputs       []string
	Outputs      []string
	Initializers []Initializer
}

type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
	val []byte
}

func (f field) bytes() []byte {
	v, _ := protowire.ConsumeBytes(f.val)
	return v
}

func (f field) varint() uint64 {
	v, _ := protowire.ConsumeVarint(f.val)
	return v
}

func forEachField(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidModel, protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrInvalidModel, num, protowire.ParseError(m))
		}
		if err := fn(field{num: num, typ: typ, raw: b[:n+m], val: b[n : n+m]}); err != nil {
			return err
		}
		b = b[n+m:]
	}
	return nil
}

func ParseGraph(model []byte) (*Graph, error) {
	g := &Graph{model: model}

	found := false
	err := forEachField(model, func(f field) error {
		if f.num != modelGraphField || f.typ != protowire.BytesType {
			return nil
		}
		found = true
		return g.parseGraphProto(f.bytes())
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: model has no graph", ErrInvalidModel)
	}

	initialized := make(map[string]bool, len(g.Initializers))
	for _, init := range g.Initializers {
		initialized[init.Name] = true
	}
	// Older exporters list initializers among the graph inputs as well.
	g.Inputs = slices.DeleteFunc(g.Inputs, func(name string) bool { return initialized[name] })

	return g, nil
}

func (g *Graph) parseGraphProto(b []byte) error {
	return forEachField(b, func(f field) error {
		if f.typ != protowire.BytesType {
			return nil
		}
		switch f.num {
		case graphInitializerField:
			init, err := parseTensor(f.bytes())
			if err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, init)
		case graphInputField:
			name, err := valueInfoName(f.bytes())
			if err != nil {
				return err
			}
			g.Inputs = append(g.Inputs, name)
		case graphOutputField:
			name, err := valueInfoName(f.bytes())
			if err != nil {
				return err
			}
			g.Outputs = append(g.Outputs, name)
		}
		return nil
	})
}

func valueInfoName(b []byte) (string, error) {
	var name string
	err := forEachField(b, func(f field) error {
		if f.num == valueInfoNameField && f.typ == protowire.BytesType {
			name = string(f.bytes())
		}
		return nil
	})
	return name, err
}

func parseTensor(b []byte) (Initializer, error) {
	var init Initializer
	err := forEachField(b, func(f field) error {
		switch f.num {
		case tensorDimsField:
			dims, err := parseDims(f)
			if err != nil {
				return err
			}
			init.Dims = append(init.Dims, dims...)
		case tensorDataTypeField:
			init.Type = ElementType(f.varint())
		case tensorNameField:
			init.Name = string(f.bytes())
		case tensorDataLocationField:
			init.External = f.varint() == dataLocationExternal
		}
		return nil
	})
	if err != nil {
		return Initializer{}, err
	}
	if init.Name == "" {
		return Initializer{}, fmt.Errorf("%w: unnamed initializer", ErrInvalidModel)
	}
	return init, nil
}

func parseDims(f field) ([]int64, error) {
	if f.typ == protowire.VarintType {
		return []int64{int64(f.varint())}, nil
	}
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: unexpected wire type %d for dims", ErrInvalidModel, f.typ)
	}

	packed := f.bytes()
	var dims []int64
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, fmt.Errorf("%w: dims: %v", ErrInvalidModel, protowire.ParseError(n))
		}
		dims = append(dims, int64(v))
		packed = packed[n:]
	}
	return dims, nil
}

func (g *Graph) HasInput(name string) bool {
	return slices.Contains(g.Inputs, name)
}

func (g *Graph) HasOutput(name string) bool {
	return slices.Contains(g.Outputs, name)
}

// Parameters returns the model's parameter mapping: every floating-point
// initializer keyed by name. Integer initializers are graph constants.
func (g *Graph) Parameters() map[string]checkpoint.Spec {
	specs := make(map[string]checkpoint.Spec, len(g.Initializers))
	for _, init := range g.Initializers {
		dtype, ok := elementDTypes[init.Type]
		if !ok || !dtype.IsFloat() {
			continue
		}
		specs[init.Name] = checkpoint.Spec{DType: dtype, Shape: slices.Clone(init.Dims)}
	}
	return specs
}

// WithParameters returns a copy of the serialized model whose parameter
// initializers carry the checkpoint values. params must match Parameters
// exactly; g is never modified.
func (g *Graph) WithParameters(params checkpoint.Parameters) ([]byte, error) {
	if err := checkpoint.Match(g.Parameters(), params); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(g.model))
	err := forEachField(g.model, func(f field) error {
		if f.num != modelGraphField || f.typ != protowire.BytesType {
			out = append(out, f.raw...)
			return nil
		}

		graph, err := rewriteInitializers(f.bytes(), params)
		if err != nil {
			return err
		}
		out = protowire.AppendTag(out, modelGraphField, protowire.BytesType)
		out = protowire.AppendBytes(out, graph)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func rewriteInitializers(graph []byte, params checkpoint.Parameters) ([]byte, error) {
	out := make([]byte, 0, len(graph))
	err := forEachField(graph, func(f field) error {
		if f.num != graphInitializerField || f.typ != protowire.BytesType {
			out = append(out, f.raw...)
			return nil
		}

		init, err := parseTensor(f.bytes())
		if err != nil {
			return err
		}
		tensor, ok := params[init.Name]
		if !ok {
			out = append(out, f.raw...)
			return nil
		}

		out = protowire.AppendTag(out, graphInitializerField, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeTensor(init, tensor.Data))
		return nil
	})
	return out, err
}

func encodeTensor(init Initializer, data []byte) []byte {
	var b []byte
	if len(init.Dims) > 0 {
		var packed []byte
		for _, dim := range init.Dims {
			packed = protowire.AppendVarint(packed, uint64(dim))
		}
		b = protowire.AppendTag(b, tensorDimsField, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, tensorDataTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(init.Type))
	b = protowire.AppendTag(b, tensorNameField, protowire.BytesType)
	b = protowire.AppendString(b, init.Name)
	b = protowire.AppendTag(b, tensorRawDataField, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}
