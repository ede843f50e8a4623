// Package onnx runs the acoustic model on ONNX Runtime and rewrites the
// serialized graph when a checkpoint overrides its parameters.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/fmueller/asrinfer/internal/checkpoint"
	"github.com/fmueller/asrinfer/internal/platform"
	"github.com/fmueller/asrinfer/internal/wav2vec2"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const (
	inputValuesName   = "input_values"
	attentionMaskName = "attention_mask"
	logitsName        = "logits"
)

var envMu sync.Mutex

// Init loads the ONNX Runtime shared library and creates the process-wide
// environment. It is a no-op while the environment exists, and starts a
// fresh one after Shutdown.
func Init(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

// Shutdown destroys the environment. Sessions created before it must be
// closed first.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type Options struct {
	LibraryPath string
	Device      platform.Device
	Logger      *zap.Logger
}

// Model is a CTC acoustic model held in an ONNX Runtime session.
type Model struct {
	graph   *Graph
	session *ort.DynamicAdvancedSession
	device  platform.Device
	logger  *zap.Logger

	valuesInput string
	maskInput   string
	output      string
}

func Load(ctx context.Context, path string, opts Options) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if err := Init(opts.LibraryPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read onnx model: %w", err)
	}

	graph, err := ParseGraph(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	m := &Model{graph: graph, device: opts.Device, logger: opts.Logger}
	if err := m.bindNames(); err != nil {
		return nil, err
	}

	session, err := m.newSession(data)
	if err != nil {
		return nil, err
	}
	m.session = session

	m.logger.Debug("onnx model loaded",
		zap.String("path", path),
		zap.String("device", m.device.String()),
		zap.Strings("inputs", graph.Inputs),
		zap.Int("parameters", len(graph.Parameters())),
	)
	return m, nil
}

func (m *Model) bindNames() error {
	g := m.graph
	if len(g.Inputs) == 0 || len(g.Outputs) == 0 {
		return fmt.Errorf("%w: graph needs at least one input and one output", ErrInvalidModel)
	}

	m.valuesInput = g.Inputs[0]
	if g.HasInput(inputValuesName) {
		m.valuesInput = inputValuesName
	}
	if g.HasInput(attentionMaskName) {
		m.maskInput = attentionMaskName
	}

	m.output = g.Outputs[0]
	if g.HasOutput(logitsName) {
		m.output = logitsName
	}
	return nil
}

func (m *Model) inputNames() []string {
	if m.maskInput == "" {
		return []string{m.valuesInput}
	}
	return []string{m.valuesInput, m.maskInput}
}

func (m *Model) newSession(data []byte) (*ort.DynamicAdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	if m.device.IsCUDA() {
		if err := appendCUDA(options, m.device.Index); err != nil {
			m.logger.Warn("cuda execution provider unavailable; running on cpu", zap.String("device", m.device.String()), zap.Error(err))
			m.device = platform.Device{Kind: platform.CPU}
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data, m.inputNames(), []string{m.output}, options)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return session, nil
}

func appendCUDA(options *ort.SessionOptions, index int) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()

	if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(index)}); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cuda)
}

func (m *Model) Forward(ctx context.Context, feats wav2vec2.Features) (wav2vec2.Logits, error) {
	if err := ctx.Err(); err != nil {
		return wav2vec2.Logits{}, err
	}
	if m.session == nil {
		return wav2vec2.Logits{}, errors.New("onnx model is closed")
	}

	shape := ort.NewShape(int64(feats.Batch), int64(feats.Length))
	values, err := ort.NewTensor(shape, feats.Values)
	if err != nil {
		return wav2vec2.Logits{}, fmt.Errorf("create %s tensor: %w", m.valuesInput, err)
	}
	defer values.Destroy()

	inputs := []ort.Value{values}
	if m.maskInput != "" {
		mask, err := ort.NewTensor(shape, feats.AttentionMask)
		if err != nil {
			return wav2vec2.Logits{}, fmt.Errorf("create %s tensor: %w", m.maskInput, err)
		}
		defer mask.Destroy()
		inputs = append(inputs, mask)
	}

	outputs := []ort.Value{nil}
	if err := m.session.Run(inputs, outputs); err != nil {
		return wav2vec2.Logits{}, fmt.Errorf("onnx forward pass: %w", err)
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return wav2vec2.Logits{}, fmt.Errorf("output %s is not a float32 tensor", m.output)
	}

	dims := logits.GetShape()
	if len(dims) != 3 {
		return wav2vec2.Logits{}, fmt.Errorf("output %s has shape %v, want [batch, frames, vocab]", m.output, dims)
	}

	return wav2vec2.Logits{
		Batch:  int(dims[0]),
		Frames: int(dims[1]),
		Vocab:  int(dims[2]),
		Data:   slices.Clone(logits.GetData()),
	}, nil
}

// LoadParameters strictly overrides the model's parameters. A new session
// is built from the rewritten graph and swapped in only when every step
// succeeds; on error the current weights stay active.
func (m *Model) LoadParameters(params checkpoint.Parameters) error {
	data, err := m.graph.WithParameters(params)
	if err != nil {
		return err
	}

	graph, err := ParseGraph(data)
	if err != nil {
		return fmt.Errorf("parse rewritten model: %w", err)
	}

	session, err := m.newSession(data)
	if err != nil {
		return err
	}

	previous := m.session
	m.session = session
	m.graph = graph
	if previous != nil {
		if err := previous.Destroy(); err != nil {
			m.logger.Warn("failed to release previous onnx session", zap.Error(err))
		}
	}
	return nil
}

func (m *Model) Device() platform.Device {
	return m.device
}

func (m *Model) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
