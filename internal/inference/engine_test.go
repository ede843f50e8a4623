package inference

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/fmueller/asrinfer/internal/audio"
	"github.com/fmueller/asrinfer/internal/checkpoint"
	"github.com/fmueller/asrinfer/internal/platform"
	"github.com/fmueller/asrinfer/internal/wav2vec2"
	"github.com/stretchr/testify/require"
)

const (
	padID = 0
	aID   = 5
	bID   = 6
)

// fakeModel emits one frame per input sample: "A" above 0.25, "B" below
// -0.25 and the blank otherwise.
type fakeModel struct {
	expected map[string]checkpoint.Spec
	params   checkpoint.Parameters
	closed   bool
	forwards int
}

func (m *fakeModel) Forward(_ context.Context, feats wav2vec2.Features) (wav2vec2.Logits, error) {
	m.forwards++
	const vocab = 7
	logits := wav2vec2.Logits{
		Batch:  feats.Batch,
		Frames: feats.Length,
		Vocab:  vocab,
		Data:   make([]float32, feats.Batch*feats.Length*vocab),
	}
	for i, v := range feats.Values {
		id := padID
		switch {
		case feats.AttentionMask[i] == 0:
		case v > 0.25:
			id = aID
		case v < -0.25:
			id = bID
		}
		logits.Data[i*vocab+id] = 1
	}
	return logits, nil
}

func (m *fakeModel) LoadParameters(params checkpoint.Parameters) error {
	if err := checkpoint.Match(m.expected, params); err != nil {
		return err
	}
	m.params = params
	return nil
}

func (m *fakeModel) Close() error {
	m.closed = true
	return nil
}

func newFakeModel() *fakeModel {
	return &fakeModel{expected: map[string]checkpoint.Spec{
		"lm_head.bias": {DType: checkpoint.F32, Shape: []int64{2}},
	}}
}

func fakeLoader(m *fakeModel, calls *int) ModelLoader {
	return func(_ context.Context, modelPath string, _ platform.Device) (AcousticModel, error) {
		if calls != nil {
			*calls++
		}
		if _, err := os.Stat(modelPath); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func writeAssets(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	files := map[string]string{
		"preprocessor_config.json": `{"feature_size":1,"sampling_rate":16000,"padding_value":0.0,"do_normalize":false,"return_attention_mask":true}`,
		"vocab.json":               `{"<pad>":0,"<s>":1,"</s>":2,"<unk>":3,"|":4,"A":5,"B":6}`,
		"model.onnx":               "onnx",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func pcm16WAV(samples []int16, sampleRate int) []byte {
	dataSize := 2 * len(samples)
	out := make([]byte, 44+dataSize)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], 1)
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(out[32:], 2)
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[44+2*i:], uint16(s))
	}
	return out
}

// "AB" once decoded by the fake model.
var abSamples = []int16{16384, 16384, 0, -16384}

func writeClip(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, pcm16WAV(abSamples, 16000), 0o644))
	return path
}

func writeSafetensors(t *testing.T, name string, shape []int64, values ...float32) string {
	t.Helper()

	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	header, err := json.Marshal(map[string]any{
		name: map[string]any{"dtype": "F32", "shape": shape, "data_offsets": []int{0, len(data)}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(header))))
	buf.Write(header)
	buf.Write(data)

	path := filepath.Join(t.TempDir(), "checkpoint.safetensors")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeModel) {
	t.Helper()

	m := newFakeModel()
	if opts.AssetDir == "" {
		opts.AssetDir = writeAssets(t)
	}
	opts.Loader = fakeLoader(m, nil)

	e, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, m
}

func TestTranscribeIsDeterministic(t *testing.T) {
	t.Parallel()

	e, m := newTestEngine(t, Options{})
	buf := audio.Buffer{Samples: []float32{0.5, 0.5, 0, -0.5, -0.5, 0.5}, SampleRate: 16000}

	first, err := e.Transcribe(context.Background(), buf)
	require.NoError(t, err)
	second, err := e.Transcribe(context.Background(), buf)
	require.NoError(t, err)

	require.Equal(t, "ABA", first)
	require.Equal(t, first, second)
	require.Equal(t, 2, m.forwards)
}

func TestTranscribeAllBlankIsEmpty(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, Options{})
	text, err := e.Transcribe(context.Background(), audio.Buffer{Samples: []float32{0, 0.1, -0.1}, SampleRate: 16000})
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestTranscribeEmptyBufferIsDecodeError(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, Options{})
	_, err := e.Transcribe(context.Background(), audio.Buffer{SampleRate: 16000})
	require.ErrorIs(t, err, audio.ErrDecode)
	require.ErrorIs(t, err, wav2vec2.ErrEmptyWaveform)
}

func TestNewMissingAssetsIsAssetLoadError(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := New(context.Background(), Options{
		AssetDir: filepath.Join(t.TempDir(), "missing"),
		Loader:   fakeLoader(newFakeModel(), &calls),
	})
	require.ErrorIs(t, err, wav2vec2.ErrAssetLoad)
	require.Zero(t, calls)
}

func TestNewMissingCheckpointAbortsBeforeLoading(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := New(context.Background(), Options{
		AssetDir:       writeAssets(t),
		CheckpointPath: "/no/such/file.tar",
		Loader:         fakeLoader(newFakeModel(), &calls),
	})
	require.ErrorIs(t, err, ErrCheckpointNotFound)
	require.Contains(t, err.Error(), "/no/such/file.tar")
	require.Zero(t, calls)
}

func TestNewCheckpointMismatchKeepsPreviousWeights(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	ckpt := writeSafetensors(t, "classifier.bias", []int64{2}, 1, 2)

	_, err := New(context.Background(), Options{
		AssetDir:       writeAssets(t),
		CheckpointPath: ckpt,
		Loader:         fakeLoader(m, nil),
	})
	require.ErrorIs(t, err, checkpoint.ErrParameterMismatch)

	var mismatch *checkpoint.MismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, []string{"lm_head.bias"}, mismatch.Missing)
	require.Equal(t, []string{"classifier.bias"}, mismatch.Unexpected)

	require.Nil(t, m.params)
	require.True(t, m.closed)
}

func TestNewCheckpointOverridesParameters(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	ckpt := writeSafetensors(t, "model.lm_head.bias", []int64{2}, 0.5, -0.5)

	e, err := New(context.Background(), Options{
		AssetDir:       writeAssets(t),
		CheckpointPath: ckpt,
		Loader:         fakeLoader(m, nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.Contains(t, m.params, "lm_head.bias")
	require.Equal(t, []int64{2}, m.params["lm_head.bias"].Shape)
}

func TestCloseReleasesModel(t *testing.T) {
	t.Parallel()

	e, m := newTestEngine(t, Options{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	require.True(t, m.closed)

	_, err := e.Transcribe(context.Background(), audio.Buffer{Samples: []float32{0.5}, SampleRate: 16000})
	require.Error(t, err)
}
