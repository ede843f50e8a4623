// Package inference ties the text processor and the acoustic model together
// and runs transcription over single files or list files.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fmueller/asrinfer/internal/audio"
	"github.com/fmueller/asrinfer/internal/checkpoint"
	"github.com/fmueller/asrinfer/internal/platform"
	"github.com/fmueller/asrinfer/internal/progress"
	"github.com/fmueller/asrinfer/internal/wav2vec2"
	"go.uber.org/zap"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

const (
	DefaultClipsDir  = "data/clips"
	DefaultReference = "elsasharif mengaku"
)

// AcousticModel maps batch-shaped features to per-frame class scores.
type AcousticModel interface {
	Forward(ctx context.Context, feats wav2vec2.Features) (wav2vec2.Logits, error)
	// LoadParameters replaces every parameter or none of them.
	LoadParameters(params checkpoint.Parameters) error
	Close() error
}

type ModelLoader func(ctx context.Context, modelPath string, device platform.Device) (AcousticModel, error)

type Options struct {
	AssetDir       string
	CheckpointPath string
	Device         platform.Device
	Loader         ModelLoader
	Logger         *zap.Logger

	Stdout    io.Writer
	ClipsDir  string
	Reference string

	// NewProgress builds the reporter for a batch of total clips. Nil
	// disables progress output.
	NewProgress func(total int) *progress.Reporter
}

type Engine struct {
	opts      Options
	logger    *zap.Logger
	assets    *wav2vec2.Assets
	processor *wav2vec2.Processor
	model     AcousticModel
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Loader == nil {
		opts.Loader = ONNXLoader("", opts.Logger)
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.ClipsDir == "" {
		opts.ClipsDir = DefaultClipsDir
	}
	if opts.Reference == "" {
		opts.Reference = DefaultReference
	}

	// The checkpoint is checked first so a bad -m aborts before any heavy loading.
	if opts.CheckpointPath != "" {
		if err := checkCheckpoint(opts.CheckpointPath); err != nil {
			return nil, err
		}
	}

	assets, err := wav2vec2.LoadAssets(opts.AssetDir)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	model, err := opts.Loader(ctx, assets.ModelPath, opts.Device)
	if err != nil {
		return nil, fmt.Errorf("load acoustic model: %w", err)
	}
	opts.Logger.Debug("acoustic model ready",
		zap.String("model", assets.ModelPath),
		zap.String("device", opts.Device.String()),
		zap.Duration("elapsed", time.Since(started)),
	)

	e := &Engine{
		opts:      opts,
		logger:    opts.Logger,
		assets:    assets,
		processor: wav2vec2.NewProcessor(assets),
		model:     model,
	}

	if opts.CheckpointPath != "" {
		if err := e.loadCheckpoint(opts.CheckpointPath); err != nil {
			_ = model.Close()
			return nil, err
		}
	}

	return e, nil
}

func checkCheckpoint(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return fmt.Errorf("stat checkpoint: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrCheckpointNotFound, path)
	}
	return nil
}

func (e *Engine) loadCheckpoint(path string) error {
	params, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := e.model.LoadParameters(params); err != nil {
		return fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	e.logger.Info("model preloaded successfully", zap.String("checkpoint", path), zap.Int("parameters", len(params)))
	return nil
}

func (e *Engine) Processor() *wav2vec2.Processor {
	return e.processor
}

// Transcribe runs greedy CTC decoding over one buffer. Buffers at another
// rate are resampled to the processor's rate first.
func (e *Engine) Transcribe(ctx context.Context, buf audio.Buffer) (string, error) {
	if e.model == nil {
		return "", errors.New("engine is closed")
	}

	if rate := e.processor.SamplingRate(); buf.SampleRate != rate {
		resampled, err := audio.Resample(buf, rate)
		if err != nil {
			return "", err
		}
		buf = resampled
	}

	feats, err := e.processor.Encode([][]float32{buf.Samples})
	if err != nil {
		return "", fmt.Errorf("%w: %w", audio.ErrDecode, err)
	}

	logits, err := e.model.Forward(ctx, feats)
	if err != nil {
		return "", err
	}
	if logits.Batch != 1 {
		return "", fmt.Errorf("acoustic model returned batch of %d, want 1", logits.Batch)
	}

	return e.processor.BatchDecode(logits.Argmax())[0], nil
}

func (e *Engine) Close() error {
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}
