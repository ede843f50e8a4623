package inference

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/asrinfer/internal/audio"
	"github.com/fmueller/asrinfer/internal/metrics"
	"github.com/fmueller/asrinfer/internal/progress"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrUnsupportedInput = errors.New("unsupported input")

type InputKind int

const (
	SingleFile InputKind = iota + 1
	BatchList
)

func (k InputKind) String() string {
	switch k {
	case SingleFile:
		return "single"
	case BatchList:
		return "batch"
	default:
		return "unknown"
	}
}

// Input is a classified -f argument.
type Input struct {
	Kind InputKind
	Path string
}

func ClassifyInput(path string) (Input, error) {
	switch {
	case strings.EqualFold(filepath.Ext(path), ".txt"):
		return Input{Kind: BatchList, Path: path}, nil
	case audio.IsSupported(path):
		return Input{Kind: SingleFile, Path: path}, nil
	default:
		return Input{}, fmt.Errorf("%w: %s (want .txt or one of %s)", ErrUnsupportedInput, path, strings.Join(audio.SupportedFormats, " "))
	}
}

// TranscriptPath is where a list file's transcripts are written.
func TranscriptPath(listPath string) string {
	return filepath.Join(filepath.Dir(listPath), "transcript_"+filepath.Base(listPath))
}

func (e *Engine) Run(ctx context.Context, in Input) error {
	logger := e.logger.With(zap.String("run_id", uuid.NewString()), zap.Stringer("mode", in.Kind))

	switch in.Kind {
	case BatchList:
		return e.runBatch(ctx, in.Path, logger)
	case SingleFile:
		return e.runSingle(ctx, in.Path, logger)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedInput, in.Path)
	}
}

func readClipList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open list file: %w", err)
	}
	defer f.Close()

	var clips []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		sub, _, _ := strings.Cut(line, "\t")
		clips = append(clips, strings.TrimSpace(sub))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read list file %s: %w", path, err)
	}
	return clips, nil
}

func (e *Engine) clipPath(sub string) string {
	if filepath.IsAbs(sub) {
		return sub
	}
	return filepath.Join(e.opts.ClipsDir, sub)
}

func (e *Engine) runBatch(ctx context.Context, listPath string, logger *zap.Logger) (err error) {
	clips, err := readClipList(listPath)
	if err != nil {
		return err
	}

	dest := TranscriptPath(listPath)
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale transcript: %w", err)
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create transcript file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(part)
		}
	}()

	reporter := e.newProgress(len(clips))
	defer reporter.Finish()

	logger.Info("transcribing list", zap.String("list", listPath), zap.Int("clips", len(clips)))
	w := bufio.NewWriter(out)
	for i, sub := range clips {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := e.clipPath(sub)
		buf, err := audio.LoadNative(path)
		if err != nil {
			return err
		}

		text, err := e.Transcribe(ctx, buf)
		if err != nil {
			return fmt.Errorf("transcribe %s: %w", path, err)
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", sub, text); err != nil {
			return fmt.Errorf("write transcript: %w", err)
		}

		logger.Debug("clip transcribed", zap.String("clip", sub), zap.Duration("audio", buf.Duration()))
		reporter.Update(i+1, "", map[string]float64{"audio_s": buf.Duration().Seconds()})
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close transcript file: %w", err)
	}
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("finalize transcript file: %w", err)
	}

	logger.Info("transcripts written", zap.String("path", dest), zap.Int("lines", len(clips)))
	return nil
}

func (e *Engine) newProgress(total int) *progress.Reporter {
	if e.opts.NewProgress == nil {
		return progress.New(total, 0, progress.Options{})
	}
	return e.opts.NewProgress(total)
}

// runSingle decodes path through both decode paths, transcribes each and
// scores the second transcript against the configured reference.
func (e *Engine) runSingle(ctx context.Context, path string, logger *zap.Logger) error {
	general, err := audio.Load(path, e.processor.SamplingRate())
	if err != nil {
		return err
	}
	native, err := audio.LoadNative(path)
	if err != nil {
		return err
	}

	first, err := e.Transcribe(ctx, general)
	if err != nil {
		return err
	}
	second, err := e.Transcribe(ctx, native)
	if err != nil {
		return err
	}

	wer, err := metrics.WER(e.opts.Reference, second)
	if err != nil {
		return err
	}
	logger.Debug("single file transcribed",
		zap.String("audio", path),
		zap.Int("native_rate", native.SampleRate),
		zap.Float64("wer", wer),
	)

	w := e.opts.Stdout
	fmt.Fprintf(w, "wer: %s\n", metrics.FormatRate(wer))
	fmt.Fprintf(w, "transcript 1: %s\n", first)
	fmt.Fprintf(w, "transcript 2: %s\n", second)
	return nil
}
