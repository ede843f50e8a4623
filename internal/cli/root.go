package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fmueller/asrinfer/internal/inference"
	"github.com/fmueller/asrinfer/internal/logging"
	"github.com/fmueller/asrinfer/internal/onnx"
	"github.com/fmueller/asrinfer/internal/platform"
	"github.com/fmueller/asrinfer/internal/progress"
	"github.com/fmueller/asrinfer/internal/version"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

const (
	defaultAssetDir  = "huggingface-hub"
	progressBarWidth = 40
)

// engine is the part of inference.Engine the command drives.
type engine interface {
	Run(ctx context.Context, in inference.Input) error
	Close() error
}

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	envFile    string

	testFilepath   string
	assetDir       string
	checkpointPath string
	deviceID       int
	clipsDir       string
	reference      string
	runtimeLib     string

	logger *zap.Logger
	out    io.Writer

	newEngineFn func(ctx context.Context, opts inference.Options, runtimeLib string) (engine, error)
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&appState{})
}

func newRootCmd(app *appState) *cobra.Command {
	if app.assetDir == "" {
		app.assetDir = defaultAssetDir
	}
	if app.clipsDir == "" {
		app.clipsDir = inference.DefaultClipsDir
	}
	if app.reference == "" {
		app.reference = inference.DefaultReference
	}
	if app.envFile == "" {
		app.envFile = ".env"
	}
	if app.newEngineFn == nil {
		app.newEngineFn = newONNXEngine
	}

	cmd := &cobra.Command{
		Use:           "asrinfer",
		Short:         "Transcribe speech with a pretrained CTC acoustic model",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := loadEnvFile(app.envFile); err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			app.out = cmd.OutOrStdout()
			return app.runTranscription(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindGlobalFlags(cmd, app)
	bindAssetFlag(cmd.Flags(), app)

	cmd.Flags().StringVarP(&app.testFilepath, "test_filepath", "f", app.testFilepath, "Audio file to transcribe, or a .txt list of clip paths")
	cmd.Flags().StringVarP(&app.checkpointPath, "model_path", "m", app.checkpointPath, "Fine-tuned safetensors checkpoint overriding the pretrained weights; keys must match the ONNX export's initializer names")
	cmd.Flags().IntVarP(&app.deviceID, "device_id", "d", app.deviceID, "Accelerator index; falls back to CPU when unavailable")
	cmd.Flags().StringVar(&app.clipsDir, "clips-dir", app.clipsDir, "Base directory for clip paths listed in a .txt input")
	cmd.Flags().StringVar(&app.reference, "reference", app.reference, "Reference text for the word error rate of a single file")
	cmd.Flags().StringVar(&app.runtimeLib, "onnxruntime-lib", app.runtimeLib, "ONNX Runtime shared library (default $"+platform.RuntimeLibraryEnv+" or auto-detected)")
	_ = cmd.MarkFlagRequired("test_filepath")

	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindGlobalFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	flags.StringVar(&app.envFile, "env-file", app.envFile, "Environment file loaded when present")
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (a *appState) runTranscription(ctx context.Context) error {
	in, err := inference.ClassifyInput(a.testFilepath)
	if err != nil {
		return err
	}

	device := platform.ResolveDevice(a.deviceID)
	a.log().Info("loading model", zap.String("assets", a.assetDir), zap.String("device", device.String()), zap.Stringer("input", in.Kind))

	opts := inference.Options{
		AssetDir:       a.assetDir,
		CheckpointPath: a.checkpointPath,
		Device:         device,
		Logger:         a.log(),
		Stdout:         a.outWriter(),
		ClipsDir:       a.clipsDir,
		Reference:      a.reference,
		NewProgress: func(total int) *progress.Reporter {
			return progress.New(total, progressBarWidth, progress.Options{Enabled: a.progressEnabled()})
		},
	}

	stopSpinner := progress.StartSpinner(a.progressEnabled(), "Loading model")
	started := time.Now()
	eng, err := a.newEngineFn(ctx, opts, a.runtimeLib)
	stopSpinner()
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			a.log().Warn("failed to release model", zap.Error(err))
		}
	}()
	a.log().Debug("model loaded", zap.Duration("elapsed", time.Since(started)))

	return eng.Run(ctx, in)
}

type onnxEngine struct {
	*inference.Engine
}

func (e onnxEngine) Close() error {
	return errors.Join(e.Engine.Close(), onnx.Shutdown())
}

func newONNXEngine(ctx context.Context, opts inference.Options, runtimeLib string) (engine, error) {
	exe, _ := os.Executable()
	lib, err := platform.ResolveRuntimeLibrary(runtimeLib, exe)
	if err != nil {
		return nil, err
	}
	if lib != "" {
		opts.Logger.Debug("using onnx runtime library", zap.String("path", lib))
	}

	opts.Loader = inference.ONNXLoader(lib, opts.Logger)
	eng, err := inference.New(ctx, opts)
	if err != nil {
		return nil, errors.Join(err, onnx.Shutdown())
	}
	return onnxEngine{Engine: eng}, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}
