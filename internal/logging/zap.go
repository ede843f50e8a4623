package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Verbose bool
	JSON    bool
	// Output defaults to stderr so stdout carries only transcripts.
	Output zapcore.WriteSyncer
}

func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	output := opts.Output
	if output == nil {
		output = zapcore.Lock(os.Stderr)
	}

	var encoder zapcore.Encoder
	if opts.JSON {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.TimeKey = ""
		cfg.CallerKey = ""
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, output, zap.NewAtomicLevelAt(level))

	logOpts := []zap.Option{zap.ErrorOutput(output)}
	if opts.Verbose {
		logOpts = append(logOpts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(core, logOpts...), nil
}
