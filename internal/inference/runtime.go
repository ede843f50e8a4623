package inference

import (
	"context"

	"github.com/fmueller/asrinfer/internal/onnx"
	"github.com/fmueller/asrinfer/internal/platform"
	"go.uber.org/zap"
)

// ONNXLoader loads acoustic models into ONNX Runtime sessions. An empty
// libraryPath uses the runtime's default library search.
func ONNXLoader(libraryPath string, logger *zap.Logger) ModelLoader {
	return func(ctx context.Context, modelPath string, device platform.Device) (AcousticModel, error) {
		return onnx.Load(ctx, modelPath, onnx.Options{
			LibraryPath: libraryPath,
			Device:      device,
			Logger:      logger,
		})
	}
}
