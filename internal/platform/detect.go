package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DeviceEnv forces the inference device; "cpu" disables accelerator use.
const DeviceEnv = "ASRINFER_DEVICE"

// RuntimeLibraryEnv overrides the ONNX Runtime shared library path.
const RuntimeLibraryEnv = "ASRINFER_ONNXRUNTIME_LIB"

type Runtime struct {
	OS   string
	Arch string
}

func CurrentRuntime() Runtime {
	return Runtime{
		OS:   runtime.GOOS,
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

type DeviceKind string

const (
	CPU  DeviceKind = "cpu"
	CUDA DeviceKind = "cuda"
)

// Device selects where the acoustic model runs. It is fixed for the
// lifetime of the process.
type Device struct {
	Kind  DeviceKind
	Index int
}

func (d Device) IsCUDA() bool {
	return d.Kind == CUDA
}

func (d Device) String() string {
	if d.Kind == CUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return string(CPU)
}

// ResolveDevice picks cuda:<index> when that accelerator is present and
// falls back to the CPU otherwise.
func ResolveDevice(index int) Device {
	return resolveDeviceFor(runtime.GOOS, index, os.Getenv(DeviceEnv), fileExists)
}

func resolveDeviceFor(goos string, index int, override string, exists func(string) bool) Device {
	if strings.EqualFold(strings.TrimSpace(override), string(CPU)) || index < 0 {
		return Device{Kind: CPU}
	}

	if goos != "linux" {
		return Device{Kind: CPU}
	}

	if exists(fmt.Sprintf("/dev/nvidia%d", index)) {
		return Device{Kind: CUDA, Index: index}
	}
	return Device{Kind: CPU}
}

// ResolveRuntimeLibrary returns the ONNX Runtime shared library to load.
// An explicit override wins, then the environment, then the first existing
// candidate next to the executable. An empty result lets the runtime use its
// platform default search path.
func ResolveRuntimeLibrary(override, executable string) (string, error) {
	if value := strings.TrimSpace(override); value != "" {
		return checkLibrary(value)
	}
	if value := strings.TrimSpace(os.Getenv(RuntimeLibraryEnv)); value != "" {
		lib, err := checkLibrary(value)
		if err != nil {
			return "", fmt.Errorf("%s: %w", RuntimeLibraryEnv, err)
		}
		return lib, nil
	}

	for _, candidate := range RuntimeLibraryCandidates(executable, CurrentRuntime()) {
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", nil
}

func RuntimeLibraryCandidates(executable string, rt Runtime) []string {
	if executable == "" {
		return nil
	}

	binDir := filepath.Dir(executable)
	lib := runtimeLibraryName(rt.OS)
	hostTarget := fmt.Sprintf("%s_%s", rt.OS, rt.Arch)

	return []string{
		filepath.Join(binDir, "..", "lib", lib),
		filepath.Join(binDir, "lib", lib),
		filepath.Join(binDir, "packaging", "onnxruntime", hostTarget, lib),
		filepath.Join(binDir, lib),
	}
}

func runtimeLibraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

func checkLibrary(path string) (string, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("onnx runtime library: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("onnx runtime library %s is a directory", path)
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
