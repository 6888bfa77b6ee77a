package providers

import (
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// SharedLibraryEnv overrides the location of the ONNX Runtime shared library.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// GetSharedLibPath returns the path to the shared library for the current platform.
//
// Returns:
//   - string: The path to the shared library, or "" if the platform is unsupported.
func GetSharedLibPath() string {
	if path := os.Getenv(SharedLibraryEnv); path != "" {
		return path
	}
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib"
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	default:
		return ""
	}
}

var (
	initOnce sync.Once
	initErr  error
)

// InitializeEnvironment loads the ONNX Runtime shared library once per process.
func InitializeEnvironment() error {
	initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		path := GetSharedLibPath()
		if path == "" {
			initErr = errors.Errorf("no ONNX Runtime library for %s/%s", runtime.GOOS, runtime.GOARCH)
			return
		}
		if _, err := os.Stat(path); err != nil {
			initErr = errors.Wrapf(err, "ONNX Runtime library not found at %s (set %s)", path, SharedLibraryEnv)
			return
		}
		ort.SetSharedLibraryPath(path)
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = errors.Wrap(err, "initializing ONNX Runtime environment")
		}
	})
	return initErr
}
