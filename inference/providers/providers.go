// Package providers - ONNX Runtime execution providers and session options.
package providers

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ProviderBackend names an ONNX Runtime execution provider.
type ProviderBackend string

const (
	// CPUProviderBackend runs on the default CPU provider.
	CPUProviderBackend ProviderBackend = "cpu"
	// CoreMLProviderBackend uses Apple CoreML for macOS/iOS acceleration.
	CoreMLProviderBackend ProviderBackend = "coreml"
	// OpenVINOProviderBackend uses Intel OpenVINO for inference optimization.
	OpenVINOProviderBackend ProviderBackend = "openvino"
	// CUDAProviderBackend uses NVIDIA CUDA for GPU acceleration.
	CUDAProviderBackend ProviderBackend = "cuda"
)

// Backends lists every supported backend.
var Backends = []ProviderBackend{CPUProviderBackend, CoreMLProviderBackend, OpenVINOProviderBackend, CUDAProviderBackend}

// ProviderOptions is a marker interface for provider-specific config.
type ProviderOptions interface {
	Backend() ProviderBackend
}

// CPUOptions selects the default CPU provider.
type CPUOptions struct{}

// Backend implements ProviderOptions.
func (CPUOptions) Backend() ProviderBackend { return CPUProviderBackend }

// CoreMLOptions contains arguments for the CoreML provider.
// See: https://onnxruntime.ai/docs/execution-providers/CoreML-ExecutionProvider.html
type CoreMLOptions struct {
	// Flags is the COREML_FLAG_* bit set passed to the provider.
	Flags uint32 `json:"flags" yaml:"flags"`
}

// Backend implements ProviderOptions.
func (CoreMLOptions) Backend() ProviderBackend { return CoreMLProviderBackend }

// OpenVINOOptions contains arguments for the OpenVINO provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type OpenVINOOptions struct {
	DeviceID string `json:"deviceID"   yaml:"deviceID"`
	// Overrides the accelerator hardware type, e.g. CPU, GPU or NPU.
	DeviceType string `json:"deviceType" yaml:"deviceType"`
	// Precision is one of FP32, FP16 or ACCURACY.
	Precision    string `json:"precision"    yaml:"precision"`
	NumOfThreads int    `json:"numOfThreads" yaml:"numOfThreads"`
}

// Backend implements ProviderOptions.
func (OpenVINOOptions) Backend() ProviderBackend { return OpenVINOProviderBackend }

func (o OpenVINOOptions) native() map[string]string {
	config := map[string]string{}
	if o.DeviceID != "" {
		config["device_id"] = o.DeviceID
	}
	if o.DeviceType != "" {
		config["device_type"] = o.DeviceType
	}
	if o.Precision != "" {
		config["precision"] = o.Precision
	}
	if o.NumOfThreads > 0 {
		config["num_of_threads"] = fmt.Sprintf("%d", o.NumOfThreads)
	}
	return config
}

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	DeviceID int `json:"deviceID" yaml:"deviceID"`
	// The size limit of the device memory arena in bytes. Zero keeps the default.
	GPUMemLimit int64 `json:"gpuMemLimit" yaml:"gpuMemLimit"`
	// Whether to do copies in the default stream or use separate streams.
	DoCopyInDefaultStream bool `json:"doCopyInDefaultStream" yaml:"doCopyInDefaultStream"`
	// The cuDNN convolution algorithm search: EXHAUSTIVE, HEURISTIC or DEFAULT.
	CudnnConvAlgoSearch string `json:"cudnnConvAlgoSearch" yaml:"cudnnConvAlgoSearch"`
}

// Backend implements ProviderOptions.
func (CUDAOptions) Backend() ProviderBackend { return CUDAProviderBackend }

func (o CUDAOptions) native() map[string]string {
	config := map[string]string{
		"device_id":                 fmt.Sprintf("%d", o.DeviceID),
		"do_copy_in_default_stream": fmt.Sprintf("%d", boolInt(o.DoCopyInDefaultStream)),
	}
	if o.GPUMemLimit > 0 {
		config["gpu_mem_limit"] = fmt.Sprintf("%d", o.GPUMemLimit)
	}
	if o.CudnnConvAlgoSearch != "" {
		config["cudnn_conv_algo_search"] = o.CudnnConvAlgoSearch
	}
	return config
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Config holds the session-wide execution settings.
type Config struct {
	// Options selects and configures the execution provider. Nil means CPU.
	Options ProviderOptions `json:"-" yaml:"-"`
	// IntraOpNumThreads parallelizes work inside one node. Zero lets ONNX Runtime decide.
	IntraOpNumThreads int `json:"intra_op_num_threads" yaml:"intra_op_num_threads"`
	// InterOpNumThreads parallelizes independent nodes. Zero lets ONNX Runtime decide.
	InterOpNumThreads int `json:"inter_op_num_threads" yaml:"inter_op_num_threads"`
	// GraphOptimizationLevel controls graph rewrites at load time.
	GraphOptimizationLevel ort.GraphOptimizationLevel `json:"graph_optimization_level" yaml:"graph_optimization_level"`
}

// DefaultConfig returns a CPU configuration with extended graph optimizations.
func DefaultConfig() Config {
	return Config{
		Options:                CPUOptions{},
		IntraOpNumThreads:      max(1, runtime.NumCPU()/2),
		GraphOptimizationLevel: ort.GraphOptimizationLevelEnableExtended,
	}
}

// Backend returns the configured backend.
func (c Config) Backend() ProviderBackend {
	if c.Options == nil {
		return CPUProviderBackend
	}
	return c.Options.Backend()
}

// NewOptions parses a backend name into its default options.
func NewOptions(backend ProviderBackend) (ProviderOptions, error) {
	switch backend {
	case "", CPUProviderBackend:
		return CPUOptions{}, nil
	case CoreMLProviderBackend:
		return CoreMLOptions{}, nil
	case OpenVINOProviderBackend:
		return OpenVINOOptions{}, nil
	case CUDAProviderBackend:
		return CUDAOptions{DoCopyInDefaultStream: true}, nil
	default:
		return nil, errors.Errorf("unsupported provider backend %q", backend)
	}
}

// SessionOptions builds ONNX Runtime session options for a configuration.
// The caller owns the result and must Destroy it.
//
// Arguments:
//   - config: The execution settings.
//
// Returns:
//   - *ort.SessionOptions: The configured options.
//   - error: An error if ONNX Runtime rejects a setting or the provider is unavailable.
func SessionOptions(config Config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}

	if err := applyConfig(options, config); err != nil {
		options.Destroy()
		return nil, err
	}

	return options, nil
}

func applyConfig(options *ort.SessionOptions, config Config) error {
	if err := options.SetIntraOpNumThreads(config.IntraOpNumThreads); err != nil {
		return errors.Wrap(err, "setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(config.InterOpNumThreads); err != nil {
		return errors.Wrap(err, "setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(config.GraphOptimizationLevel); err != nil {
		return errors.Wrap(err, "setting graph optimization level")
	}

	switch opts := config.Options.(type) {
	case nil, CPUOptions:
	case CoreMLOptions:
		if err := options.AppendExecutionProviderCoreML(opts.Flags); err != nil {
			return errors.Wrap(err, "enabling CoreML")
		}
	case OpenVINOOptions:
		if err := options.AppendExecutionProviderOpenVINO(opts.native()); err != nil {
			return errors.Wrap(err, "enabling OpenVINO")
		}
	case CUDAOptions:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "creating CUDA options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(opts.native()); err != nil {
			return errors.Wrap(err, "converting CUDA options")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "enabling CUDA")
		}
	default:
		return errors.Errorf("unsupported provider options type: %T", opts)
	}

	return nil
}
