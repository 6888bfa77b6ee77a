// Package inference - Detection engines that run a feature source and a YOLO head.
package inference

import (
	"context"
	"sync"
	"time"

	"github.com/nvr-ai/go-yolo/inference/providers"
	"github.com/nvr-ai/go-yolo/models/layers"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// SessionConfig describes an exported backbone that produces raw YOLO feature maps.
type SessionConfig struct {
	// ModelPath is the path to the ONNX file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// InputName is the graph input. Empty means the first input of the model.
	InputName string `json:"input_name" yaml:"input_name"`
	// OutputNames are the per-branch feature outputs in branch order. Empty
	// means every output of the model, in declaration order.
	OutputNames []string `json:"output_names" yaml:"output_names"`
	// ChannelsFirst marks a model that consumes and produces NCHW tensors.
	ChannelsFirst bool `json:"channels_first" yaml:"channels_first"`
	// Provider selects the execution provider and threading.
	Provider providers.Config `json:"provider" yaml:"provider"`
}

// SessionMetrics are the cumulative timings of a session.
type SessionMetrics struct {
	Inferences  int64
	TotalTime   time.Duration
	AverageTime time.Duration
}

// ONNXSession runs an ONNX Runtime session as a FeatureSource.
type ONNXSession struct {
	session     *ort.DynamicAdvancedSession
	config      SessionConfig
	inputName   string
	outputNames []string

	// lifecycle guards session: Features holds it shared for the whole run,
	// Close exclusively.
	lifecycle sync.RWMutex

	mu             sync.RWMutex
	inferenceCount int64
	totalTime      time.Duration
}

// NewONNXSession loads the ONNX Runtime library and opens a session.
//
// Arguments:
//   - config: The session configuration.
//
// Returns:
//   - *ONNXSession: The session.
//   - error: An error if the runtime or the model cannot be loaded.
func NewONNXSession(config SessionConfig) (*ONNXSession, error) {
	if config.ModelPath == "" {
		return nil, model.ConfigErrorf("model path is required")
	}
	if err := providers.InitializeEnvironment(); err != nil {
		return nil, err
	}

	inputName, outputNames := config.InputName, config.OutputNames
	if inputName == "" || len(outputNames) == 0 {
		inputs, outputs, err := ort.GetInputOutputInfo(config.ModelPath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading model info from %s", config.ModelPath)
		}
		if inputName == "" {
			if len(inputs) == 0 {
				return nil, model.ConfigErrorf("model %s has no inputs", config.ModelPath)
			}
			inputName = inputs[0].Name
		}
		if len(outputNames) == 0 {
			for _, o := range outputs {
				outputNames = append(outputNames, o.Name)
			}
		}
	}

	options, err := providers.SessionOptions(config.Provider)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(config.ModelPath, []string{inputName}, outputNames, options)
	if err != nil {
		return nil, errors.Wrapf(err, "creating ONNX session for %s", config.ModelPath)
	}

	return &ONNXSession{
		session:     session,
		config:      config,
		inputName:   inputName,
		outputNames: outputNames,
	}, nil
}

// Features implements FeatureSource.
func (s *ONNXSession) Features(ctx context.Context, input *tensor.Dense) ([]*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	if s.session == nil {
		return nil, errors.New("session is closed")
	}

	if s.config.ChannelsFirst {
		nchw, err := layers.ToNCHW(input)
		if err != nil {
			return nil, err
		}
		input = nchw
	}
	data, err := layers.Float32s(input)
	if err != nil {
		return nil, err
	}

	shape := make(ort.Shape, 0, input.Dims())
	for _, d := range input.Shape() {
		shape = append(shape, int64(d))
	}
	in, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	defer in.Destroy()

	outputs := make([]ort.Value, len(s.outputNames))
	start := time.Now()
	err = s.session.Run([]ort.Value{in}, outputs)
	s.record(time.Since(start))
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()
	if err != nil {
		return nil, errors.Wrap(err, "running ONNX session")
	}

	features := make([]*tensor.Dense, len(outputs))
	for i, o := range outputs {
		t, ok := o.(*ort.Tensor[float32])
		if !ok {
			return nil, model.ShapeErrorf("output %s is %T, expected float32 tensor", s.outputNames[i], o)
		}
		features[i], err = s.toDense(t)
		if err != nil {
			return nil, errors.Wrapf(err, "output %s", s.outputNames[i])
		}
	}

	return features, nil
}

func (s *ONNXSession) toDense(t *ort.Tensor[float32]) (*tensor.Dense, error) {
	shape := t.GetShape()
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	data := append([]float32(nil), t.GetData()...)
	out := layers.NewDense(data, dims...)

	if s.config.ChannelsFirst && len(dims) == 4 {
		return layers.FromNCHW(out)
	}
	return out, nil
}

func (s *ONNXSession) record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inferenceCount++
	s.totalTime += d
}

// Metrics returns the cumulative timings of the session.
func (s *ONNXSession) Metrics() SessionMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := SessionMetrics{Inferences: s.inferenceCount, TotalTime: s.totalTime}
	if s.inferenceCount > 0 {
		m.AverageTime = s.totalTime / time.Duration(s.inferenceCount)
	}
	return m
}

// ResetMetrics clears all performance counters.
func (s *ONNXSession) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inferenceCount = 0
	s.totalTime = 0
}

// Close releases the session. It waits for in-flight Features calls and is
// safe to call more than once.
func (s *ONNXSession) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
