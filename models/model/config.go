package model

import (
	"math"
	"runtime"

	"github.com/nvr-ai/go-yolo/models/postprocess"
)

const (
	// IgnoreThreshold is the default minimum per-class score for a box to be
	// considered by suppression.
	IgnoreThreshold float32 = 0.5
	// IoUThreshold is the default overlap at or above which a lower scoring
	// box of the same class is suppressed.
	IoUThreshold float32 = 0.5
	// MaxBoundingBoxes is the default number of boxes kept per class.
	MaxBoundingBoxes = 32
	// DefaultStride is the ratio between the nominal input resolution and the
	// grid of the first output branch.
	DefaultStride = 32
)

// Extras keys understood by ConfigFromExtras.
const (
	ExtraBoundingBoxThreshold = "bounding_box_threshold"
	ExtraIoUThreshold         = "iou_threshold"
	ExtraMaxBoundingBoxes     = "max_bounding_boxes"
)

// Config holds the thresholds of the detection head.
type Config struct {
	// BoundingBoxThreshold is the minimum objectness * class probability for a
	// box to survive the keep-mask.
	BoundingBoxThreshold float32 `json:"bounding_box_threshold" yaml:"bounding_box_threshold"`
	// IoUThreshold suppresses same-class boxes whose overlap is at or above it.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// MaxBoundingBoxes caps the survivors of each class independently.
	MaxBoundingBoxes int `json:"max_bounding_boxes" yaml:"max_bounding_boxes"`
	// Stride converts the first branch's grid size into the nominal input resolution.
	Stride int `json:"stride" yaml:"stride"`
	// NumWorkers is the number of goroutines reducing classes in parallel.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
}

// DefaultConfig returns the configuration used when no extras are given.
func DefaultConfig() Config {
	return Config{
		BoundingBoxThreshold: IgnoreThreshold,
		IoUThreshold:         IoUThreshold,
		MaxBoundingBoxes:     MaxBoundingBoxes,
		Stride:               DefaultStride,
		NumWorkers:           runtime.GOMAXPROCS(0),
	}
}

// ConfigFromExtras overlays the recognized options of an extras map onto
// DefaultConfig. Unknown keys are ignored.
//
// Arguments:
//   - extras: Options keyed by ExtraBoundingBoxThreshold, ExtraIoUThreshold and
//     ExtraMaxBoundingBoxes. Numeric values of any Go number type are accepted.
//
// Returns:
//   - Config: The resolved configuration.
//   - error: ErrConfiguration if a value has the wrong type or is out of range.
func ConfigFromExtras(extras map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()

	if v, ok := extras[ExtraBoundingBoxThreshold]; ok {
		f, err := toFloat32(ExtraBoundingBoxThreshold, v)
		if err != nil {
			return Config{}, err
		}
		cfg.BoundingBoxThreshold = f
	}
	if v, ok := extras[ExtraIoUThreshold]; ok {
		f, err := toFloat32(ExtraIoUThreshold, v)
		if err != nil {
			return Config{}, err
		}
		cfg.IoUThreshold = f
	}
	if v, ok := extras[ExtraMaxBoundingBoxes]; ok {
		n, err := toInt(ExtraMaxBoundingBoxes, v)
		if err != nil {
			return Config{}, err
		}
		cfg.MaxBoundingBoxes = n
	}

	return cfg, cfg.Validate()
}

// Validate checks that thresholds lie in [0, 1] and counts are positive.
// NaN thresholds are rejected.
func (c Config) Validate() error {
	if !unit(c.BoundingBoxThreshold) {
		return ConfigErrorf("%s %v outside [0, 1]", ExtraBoundingBoxThreshold, c.BoundingBoxThreshold)
	}
	if !unit(c.IoUThreshold) {
		return ConfigErrorf("%s %v outside [0, 1]", ExtraIoUThreshold, c.IoUThreshold)
	}
	if c.MaxBoundingBoxes <= 0 {
		return ConfigErrorf("%s must be positive, got %d", ExtraMaxBoundingBoxes, c.MaxBoundingBoxes)
	}
	if c.Stride <= 0 {
		return ConfigErrorf("stride must be positive, got %d", c.Stride)
	}
	return nil
}

// NMS returns the suppression parameters for this configuration.
func (c Config) NMS() *postprocess.NMSConfig {
	return &postprocess.NMSConfig{
		ScoreThreshold: c.BoundingBoxThreshold,
		IoUThreshold:   c.IoUThreshold,
		MaxOutput:      c.MaxBoundingBoxes,
		NumWorkers:     c.NumWorkers,
	}
}

func unit(v float32) bool {
	return v >= 0 && v <= 1
}

func toFloat32(key string, v interface{}) (float32, error) {
	switch n := v.(type) {
	case float32:
		return n, nil
	case float64:
		return float32(n), nil
	case int:
		return float32(n), nil
	case int32:
		return float32(n), nil
	case int64:
		return float32(n), nil
	default:
		return 0, ConfigErrorf("%s must be a number, got %T", key, v)
	}
}

// toInt accepts integers and floats with no fractional part.
func toInt(key string, v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float32:
		return toInt(key, float64(n))
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
			return 0, ConfigErrorf("%s must be an integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, ConfigErrorf("%s must be an integer, got %T", key, v)
	}
}
