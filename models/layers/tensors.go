package layers

import (
	"github.com/nvr-ai/go-yolo/models/model"
	"gorgonia.org/tensor"
)

// NewDense wraps a float32 buffer in a tensor of the given shape.
func NewDense(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Float32s returns the contiguous float32 backing of t.
func Float32s(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, model.ShapeErrorf("nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return nil, model.ShapeErrorf("expected float32 tensor, got %v", t.Dtype())
	}
	if t.IsMaterializable() {
		t = t.Materialize().(*tensor.Dense)
	}
	return t.Data().([]float32), nil
}

// NHWC returns the dimensions of a rank-4 tensor.
func NHWC(t *tensor.Dense) (n, h, w, c int, err error) {
	if t == nil {
		return 0, 0, 0, 0, model.ShapeErrorf("nil tensor")
	}
	shape := t.Shape()
	if len(shape) != 4 {
		return 0, 0, 0, 0, model.ShapeErrorf("expected rank-4 NHWC tensor, got shape %v", shape)
	}
	return shape[0], shape[1], shape[2], shape[3], nil
}

// FromNCHW converts a channels-first rank-4 tensor into NHWC layout.
func FromNCHW(t *tensor.Dense) (*tensor.Dense, error) {
	n, c, h, w, err := NHWC(t)
	if err != nil {
		return nil, err
	}
	src, err := Float32s(t)
	if err != nil {
		return nil, err
	}
	return NewDense(transposeNCHWToNHWC(src, n, c, h, w), n, h, w, c), nil
}

func transposeNCHWToNHWC(src []float32, n, c, h, w int) []float32 {
	dst := make([]float32, len(src))
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					dst[((b*h+y)*w+x)*c+ch] = src[((b*c+ch)*h+y)*w+x]
				}
			}
		}
	}
	return dst
}

func transposeNHWCToNCHW(src []float32, n, h, w, c int) []float32 {
	dst := make([]float32, len(src))
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					dst[((b*c+ch)*h+y)*w+x] = src[((b*h+y)*w+x)*c+ch]
				}
			}
		}
	}
	return dst
}

func single(layer string, inputs []*tensor.Dense) (*tensor.Dense, error) {
	if len(inputs) != 1 {
		return nil, model.ShapeErrorf("%s takes one input, got %d", layer, len(inputs))
	}
	return inputs[0], nil
}

// samePadding returns the leading and trailing padding that keeps
// ceil(in/stride) outputs for a window of size k.
func samePadding(in, k, stride int) (before, after int) {
	out := (in + stride - 1) / stride
	total := max((out-1)*stride+k-in, 0)
	before = total / 2
	return before, total - before
}

func outputSize(in, k, stride, before, after int) int {
	return (in+before+after-k)/stride + 1
}

func pair(v []int, fallback int) ([2]int, error) {
	switch len(v) {
	case 0:
		return [2]int{fallback, fallback}, nil
	case 1:
		return [2]int{v[0], v[0]}, nil
	case 2:
		return [2]int{v[0], v[1]}, nil
	default:
		return [2]int{}, model.ConfigErrorf("expected at most two values, got %v", v)
	}
}

// ToNCHW converts an NHWC rank-4 tensor into channels-first layout.
func ToNCHW(t *tensor.Dense) (*tensor.Dense, error) {
	n, h, w, c, err := NHWC(t)
	if err != nil {
		return nil, err
	}
	src, err := Float32s(t)
	if err != nil {
		return nil, err
	}
	return NewDense(transposeNHWCToNCHW(src, n, h, w, c), n, c, h, w), nil
}
