package layers

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/models/model"
	"gorgonia.org/tensor"
)

// ActivationFunc is an elementwise nonlinearity.
type ActivationFunc func(float32) float32

// DefaultLeakyAlpha is the negative slope used by darknet-style networks.
const DefaultLeakyAlpha float32 = 0.1

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

func softplus(x float32) float32 {
	if x > 20 {
		return x
	}
	return math32.Log1p(math32.Exp(x))
}

// LookupActivation returns the activation function for a name. An empty name
// and "linear" mean identity.
func LookupActivation(name string, alpha float32) (ActivationFunc, error) {
	switch name {
	case "", "linear", "identity":
		return nil, nil
	case "relu":
		return func(x float32) float32 { return math32.Max(x, 0) }, nil
	case "relu6":
		return func(x float32) float32 { return math32.Min(math32.Max(x, 0), 6) }, nil
	case "leaky_relu", "leaky":
		if alpha == 0 {
			alpha = DefaultLeakyAlpha
		}
		return func(x float32) float32 {
			if x < 0 {
				return alpha * x
			}
			return x
		}, nil
	case "sigmoid":
		return Sigmoid, nil
	case "tanh":
		return math32.Tanh, nil
	case "swish":
		return func(x float32) float32 { return x * Sigmoid(x) }, nil
	case "mish":
		return func(x float32) float32 { return x * math32.Tanh(softplus(x)) }, nil
	case "softplus":
		return softplus, nil
	default:
		return nil, model.ConfigErrorf("unknown activation function %q", name)
	}
}

// ActivationParams are the parameters of an activation layer.
type ActivationParams struct {
	Function string  `yaml:"activation_function"`
	Alpha    float32 `yaml:"alpha"`
}

// Activation applies a nonlinearity elementwise.
type Activation struct {
	fn ActivationFunc
}

// NewActivation builds an activation layer.
func NewActivation(spec model.LayerSpec) (Op, error) {
	var p ActivationParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	fn, err := LookupActivation(p.Function, p.Alpha)
	if err != nil {
		return nil, err
	}
	return &Activation{fn: fn}, nil
}

// Apply implements Op.
func (a *Activation) Apply(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	x, err := single(TypeActivation, inputs)
	if err != nil {
		return nil, err
	}
	src, err := Float32s(x)
	if err != nil {
		return nil, err
	}

	dst := make([]float32, len(src))
	copy(dst, src)
	applyActivation(a.fn, dst)

	return NewDense(dst, x.Shape().Clone()...), nil
}

func applyActivation(fn ActivationFunc, data []float32) {
	if fn == nil {
		return
	}
	for i, v := range data {
		data[i] = fn(v)
	}
}
