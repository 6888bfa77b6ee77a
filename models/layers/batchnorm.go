package layers

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/models/model"
	"gorgonia.org/tensor"
)

// BatchNormalizationParams are the frozen statistics of a batch-norm layer.
type BatchNormalizationParams struct {
	Gamma    []float32 `yaml:"gamma"`
	Beta     []float32 `yaml:"beta"`
	Mean     []float32 `yaml:"mean"`
	Variance []float32 `yaml:"variance"`
	Epsilon  float32   `yaml:"epsilon"`
}

// BatchNormalization normalizes the last axis with frozen statistics, folded
// into one scale and one shift per channel.
type BatchNormalization struct {
	scale []float32
	shift []float32
}

// NewBatchNormalization builds a batch-norm layer. Gamma and beta default to
// one and zero; mean and variance are required.
func NewBatchNormalization(spec model.LayerSpec) (Op, error) {
	p := BatchNormalizationParams{Epsilon: 1e-3}
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}

	channels := len(p.Mean)
	if channels == 0 || len(p.Variance) != channels {
		return nil, model.ConfigErrorf("batch normalization needs matching mean and variance, got %d and %d",
			len(p.Mean), len(p.Variance))
	}
	if (p.Gamma != nil && len(p.Gamma) != channels) || (p.Beta != nil && len(p.Beta) != channels) {
		return nil, model.ConfigErrorf("batch normalization gamma/beta do not match %d channels", channels)
	}

	bn := &BatchNormalization{
		scale: make([]float32, channels),
		shift: make([]float32, channels),
	}
	for c := 0; c < channels; c++ {
		gamma, beta := float32(1), float32(0)
		if p.Gamma != nil {
			gamma = p.Gamma[c]
		}
		if p.Beta != nil {
			beta = p.Beta[c]
		}
		bn.scale[c] = gamma / math32.Sqrt(p.Variance[c]+p.Epsilon)
		bn.shift[c] = beta - p.Mean[c]*bn.scale[c]
	}

	return bn, nil
}

// Apply implements Op.
func (b *BatchNormalization) Apply(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	x, err := single(TypeBatchNormalization, inputs)
	if err != nil {
		return nil, err
	}
	shape := x.Shape()
	channels := len(b.scale)
	if len(shape) == 0 || shape[len(shape)-1] != channels {
		return nil, model.ShapeErrorf("batch normalization over %d channels got shape %v", channels, shape)
	}
	src, err := Float32s(x)
	if err != nil {
		return nil, err
	}

	dst := make([]float32, len(src))
	for i, v := range src {
		c := i % channels
		dst[i] = v*b.scale[c] + b.shift[c]
	}

	return NewDense(dst, shape.Clone()...), nil
}
