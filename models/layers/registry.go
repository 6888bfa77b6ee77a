// Package layers - registry of tensor operations selected by a layer type.
//
// Every operation works on float32 tensors in NHWC layout (batch, height,
// width, channels) and never mutates its inputs, so a built operation can be
// shared by concurrent graph executions.
package layers

import (
	"sort"

	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Op is a built layer operation.
type Op interface {
	// Apply computes the layer output. Most layers take exactly one input;
	// concatenations take several.
	Apply(inputs ...*tensor.Dense) (*tensor.Dense, error)
}

// OpFunc adapts a function to the Op interface.
type OpFunc func(inputs ...*tensor.Dense) (*tensor.Dense, error)

// Apply calls f.
func (f OpFunc) Apply(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	return f(inputs...)
}

// Factory builds an Op from a layer definition. Factories validate their
// parameters up front so that configuration errors surface at build time.
type Factory func(spec model.LayerSpec) (Op, error)

// Layer types understood by DefaultRegistry.
const (
	TypeActivation         = "activation"
	TypeBatchNormalization = "batch_normalization"
	TypeConcatenate        = model.ConcatenateType
	TypeConvolution2D      = "convolution_2d"
	TypeMaxPooling2D       = "max_pooling_2d"
	TypeSplitChannels      = "split_channels"
	TypeUpsampling2D       = "upsampling_2d"
	TypeZeroPadding2D      = "zero_padding_2d"
)

// Registry maps layer types to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a new registry holding the built-in layers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeActivation, NewActivation)
	r.Register(TypeBatchNormalization, NewBatchNormalization)
	r.Register(TypeConcatenate, NewConcatenate)
	r.Register(TypeConvolution2D, NewConvolution2D)
	r.Register(TypeMaxPooling2D, NewMaxPooling2D)
	r.Register(TypeSplitChannels, NewSplitChannels)
	r.Register(TypeUpsampling2D, NewUpsampling2D)
	r.Register(TypeZeroPadding2D, NewZeroPadding2D)
	return r
}

// Register adds or replaces the factory for a layer type.
func (r *Registry) Register(layerType string, factory Factory) {
	r.factories[layerType] = factory
}

// Lookup returns the factory for a layer type.
func (r *Registry) Lookup(layerType string) (Factory, bool) {
	f, ok := r.factories[layerType]
	return f, ok
}

// Types returns the registered layer types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build builds the operation for one layer.
//
// Returns:
//   - Op: The built operation.
//   - error: ErrConfiguration if the type is unknown or its parameters are invalid.
func (r *Registry) Build(spec model.LayerSpec) (Op, error) {
	factory, ok := r.Lookup(spec.Type)
	if !ok {
		return nil, model.ConfigErrorf("unknown layer type %q", spec.Type)
	}
	return factory(spec)
}

// BuildSequence builds a list of layers in order.
func (r *Registry) BuildSequence(specs []model.LayerSpec) ([]Op, error) {
	ops := make([]Op, len(specs))
	for i, spec := range specs {
		op, err := r.Build(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		ops[i] = op
	}
	return ops, nil
}

// Propagate feeds input through ops in order.
func Propagate(ops []Op, input *tensor.Dense) (*tensor.Dense, error) {
	out := input
	for _, op := range ops {
		var err error
		if out, err = op.Apply(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
