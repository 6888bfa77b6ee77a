package layers

import (
	"github.com/nvr-ai/go-yolo/models/model"
	"gorgonia.org/tensor"
)

// ConcatenateParams selects the joined axis. Negative axes count from the end.
type ConcatenateParams struct {
	Axis *int `yaml:"axis"`
}

// Concatenate joins its inputs along one axis, the channel axis by default.
type Concatenate struct {
	axis int
}

// NewConcatenate builds a concatenation layer.
func NewConcatenate(spec model.LayerSpec) (Op, error) {
	var p ConcatenateParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	axis := -1
	if p.Axis != nil {
		axis = *p.Axis
	}
	return &Concatenate{axis: axis}, nil
}

// Apply implements Op. Inputs must agree on every dimension but the joined one.
func (c *Concatenate) Apply(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	if len(inputs) == 0 {
		return nil, model.ShapeErrorf("concatenate needs at least one input")
	}
	for i, in := range inputs {
		if in == nil {
			return nil, model.ShapeErrorf("concatenate input %d is nil", i)
		}
	}

	first := inputs[0].Shape()
	axis := c.axis
	if axis < 0 {
		axis += len(first)
	}
	if axis < 0 || axis >= len(first) {
		return nil, model.ShapeErrorf("concatenate axis %d out of range for shape %v", c.axis, first)
	}
	for i, in := range inputs[1:] {
		shape := in.Shape()
		if len(shape) != len(first) {
			return nil, model.ShapeErrorf("concatenate input %d has shape %v, want rank %d", i+1, shape, len(first))
		}
		for d := range shape {
			if d != axis && shape[d] != first[d] {
				return nil, model.ShapeErrorf("concatenate input %d has shape %v, incompatible with %v on axis %d",
					i+1, shape, first, axis)
			}
		}
	}

	if len(inputs) == 1 {
		src, err := Float32s(inputs[0])
		if err != nil {
			return nil, err
		}
		return NewDense(append([]float32(nil), src...), first.Clone()...), nil
	}

	out, err := inputs[0].Concat(axis, inputs[1:]...)
	if err != nil {
		return nil, model.WrapShape(err, "concatenate on axis %d", axis)
	}
	return out, nil
}

// SplitChannelsParams selects one of Groups equal slices of the channel axis.
type SplitChannelsParams struct {
	Groups  int `yaml:"groups"`
	GroupID int `yaml:"group_id"`
}

// SplitChannels keeps one group of channels, as in the CSP blocks of tiny
// YOLOv4.
type SplitChannels struct {
	groups, id int
}

// NewSplitChannels builds a channel split layer.
func NewSplitChannels(spec model.LayerSpec) (Op, error) {
	var p SplitChannelsParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	if p.Groups < 1 || p.GroupID < 0 || p.GroupID >= p.Groups {
		return nil, model.ConfigErrorf("split channels needs 0 <= group_id < groups, got %d and %d", p.GroupID, p.Groups)
	}
	return &SplitChannels{groups: p.Groups, id: p.GroupID}, nil
}

// Apply implements Op.
func (s *SplitChannels) Apply(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	x, err := single(TypeSplitChannels, inputs)
	if err != nil {
		return nil, err
	}
	shape := x.Shape()
	if len(shape) == 0 {
		return nil, model.ShapeErrorf("split channels got a scalar")
	}
	channels := shape[len(shape)-1]
	if channels%s.groups != 0 {
		return nil, model.ShapeErrorf("%d channels do not split into %d groups", channels, s.groups)
	}
	src, err := Float32s(x)
	if err != nil {
		return nil, err
	}

	width := channels / s.groups
	offset := s.id * width
	cells := len(src) / channels
	dst := make([]float32, 0, cells*width)
	for i := 0; i < cells; i++ {
		dst = append(dst, src[i*channels+offset:i*channels+offset+width]...)
	}

	out := shape.Clone()
	out[len(out)-1] = width
	return NewDense(dst, out...), nil
}
