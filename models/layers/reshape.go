package layers

import (
	"github.com/nvr-ai/go-yolo/models/model"
	"gorgonia.org/tensor"
)

// Upsampling2DParams are the parameters of a nearest-neighbour upsampling
// layer.
type Upsampling2DParams struct {
	Size []int `yaml:"size"`
}

// Upsampling2D repeats every cell size[0] times vertically and size[1] times
// horizontally.
type Upsampling2D struct {
	size [2]int
}

// NewUpsampling2D builds an upsampling layer. The default factor is 2.
func NewUpsampling2D(spec model.LayerSpec) (Op, error) {
	var p Upsampling2DParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	size, err := pair(p.Size, 2)
	if err != nil {
		return nil, err
	}
	if size[0] < 1 || size[1] < 1 {
		return nil, model.ConfigErrorf("upsampling size must be positive, got %v", p.Size)
	}
	return &Upsampling2D{size: size}, nil
}

// Apply implements Op.
func (u *Upsampling2D) Apply(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	x, err := single(TypeUpsampling2D, inputs)
	if err != nil {
		return nil, err
	}
	n, h, w, c, err := NHWC(x)
	if err != nil {
		return nil, err
	}
	src, err := Float32s(x)
	if err != nil {
		return nil, err
	}

	oh, ow := h*u.size[0], w*u.size[1]
	dst := make([]float32, n*oh*ow*c)
	for b := 0; b < n; b++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				from := ((b*h+y/u.size[0])*w + xx/u.size[1]) * c
				to := ((b*oh+y)*ow + xx) * c
				copy(dst[to:to+c], src[from:from+c])
			}
		}
	}
	return NewDense(dst, n, oh, ow, c), nil
}

// ZeroPadding2DParams holds [[top, bottom], [left, right]].
type ZeroPadding2DParams struct {
	Padding [][]int `yaml:"padding"`
}

// ZeroPadding2D pads the spatial dimensions with zeros.
type ZeroPadding2D struct {
	top, bottom, left, right int
}

// NewZeroPadding2D builds a zero-padding layer. A single value pads every
// side; [[top, bottom], [left, right]] pads each side separately.
func NewZeroPadding2D(spec model.LayerSpec) (Op, error) {
	var p ZeroPadding2DParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}

	var z ZeroPadding2D
	switch len(p.Padding) {
	case 1:
		if len(p.Padding[0]) != 1 {
			return nil, model.ConfigErrorf("zero padding expects [[n]] or [[top, bottom], [left, right]], got %v", p.Padding)
		}
		v := p.Padding[0][0]
		z = ZeroPadding2D{top: v, bottom: v, left: v, right: v}
	case 2:
		vertical, err := pair(p.Padding[0], 0)
		if err != nil {
			return nil, err
		}
		horizontal, err := pair(p.Padding[1], 0)
		if err != nil {
			return nil, err
		}
		z = ZeroPadding2D{top: vertical[0], bottom: vertical[1], left: horizontal[0], right: horizontal[1]}
	default:
		return nil, model.ConfigErrorf("zero padding expects [[n]] or [[top, bottom], [left, right]], got %v", p.Padding)
	}
	if z.top < 0 || z.bottom < 0 || z.left < 0 || z.right < 0 {
		return nil, model.ConfigErrorf("zero padding must not be negative, got %v", p.Padding)
	}
	return &z, nil
}

// Apply implements Op.
func (z *ZeroPadding2D) Apply(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	x, err := single(TypeZeroPadding2D, inputs)
	if err != nil {
		return nil, err
	}
	n, h, w, c, err := NHWC(x)
	if err != nil {
		return nil, err
	}
	src, err := Float32s(x)
	if err != nil {
		return nil, err
	}
	dst := padNHWC(src, n, h, w, c, z.top, z.bottom, z.left, z.right)
	if len(dst) == len(src) {
		dst = append([]float32(nil), src...)
	}
	return NewDense(dst, n, h+z.top+z.bottom, w+z.left+z.right, c), nil
}
