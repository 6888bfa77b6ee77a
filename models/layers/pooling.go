package layers

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/models/model"
	"gorgonia.org/tensor"
)

// MaxPooling2DParams are the parameters of a max-pooling layer. Strides
// default to the pool size.
type MaxPooling2DParams struct {
	PoolSize []int  `yaml:"pool_size"`
	Strides  []int  `yaml:"strides"`
	Padding  string `yaml:"padding"`
}

// MaxPooling2D takes the maximum over spatial windows. Padded cells never win.
type MaxPooling2D struct {
	pool    [2]int
	strides [2]int
	same    bool
}

// NewMaxPooling2D builds a max-pooling layer.
func NewMaxPooling2D(spec model.LayerSpec) (Op, error) {
	var p MaxPooling2DParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	pool, err := pair(p.PoolSize, 2)
	if err != nil {
		return nil, err
	}
	strides, err := pair(p.Strides, 0)
	if err != nil {
		return nil, err
	}
	if len(p.Strides) == 0 {
		strides = pool
	}
	if pool[0] < 1 || pool[1] < 1 || strides[0] < 1 || strides[1] < 1 {
		return nil, model.ConfigErrorf("max pooling needs positive pool size and strides, got %v and %v", pool, strides)
	}
	same, err := paddingMode(p.Padding)
	if err != nil {
		return nil, err
	}
	return &MaxPooling2D{pool: pool, strides: strides, same: same}, nil
}

// Apply implements Op.
func (m *MaxPooling2D) Apply(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	x, err := single(TypeMaxPooling2D, inputs)
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

	var top, bottom, left, right int
	if m.same {
		top, bottom = samePadding(h, m.pool[0], m.strides[0])
		left, right = samePadding(w, m.pool[1], m.strides[1])
	}
	if h+top+bottom < m.pool[0] || w+left+right < m.pool[1] {
		return nil, model.ShapeErrorf("pool %v larger than input %dx%d", m.pool, h, w)
	}
	oh := outputSize(h, m.pool[0], m.strides[0], top, bottom)
	ow := outputSize(w, m.pool[1], m.strides[1], left, right)

	dst := make([]float32, n*oh*ow*c)
	for b := 0; b < n; b++ {
		for oy := 0; oy < oh; oy++ {
			y0 := oy*m.strides[0] - top
			for ox := 0; ox < ow; ox++ {
				x0 := ox*m.strides[1] - left
				out := dst[((b*oh+oy)*ow+ox)*c:][:c]
				for ch := range out {
					out[ch] = -math32.MaxFloat32
				}
				for y := max(y0, 0); y < min(y0+m.pool[0], h); y++ {
					for xx := max(x0, 0); xx < min(x0+m.pool[1], w); xx++ {
						in := src[((b*h+y)*w+xx)*c:][:c]
						for ch, v := range in {
							if v > out[ch] {
								out[ch] = v
							}
						}
					}
				}
			}
		}
	}

	return NewDense(dst, n, oh, ow, c), nil
}
