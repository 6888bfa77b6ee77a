package layers

import (
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Padding modes shared by convolution and pooling layers.
const (
	PaddingSame  = "same"
	PaddingValid = "valid"
)

// Convolution2DParams are the parameters of a 2-D convolution layer.
//
// Kernel is indexed [kernel_h][kernel_w][in_channels][out_channels].
type Convolution2DParams struct {
	Kernel     [][][][]float32 `yaml:"kernel"`
	Bias       []float32       `yaml:"bias"`
	Strides    []int           `yaml:"strides"`
	Padding    string          `yaml:"padding"`
	Activation string          `yaml:"activation_function"`
	Alpha      float32         `yaml:"alpha"`
}

// Convolution2D is a biased 2-D convolution with an optional fused
// activation. The convolution itself runs on a gorgonia expression graph.
type Convolution2D struct {
	kernelH, kernelW int
	in, out          int
	strides          [2]int
	same             bool

	// filter in (out, in, kh, kw) order, as gorgonia expects.
	filter []float32
	bias   []float32
	fn     ActivationFunc
}

// NewConvolution2D builds a convolution layer.
//
// Arguments:
//   - spec: Layer definition with a kernel and optional bias, strides, padding and activation.
//
// Returns:
//   - Op: The convolution.
//   - error: ErrConfiguration if the kernel is ragged or the options are invalid.
func NewConvolution2D(spec model.LayerSpec) (Op, error) {
	var p Convolution2DParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}

	kh := len(p.Kernel)
	if kh == 0 || len(p.Kernel[0]) == 0 || len(p.Kernel[0][0]) == 0 || len(p.Kernel[0][0][0]) == 0 {
		return nil, model.ConfigErrorf("convolution kernel is empty")
	}
	kw, in, out := len(p.Kernel[0]), len(p.Kernel[0][0]), len(p.Kernel[0][0][0])

	filter := make([]float32, out*in*kh*kw)
	for y := range p.Kernel {
		if len(p.Kernel[y]) != kw {
			return nil, model.ConfigErrorf("convolution kernel row %d has width %d, want %d", y, len(p.Kernel[y]), kw)
		}
		for x := range p.Kernel[y] {
			if len(p.Kernel[y][x]) != in {
				return nil, model.ConfigErrorf("convolution kernel at (%d,%d) has %d input channels, want %d",
					y, x, len(p.Kernel[y][x]), in)
			}
			for c := range p.Kernel[y][x] {
				if len(p.Kernel[y][x][c]) != out {
					return nil, model.ConfigErrorf("convolution kernel at (%d,%d,%d) has %d filters, want %d",
						y, x, c, len(p.Kernel[y][x][c]), out)
				}
				for o, v := range p.Kernel[y][x][c] {
					filter[((o*in+c)*kh+y)*kw+x] = v
				}
			}
		}
	}

	if p.Bias != nil && len(p.Bias) != out {
		return nil, model.ConfigErrorf("convolution bias has %d values for %d filters", len(p.Bias), out)
	}

	strides, err := pair(p.Strides, 1)
	if err != nil {
		return nil, err
	}
	if strides[0] < 1 || strides[1] < 1 {
		return nil, model.ConfigErrorf("convolution strides must be positive, got %v", p.Strides)
	}

	same, err := paddingMode(p.Padding)
	if err != nil {
		return nil, err
	}

	fn, err := LookupActivation(p.Activation, p.Alpha)
	if err != nil {
		return nil, err
	}

	return &Convolution2D{
		kernelH: kh,
		kernelW: kw,
		in:      in,
		out:     out,
		strides: strides,
		same:    same,
		filter:  filter,
		bias:    p.Bias,
		fn:      fn,
	}, nil
}

func paddingMode(mode string) (bool, error) {
	switch mode {
	case "", PaddingValid:
		return false, nil
	case PaddingSame:
		return true, nil
	default:
		return false, model.ConfigErrorf("unknown padding %q", mode)
	}
}

// Apply implements Op.
func (c *Convolution2D) Apply(inputs ...*tensor.Dense) (*tensor.Dense, error) {
	x, err := single(TypeConvolution2D, inputs)
	if err != nil {
		return nil, err
	}
	n, h, w, ch, err := NHWC(x)
	if err != nil {
		return nil, err
	}
	if ch != c.in {
		return nil, model.ShapeErrorf("convolution expects %d input channels, got %d", c.in, ch)
	}
	src, err := Float32s(x)
	if err != nil {
		return nil, err
	}

	// Asymmetric "same" padding is applied up front so that gorgonia only
	// sees a valid convolution.
	var top, bottom, left, right int
	if c.same {
		top, bottom = samePadding(h, c.kernelH, c.strides[0])
		left, right = samePadding(w, c.kernelW, c.strides[1])
	}
	ph, pw := h+top+bottom, w+left+right
	if ph < c.kernelH || pw < c.kernelW {
		return nil, model.ShapeErrorf("convolution kernel %dx%d larger than input %dx%d", c.kernelH, c.kernelW, ph, pw)
	}
	padded := padNHWC(src, n, h, w, ch, top, bottom, left, right)
	nchw := transposeNHWCToNCHW(padded, n, ph, pw, ch)

	result, err := c.conv(nchw, n, ph, pw)
	if err != nil {
		return nil, err
	}

	oh := outputSize(ph, c.kernelH, c.strides[0], 0, 0)
	ow := outputSize(pw, c.kernelW, c.strides[1], 0, 0)
	if len(result) != n*c.out*oh*ow {
		return nil, model.ShapeErrorf("convolution produced %d values, want %d", len(result), n*c.out*oh*ow)
	}
	dst := transposeNCHWToNHWC(result, n, c.out, oh, ow)

	if c.bias != nil {
		for i := range dst {
			dst[i] += c.bias[i%c.out]
		}
	}
	applyActivation(c.fn, dst)

	return NewDense(dst, n, oh, ow, c.out), nil
}

// conv runs a valid convolution of an NCHW buffer on a fresh expression graph.
func (c *Convolution2D) conv(nchw []float32, n, h, w int) ([]float32, error) {
	g := G.NewGraph()

	image := G.NodeFromAny(g, NewDense(nchw, n, c.in, h, w), G.WithName("input"))
	// The graph owns its values, so it gets its own copy of the weights.
	weights := make([]float32, len(c.filter))
	copy(weights, c.filter)
	filter := G.NodeFromAny(g, NewDense(weights, c.out, c.in, c.kernelH, c.kernelW), G.WithName("filter"))

	out, err := G.Conv2d(image, filter, tensor.Shape{c.kernelH, c.kernelW}, []int{0, 0}, c.strides[:], []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "building convolution")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running convolution")
	}

	value, ok := out.Value().(*tensor.Dense)
	if !ok {
		return nil, model.ShapeErrorf("convolution produced %T", out.Value())
	}
	return Float32s(value)
}

func padNHWC(src []float32, n, h, w, c, top, bottom, left, right int) []float32 {
	if top == 0 && bottom == 0 && left == 0 && right == 0 {
		return src
	}
	ph, pw := h+top+bottom, w+left+right
	dst := make([]float32, n*ph*pw*c)
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			from := ((b*h + y) * w) * c
			to := ((b*ph+y+top)*pw + left) * c
			copy(dst[to:to+w*c], src[from:from+w*c])
		}
	}
	return dst
}
