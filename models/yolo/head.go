// Package yolo - Decodes the raw output branches of a YOLO network into boxes,
// scores and classes.
package yolo

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolo/models/layers"
	"github.com/nvr-ai/go-yolo/models/model"
	"gorgonia.org/tensor"
)

// BoxParams is the number of values per anchor before the class logits:
// tx, ty, tw, th and the objectness logit.
const BoxParams = 5

// BranchOutput is the decoded prediction of one output branch. Every tensor has
// shape (batch, grid_h, grid_w, anchors, ·).
type BranchOutput struct {
	// XY is the box center (x, y), normalized to the grid.
	XY *tensor.Dense
	// WH is the box size (w, h), normalized to the nominal input resolution.
	WH *tensor.Dense
	// Confidence is the objectness in [0, 1].
	Confidence *tensor.Dense
	// ClassProbs holds one independent probability per class.
	ClassProbs *tensor.Dense
}

// branchShape is the geometry of one raw branch tensor.
type branchShape struct {
	batch, height, width int
	anchors, classes     int
}

func (s branchShape) cells() int {
	return s.batch * s.height * s.width * s.anchors
}

func (s branchShape) dims(last int) []int {
	return []int{s.batch, s.height, s.width, s.anchors, last}
}

// checkFeatures validates a raw tensor against the anchor and class counts. It
// accepts (batch, H, W, anchors*(classes+5)) and the already reshaped
// (batch, H, W, anchors, classes+5).
func checkFeatures(features *tensor.Dense, anchors, classes int) (branchShape, []float32, error) {
	if anchors <= 0 || classes <= 0 {
		return branchShape{}, nil, model.ConfigErrorf("invalid head geometry: %d anchors, %d classes", anchors, classes)
	}
	if features == nil {
		return branchShape{}, nil, model.ShapeErrorf("nil feature tensor")
	}

	depth := classes + BoxParams
	shape := features.Shape()
	switch {
	case len(shape) == 4 && shape[3] == anchors*depth:
	case len(shape) == 5 && shape[3] == anchors && shape[4] == depth:
	default:
		return branchShape{}, nil, model.ShapeErrorf("feature tensor %v does not hold %d anchors x (%d classes + %d)",
			shape, anchors, classes, BoxParams)
	}
	if shape[0] <= 0 || shape[1] <= 0 || shape[2] <= 0 {
		return branchShape{}, nil, model.ShapeErrorf("empty feature tensor %v", shape)
	}

	data, err := layers.Float32s(features)
	if err != nil {
		return branchShape{}, nil, err
	}

	return branchShape{
		batch:   shape[0],
		height:  shape[1],
		width:   shape[2],
		anchors: anchors,
		classes: classes,
	}, data, nil
}

// BranchHead decodes one raw branch tensor.
//
//	xy         = (sigmoid(tx, ty) + grid) / (W, H)
//	wh         = exp(tw, th) * anchor / (input_w, input_h)
//	confidence = sigmoid(objectness)
//	class_prob = sigmoid(class logit), for every class independently
//
// The exponential is not clamped, so extreme logits produce huge boxes.
//
// Arguments:
//   - features: The raw branch tensor.
//   - anchors: The anchor set of the branch, in pixels.
//   - classes: The number of classes.
//   - input: The nominal input resolution.
//
// Returns:
//   - *BranchOutput: The decoded tensors.
//   - error: ErrShape if the channel depth is not anchors*(classes+5).
func BranchHead(features *tensor.Dense, anchors model.AnchorSet, classes int, input model.InputShape) (*BranchOutput, error) {
	s, raw, err := checkFeatures(features, len(anchors), classes)
	if err != nil {
		return nil, err
	}
	if input.Width <= 0 || input.Height <= 0 {
		return nil, model.ShapeErrorf("invalid input resolution %dx%d", input.Width, input.Height)
	}

	n := s.cells()
	xy := make([]float32, 2*n)
	wh := make([]float32, 2*n)
	conf := make([]float32, n)
	probs := make([]float32, n*classes)

	gridW, gridH := float32(s.width), float32(s.height)
	inW, inH := float32(input.Width), float32(input.Height)
	depth := classes + BoxParams

	i := 0
	for b := 0; b < s.batch; b++ {
		for y := 0; y < s.height; y++ {
			for x := 0; x < s.width; x++ {
				for _, anchor := range anchors {
					p := raw[i*depth : (i+1)*depth]

					xy[2*i] = (layers.Sigmoid(p[0]) + float32(x)) / gridW
					xy[2*i+1] = (layers.Sigmoid(p[1]) + float32(y)) / gridH
					wh[2*i] = math32.Exp(p[2]) * anchor.Width / inW
					wh[2*i+1] = math32.Exp(p[3]) * anchor.Height / inH
					conf[i] = layers.Sigmoid(p[4])
					for k := 0; k < classes; k++ {
						probs[i*classes+k] = layers.Sigmoid(p[BoxParams+k])
					}

					i++
				}
			}
		}
	}

	return &BranchOutput{
		XY:         layers.NewDense(xy, s.dims(2)...),
		WH:         layers.NewDense(wh, s.dims(2)...),
		Confidence: layers.NewDense(conf, s.dims(1)...),
		ClassProbs: layers.NewDense(probs, s.dims(classes)...),
	}, nil
}

// RawOutput is the loss-oriented view of a branch: the grid offsets and the
// reshaped logits, with no activation applied.
type RawOutput struct {
	// Grid has shape (H, W, 1, 2) and holds the (x, y) offset of every cell.
	Grid *tensor.Dense
	// Features has shape (batch, H, W, anchors, classes+5).
	Features *tensor.Dense
}

// RawHead reshapes a branch tensor without decoding it.
func RawHead(features *tensor.Dense, anchors, classes int) (*RawOutput, error) {
	s, raw, err := checkFeatures(features, anchors, classes)
	if err != nil {
		return nil, err
	}

	grid := make([]float32, 0, 2*s.height*s.width)
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			grid = append(grid, float32(x), float32(y))
		}
	}

	reshaped := make([]float32, len(raw))
	copy(reshaped, raw)

	return &RawOutput{
		Grid:     layers.NewDense(grid, s.height, s.width, 1, 2),
		Features: layers.NewDense(reshaped, s.dims(classes+BoxParams)...),
	}, nil
}
