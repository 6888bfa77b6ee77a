package yolo

import (
	"github.com/nvr-ai/go-yolo/images"
	"github.com/nvr-ai/go-yolo/models/layers"
	"github.com/nvr-ai/go-yolo/models/model"
	"gorgonia.org/tensor"
)

// CorrectBoxes converts normalized centers and sizes into corner boxes in
// pixels of the nominal input resolution.
//
// The (x, y) and (w, h) pairs are swapped into (y, x) and (h, w) order, so
// every box is [y_min, x_min, y_max, x_max] scaled by
// (input_h, input_w, input_h, input_w). Mapping back to the resolution of the
// original image is left to the caller.
//
// Arguments:
//   - xy: Box centers, any shape ending in 2.
//   - wh: Box sizes, same shape as xy.
//   - input: The nominal input resolution.
//
// Returns:
//   - []images.Box: One box per center, in row-major order.
//   - error: ErrShape if xy and wh do not match.
func CorrectBoxes(xy, wh *tensor.Dense, input model.InputShape) ([]images.Box, error) {
	centers, err := layers.Float32s(xy)
	if err != nil {
		return nil, err
	}
	sizes, err := layers.Float32s(wh)
	if err != nil {
		return nil, err
	}
	if len(centers) != len(sizes) || len(centers)%2 != 0 {
		return nil, model.ShapeErrorf("center shape %v does not match size shape %v", xy.Shape(), wh.Shape())
	}

	inH, inW := float32(input.Height), float32(input.Width)
	boxes := make([]images.Box, len(centers)/2)
	for i := range boxes {
		y, x := centers[2*i+1], centers[2*i]
		h, w := sizes[2*i+1], sizes[2*i]
		boxes[i] = images.Box{
			YMin: (y - h/2) * inH,
			XMin: (x - w/2) * inW,
			YMax: (y + h/2) * inH,
			XMax: (x + w/2) * inW,
		}
	}

	return boxes, nil
}

// BoxesAndScores flattens a decoded branch into candidate boxes and a row-major
// [boxes][classes] score matrix, where each score is objectness * class
// probability.
func BoxesAndScores(out *BranchOutput, input model.InputShape) ([]images.Box, []float32, error) {
	boxes, err := CorrectBoxes(out.XY, out.WH, input)
	if err != nil {
		return nil, nil, err
	}
	conf, err := layers.Float32s(out.Confidence)
	if err != nil {
		return nil, nil, err
	}
	probs, err := layers.Float32s(out.ClassProbs)
	if err != nil {
		return nil, nil, err
	}
	if len(conf) != len(boxes) || len(conf) == 0 || len(probs)%len(conf) != 0 {
		return nil, nil, model.ShapeErrorf("%d boxes, %d confidences and %d class probabilities do not line up",
			len(boxes), len(conf), len(probs))
	}

	classes := len(probs) / len(conf)
	scores := make([]float32, len(probs))
	for i, c := range conf {
		for k := 0; k < classes; k++ {
			scores[i*classes+k] = c * probs[i*classes+k]
		}
	}

	return boxes, scores, nil
}
