package inference

import (
	"fmt"
	"image"

	"github.com/nvr-ai/go-yolo/images"
	"github.com/nvr-ai/go-yolo/models/postprocess"
)

// BoundingBox is a detection with its label, in source image pixels.
type BoundingBox struct {
	Label      string
	Class      int
	Confidence float32
	Box        images.Box
}

func (b *BoundingBox) String() string {
	return fmt.Sprintf("Object %s (confidence %f): (%f, %f), (%f, %f)",
		b.Label, b.Confidence, b.Box.XMin, b.Box.YMin, b.Box.XMax, b.Box.YMax)
}

// ToRect loses fractional pixels around the edges.
func (b *BoundingBox) ToRect() image.Rectangle {
	return b.Box.ToRect()
}

// Label resolves the detections of a set into labelled boxes, projecting them
// from the network input resolution back onto an image of size src.
//
// Arguments:
//   - set: The detections, in network input coordinates.
//   - labels: The class names.
//   - src: The size of the source image. A zero size keeps network coordinates.
//   - width: The network input width.
//   - height: The network input height.
//   - mode: The rescale strategy the input was prepared with.
//
// Returns:
//   - []BoundingBox: The labelled detections, in set order.
func Label(
	set *postprocess.DetectionSet,
	labels Labels,
	src image.Point,
	width, height int,
	mode images.RescaleType,
) []BoundingBox {
	results := set.Results()
	out := make([]BoundingBox, len(results))
	for i, r := range results {
		out[i] = BoundingBox{
			Label:      labels.Name(r.Class),
			Class:      r.Class,
			Confidence: r.Score,
			Box:        images.ProjectBox(r.Box, src, width, height, mode),
		}
	}
	return out
}
