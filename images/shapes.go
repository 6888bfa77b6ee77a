// Package images - Image processing utilities
package images

import (
	"fmt"
	"image"
)

// Box is a detection box in corner form, row coordinates first.
//
// Coordinates are absolute pixels of the network's working resolution, which
// is not necessarily the resolution of the source image.
type Box struct {
	YMin, XMin, YMax, XMax float32
}

// NewBox builds a Box from a [y_min, x_min, y_max, x_max] quadruple.
func NewBox(yxyx [4]float32) Box {
	return Box{YMin: yxyx[0], XMin: yxyx[1], YMax: yxyx[2], XMax: yxyx[3]}
}

// Array returns the box as a [y_min, x_min, y_max, x_max] quadruple.
func (b Box) Array() [4]float32 {
	return [4]float32{b.YMin, b.XMin, b.YMax, b.XMax}
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float32 {
	return b.XMax - b.XMin
}

// Height returns the vertical extent of the box.
func (b Box) Height() float32 {
	return b.YMax - b.YMin
}

// Area returns the area of the box, or zero for degenerate boxes.
func (b Box) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the (x, y) center point of the box.
func (b Box) Center() (x, y float32) {
	return (b.XMin + b.XMax) / 2, (b.YMin + b.YMax) / 2
}

// ToRect converts the box to an image.Rectangle for drawing.
//
// This loses fractional pixels around the edges.
func (b Box) ToRect() image.Rectangle {
	return image.Rect(int(b.XMin), int(b.YMin), int(b.XMax), int(b.YMax)).Canon()
}

func (b Box) String() string {
	return fmt.Sprintf("[%.2f, %.2f, %.2f, %.2f]", b.YMin, b.XMin, b.YMax, b.XMax)
}

// normalized returns the box with min and max swapped where a corner pair
// arrives flipped.
func (b Box) normalized() Box {
	if b.YMin > b.YMax {
		b.YMin, b.YMax = b.YMax, b.YMin
	}
	if b.XMin > b.XMax {
		b.XMin, b.XMax = b.XMax, b.XMin
	}
	return b
}

// CalculateIoU measures the overlap between two boxes as
// Area(intersection) / Area(union), a value in [0, 1].
//
// See also:
//   - http://ronny.rest/tutorials/module/localization_001/iou
//
// The intersection corners are the maximum of the two minimum corners and the
// minimum of the two maximum corners. When the resulting width or height is not
// positive the boxes do not overlap and the result is 0. The union follows the
// principle of inclusion-exclusion:
//
//	Area(A ∪ B) = Area(A) + Area(B) - Area(A ∩ B)
//
// Corner pairs that arrive flipped are normalized first, and a box with no area
// never overlaps anything.
//
// Arguments:
//   - r: The first box.
//   - o: The box to compare against.
//
// Returns:
//   - float32: The IoU score.
//
// Example Usage:
// ```go
//
//	a := Box{YMin: 0, XMin: 0, YMax: 10, XMax: 10}
//	b := Box{YMin: 5, XMin: 5, YMax: 15, XMax: 15}
//
//	iou := CalculateIoU(a, b) // 25 / 175 = 0.142857
//
// ```
func CalculateIoU(r, o Box) float32 {
	r, o = r.normalized(), o.normalized()

	areaR := r.Area()
	areaO := o.Area()
	if areaR <= 0 || areaO <= 0 {
		return 0
	}

	iy1 := max(r.YMin, o.YMin)
	ix1 := max(r.XMin, o.XMin)
	iy2 := min(r.YMax, o.YMax)
	ix2 := min(r.XMax, o.XMax)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0
	}
	interArea := interW * interH

	return interArea / (areaR + areaO - interArea)
}
