package images

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// RescaleType selects how an image is fitted to the network input resolution.
type RescaleType string

const (
	// RescaleWarp stretches the image to the target size, ignoring aspect ratio.
	RescaleWarp RescaleType = "warp"
	// RescalePad fits the image inside the target size and centers it on a
	// black canvas (letterboxing).
	RescalePad RescaleType = "pad"
	// RescaleCrop fills the target size and crops the overflow around the center.
	RescaleCrop RescaleType = "crop"
)

// Rescale fits img to width x height using the given strategy.
//
// Arguments:
//   - img: The source image.
//   - width: The target width in pixels.
//   - height: The target height in pixels.
//   - mode: The rescale strategy. An empty mode means RescaleWarp.
//
// Returns:
//   - image.Image: An image whose bounds are exactly width x height.
//   - error: An error if the dimensions or mode are invalid.
func Rescale(img image.Image, width, height int, mode RescaleType) (image.Image, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid dimensions: width=%d, height=%d", width, height)
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, errors.New("empty image")
	}
	if bounds.Dx() == width && bounds.Dy() == height && bounds.Min == (image.Point{}) {
		return img, nil
	}

	switch mode {
	case RescaleWarp, "":
		return resize.Resize(uint(width), uint(height), img, resize.Bilinear), nil
	case RescalePad:
		fw, fh := fitted(bounds.Size(), width, height)
		scaled := resize.Resize(uint(fw), uint(fh), img, resize.Bilinear)
		canvas := imaging.New(width, height, color.Black)
		return imaging.PasteCenter(canvas, scaled), nil
	case RescaleCrop:
		return imaging.Fill(img, width, height, imaging.Center, imaging.Linear), nil
	default:
		return nil, errors.Errorf("unsupported rescale type: %q", mode)
	}
}

// fitted scales src by min(width/src.X, height/src.Y), up or down, so that it
// fits inside width x height while keeping its aspect ratio.
func fitted(src image.Point, width, height int) (int, int) {
	s := min(float64(width)/float64(src.X), float64(height)/float64(src.Y))
	fw := min(width, max(1, int(math.Round(float64(src.X)*s))))
	fh := min(height, max(1, int(math.Round(float64(src.Y)*s))))
	return fw, fh
}

// ProjectBox maps a box from the rescaled width x height frame back onto the
// source image of size src, inverting the given rescale strategy.
func ProjectBox(b Box, src image.Point, width, height int, mode RescaleType) Box {
	if src.X <= 0 || src.Y <= 0 || width <= 0 || height <= 0 {
		return b
	}

	sx := float32(width) / float32(src.X)
	sy := float32(height) / float32(src.Y)
	var offX, offY float32

	switch mode {
	case RescalePad:
		s := min(sx, sy)
		offX = (float32(width) - float32(src.X)*s) / 2
		offY = (float32(height) - float32(src.Y)*s) / 2
		sx, sy = s, s
	case RescaleCrop:
		s := max(sx, sy)
		offX = (float32(width) - float32(src.X)*s) / 2
		offY = (float32(height) - float32(src.Y)*s) / 2
		sx, sy = s, s
	}

	return Box{
		YMin: (b.YMin - offY) / sy,
		XMin: (b.XMin - offX) / sx,
		YMax: (b.YMax - offY) / sy,
		XMax: (b.XMax - offX) / sx,
	}
}
