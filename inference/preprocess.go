package inference

import (
	"image"
	"image/draw"

	"github.com/nvr-ai/go-yolo/images"
	"github.com/nvr-ai/go-yolo/models/layers"
	"github.com/nvr-ai/go-yolo/models/model"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// PrepareInput rescales an image to the network input resolution and packs it
// into a (1, H, W, 3) tensor of RGB values in [0, 1].
//
// Arguments:
//   - img: The image to prepare.
//   - input: The network input resolution.
//   - mode: How the image is fitted to the resolution.
//
// Returns:
//   - *tensor.Dense: The NHWC input tensor.
//   - error: An error if the resolution is not set or rescaling fails.
func PrepareInput(img image.Image, input model.InputShape, mode images.RescaleType) (*tensor.Dense, error) {
	if input.Width <= 0 || input.Height <= 0 {
		return nil, model.ConfigErrorf("input resolution %dx%d is not set", input.Width, input.Height)
	}

	scaled, err := images.Rescale(img, input.Width, input.Height, mode)
	if err != nil {
		return nil, errors.Wrap(err, "rescaling input")
	}

	rgba, ok := scaled.(*image.RGBA)
	if !ok || rgba.Bounds().Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, input.Width, input.Height))
		draw.Draw(rgba, rgba.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
	}

	data := make([]float32, input.Width*input.Height*3)
	i := 0
	for y := 0; y < input.Height; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < input.Width; x++ {
			data[i] = float32(row[x*4]) / 255.0
			data[i+1] = float32(row[x*4+1]) / 255.0
			data[i+2] = float32(row[x*4+2]) / 255.0
			i += 3
		}
	}

	return layers.NewDense(data, 1, input.Height, input.Width, 3), nil
}

// ReadImage decodes encoded image bytes and prepares them as network input.
//
// Returns the prepared tensor together with the size of the decoded image, so
// detections can be projected back onto it.
func ReadImage(data []byte, input model.InputShape, mode images.RescaleType) (*tensor.Dense, image.Point, error) {
	img, _, err := images.Decode(data)
	if err != nil {
		return nil, image.Point{}, err
	}
	t, err := PrepareInput(img, input, mode)
	if err != nil {
		return nil, image.Point{}, err
	}
	return t, img.Bounds().Size(), nil
}
