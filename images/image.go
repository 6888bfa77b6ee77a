// Package images - Image decoding for detection inputs.
package images

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
)

func init() {
	// chai2010/webp does not register itself with the image package.
	image.RegisterFormat(string(FormatWebP), "RIFF????WEBPVP8", webp.Decode, webp.DecodeConfig)
}

// Image represents an encoded image with its format.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
}

// Decode decodes JPEG, PNG, WebP or BMP bytes.
//
// Arguments:
//   - data: The encoded image.
//
// Returns:
//   - image.Image: The decoded image.
//   - ImageFormat: The detected format.
//   - error: An error if the data is empty or cannot be decoded.
func Decode(data []byte) (image.Image, ImageFormat, error) {
	if len(data) == 0 {
		return nil, "", errors.New("empty image data")
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(err, "image decoding failed")
	}

	return img, ImageFormat(format), nil
}

// Decode decodes the image bytes.
func (i Image) Decode() (image.Image, error) {
	img, _, err := Decode(i.Data)
	return img, err
}
