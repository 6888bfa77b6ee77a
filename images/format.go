package images

import "strings"

// ImageFormat is the name image.Decode reports for an encoding.
type ImageFormat string

const (
	FormatJPEG ImageFormat = "jpeg"
	FormatWebP ImageFormat = "webp"
	FormatPNG  ImageFormat = "png"
	FormatBMP  ImageFormat = "bmp"
)

// Formats lists the encodings Decode understands.
var Formats = []ImageFormat{FormatJPEG, FormatPNG, FormatWebP, FormatBMP}

var extensions = map[string]ImageFormat{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".webp": FormatWebP,
	".bmp":  FormatBMP,
}

// FormatFromExtension maps a file extension such as ".JPG" to its format.
func FormatFromExtension(ext string) (ImageFormat, bool) {
	f, ok := extensions[strings.ToLower(ext)]
	return f, ok
}
