package pipeline

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/ollama/diffusion/tensor"
)

// Output is the structured result of a call.
type Output struct {
	Type OutputType

	// Tensor is the sample in the requested representation; for OutputImage
	// it is the channel-last array the images were built from.
	Tensor *tensor.Tensor
	Images []image.Image
}

// Tuple returns the positional form: the images for OutputImage, the tensor
// otherwise.
func (o *Output) Tuple() []any {
	if o.Type == OutputImage {
		return []any{o.Images}
	}
	return []any{o.Tensor}
}

// ImageFormat is an encoding supported by Save.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatBMP  ImageFormat = "bmp"
	FormatTIFF ImageFormat = "tiff"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// ParseImageFormat accepts png, bmp and tiff (tif).
func ParseImageFormat(s string) (ImageFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "png":
		return FormatPNG, nil
	case "bmp":
		return FormatBMP, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// MimeType gibt den MIME-Type fuer ein Format zurueck
func (f ImageFormat) MimeType() string {
	switch f {
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	default:
		return "image/png"
	}
}

// Extension gibt die Dateiendung fuer ein Format zurueck
func (f ImageFormat) Extension() string {
	switch f {
	case FormatBMP:
		return ".bmp"
	case FormatTIFF:
		return ".tiff"
	default:
		return ".png"
	}
}

// Encode writes img to w in format f.
func (f ImageFormat) Encode(w io.Writer, img image.Image) error {
	switch f {
	case FormatPNG:
		return png.Encode(w, img)
	case FormatBMP:
		return bmp.Encode(w, img)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
}

// ToImages converts a channel-last (N, H, W, C) array with values in [0, 1]
// to images. One channel gives grayscale, three RGB and four RGBA.
func ToImages(arr *tensor.Tensor) ([]image.Image, error) {
	shape := arr.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: expected (N, H, W, C), got %v", tensor.ErrShapeMismatch, shape)
	}

	n, h, w, c := shape[0], shape[1], shape[2], shape[3]
	if c != 1 && c != 3 && c != 4 {
		return nil, fmt.Errorf("%w: cannot build images from %d channels", ErrInvalidArgument, c)
	}

	data := arr.Data()
	images := make([]image.Image, n)
	for i := range n {
		px := data[i*h*w*c : (i+1)*h*w*c]
		rect := image.Rect(0, 0, w, h)

		if c == 1 {
			img := image.NewGray(rect)
			for j, v := range px {
				img.Pix[j] = toUint8(v)
			}
			images[i] = img
			continue
		}

		img := image.NewNRGBA(rect)
		for y := range h {
			for x := range w {
				o := (y*w + x) * c
				a := uint8(255)
				if c == 4 {
					a = toUint8(px[o+3])
				}
				img.SetNRGBA(x, y, color.NRGBA{R: toUint8(px[o]), G: toUint8(px[o+1]), B: toUint8(px[o+2]), A: a})
			}
		}
		images[i] = img
	}

	return images, nil
}

func toUint8(v float32) uint8 {
	return uint8(min(max(math.RoundToEven(float64(v)*255), 0), 255))
}

// Save writes the images to dir as <prefix>-<i><ext> and returns the paths.
func (o *Output) Save(dir, prefix string, f ImageFormat) ([]string, error) {
	if len(o.Images) == 0 {
		return nil, fmt.Errorf("%w: output of type %s has no images", ErrInvalidArgument, o.Type)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(o.Images))
	for i, img := range o.Images {
		path := filepath.Join(dir, fmt.Sprintf("%s-%d%s", prefix, i, f.Extension()))
		if err := writeImage(path, img, f); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeImage(path string, img image.Image, f ImageFormat) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := f.Encode(file, img); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return file.Close()
}
