// Package imageprocessor turns uploaded photos into the tensor layout the
// skin-lesion classifier was trained with.
//
// The transform mirrors the training pipeline exactly: RGB conversion, centre
// crop to a square, Lanczos3 resize to 224x224 and scaling of every channel
// into [-1, 1] with v/127.5 - 1. Changing any of these silently degrades the
// classifier's accuracy.
package imageprocessor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// InputSize is the square edge, in pixels, of the model input.
	InputSize = 224
	// Channels is the number of colour channels fed to the model.
	Channels = 3
	// NormalizationScale maps [0,255] onto [0,2] before the -1 shift.
	NormalizationScale = 127.5
	// StorageJPEGQuality is used when re-encoding uploads for the history store.
	StorageJPEGQuality = 90
)

// Interpolation is the resampling filter used for the resize step.
var Interpolation = resize.Lanczos3

// ErrUnsupportedImageFormat is returned when the upload cannot be decoded.
var ErrUnsupportedImageFormat = errors.New("unsupported image format")

// Tensor is a dense float32 tensor in NHWC order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Len returns the number of elements implied by Shape.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Prepared holds the model input together with the decoded upload.
type Prepared struct {
	Tensor *Tensor
	// Source is the full-size upload converted to RGB.
	Source *image.RGBA
	// Format is the decoder name reported by image.Decode.
	Format string
}

// Processor prepares uploads for inference. The zero value is not usable;
// call New.
type Processor struct {
	size int
}

// New returns a Processor producing InputSize x InputSize tensors.
func New() *Processor {
	return &Processor{size: InputSize}
}

// Prepare decodes raw and produces a [1, 224, 224, 3] float32 tensor.
func (p *Processor) Prepare(raw []byte) (*Prepared, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrUnsupportedImageFormat)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImageFormat, err)
	}

	rgb := ToRGB(img)
	if rgb.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrUnsupportedImageFormat)
	}

	fitted := Fit(rgb, p.size)
	return &Prepared{
		Tensor: Normalize(fitted),
		Source: rgb,
		Format: format,
	}, nil
}

// ToRGB drops alpha and expands grayscale, keeping the straight
// (non-premultiplied) colour values of every pixel.
func ToRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			i := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}

// Fit centre-crops src to a square and resizes it to size x size.
func Fit(src *image.RGBA, size int) *image.RGBA {
	b := src.Bounds()
	side := min(b.Dx(), b.Dy())
	left := b.Min.X + (b.Dx()-side)/2
	top := b.Min.Y + (b.Dy()-side)/2

	cropped := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(cropped, cropped.Bounds(), src, image.Pt(left, top), draw.Src)

	if side == size {
		return cropped
	}

	resized := resize.Resize(uint(size), uint(size), cropped, Interpolation)
	if out, ok := resized.(*image.RGBA); ok {
		return out
	}
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(out, out.Bounds(), resized, resized.Bounds().Min, draw.Src)
	return out
}

// Normalize scales each channel into [-1, 1] and lays pixels out as a
// single-image NHWC batch.
func Normalize(img *image.RGBA) *Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, w*h*Channels)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			dst := (y*w + x) * Channels
			for c := 0; c < Channels; c++ {
				data[dst+c] = float32(img.Pix[src+c])/NormalizationScale - 1
			}
		}
	}

	return &Tensor{
		Shape: []int64{1, int64(h), int64(w), Channels},
		Data:  data,
	}
}

// EncodeBase64JPEG re-encodes img as JPEG and returns it as standard base64.
func EncodeBase64JPEG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: StorageJPEGQuality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
