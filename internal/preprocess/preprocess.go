// Package preprocess turns raster images into the normalized CHW tensors the
// tag classifier was trained on.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"os"

	// Registered decoders.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	ferrors "github.com/hyperjump/fuda/internal/errors"
)

// DefaultSize is the square edge length the classifier expects.
const DefaultSize = 512

var (
	// PadColor fills the canvas around the resized image.
	PadColor = color.NRGBA{R: 124, G: 116, B: 104, A: 255}

	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// Tensor is a single image as float32 values in (3, Size, Size) RGB order.
type Tensor struct {
	Data []float32
	Size int
}

// FromFile opens, decodes and preprocesses the image at path.
func FromFile(path string, size int) (*Tensor, error) {
	const op = "preprocess.FromFile"
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ferrors.NotFound(op, "image not found: "+path, err)
		}
		return nil, ferrors.NotFound(op, "cannot open image: "+path, err)
	}
	return FromBytes(data, size)
}

// FromBytes decodes and preprocesses an encoded image.
func FromBytes(data []byte, size int) (*Tensor, error) {
	if len(data) == 0 {
		return nil, ferrors.Decode("preprocess.FromBytes", "empty image", nil)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ferrors.Decode("preprocess.FromBytes", "cannot decode image", err)
	}
	return FromImage(img, size), nil
}

// FromImage preprocesses an already decoded image: drop alpha, fit the longer
// side to size with Lanczos, center on a PadColor canvas, then standardize.
func FromImage(img image.Image, size int) *Tensor {
	if size <= 0 {
		size = DefaultSize
	}
	canvas := Letterbox(img, size)
	return normalize(canvas, size)
}

// Letterbox returns the size x size RGB canvas that normalize reads from.
func Letterbox(img image.Image, size int) *image.NRGBA {
	src := toRGB(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	canvas := imaging.New(size, size, PadColor)
	if w == 0 || h == 0 {
		return canvas
	}

	newW, newH := size, size
	aspect := float64(w) / float64(h)
	if aspect > 1 {
		newH = int(float64(size) / aspect)
	} else {
		newW = int(float64(size) * aspect)
	}
	newW = max(newW, 1)
	newH = max(newH, 1)

	resized := imaging.Resize(src, newW, newH, imaging.Lanczos)
	return imaging.Paste(canvas, resized, image.Pt((size-newW)/2, (size-newH)/2))
}

// toRGB copies img into an opaque NRGBA image. Alpha is discarded rather than
// composited so transparent regions keep their stored color.
func toRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			dst.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return dst
}

func normalize(img *image.NRGBA, size int) *Tensor {
	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			p := row[x*4 : x*4+3]
			i := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(p[c]) / 255
				data[c*plane+i] = (v - Mean[c]) / Std[c]
			}
		}
	}
	return &Tensor{Data: data, Size: size}
}

// Batch concatenates tensors of equal size into one N x 3 x S x S buffer.
func Batch(tensors []*Tensor) ([]float32, error) {
	if len(tensors) == 0 {
		return nil, ferrors.InvalidInput("preprocess.Batch", "empty batch", nil)
	}
	size := tensors[0].Size
	per := 3 * size * size
	out := make([]float32, 0, per*len(tensors))
	for i, t := range tensors {
		if t.Size != size || len(t.Data) != per {
			return nil, ferrors.InvalidInput("preprocess.Batch", fmt.Sprintf("tensor %d has size %d, want %d", i, t.Size, size), nil)
		}
		out = append(out, t.Data...)
	}
	return out, nil
}
