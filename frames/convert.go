// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frames

import (
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"
)

// ErrNotSquare is returned when converting an image whose width and height differ.
var ErrNotSquare = errors.New("image is not square")

// Load reads and decodes an image file (PNG, JPEG, GIF or WebP).
//
// It doesn't check that the image is square: see FromImage.
func Load(filePath string) (image.Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", filePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", filePath)
	}
	return img, nil
}

// Decode reads an image (PNG, JPEG, GIF or WebP) from r.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return img, nil
}

// FromImage converts a square Go image to an Image with values in [0, 1]. The alpha channel is dropped.
func FromImage(img image.Image) (*Image, error) {
	bounds := img.Bounds()
	if bounds.Dx() != bounds.Dy() {
		return nil, errors.Wrapf(ErrNotSquare, "got %dx%d", bounds.Dx(), bounds.Dy())
	}
	if bounds.Dx() == 0 {
		return nil, errors.New("empty image")
	}
	var t *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		t = images.ToTensor(dtypes.Float32).Single(img)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to convert image to tensor")
	}
	defer t.FinalizeAll()
	return FromTensor(t)
}

// FromTensor converts a float32 tensor shaped [size, size, 3] to an Image.
func FromTensor(t *tensors.Tensor) (*Image, error) {
	shape := t.Shape()
	if shape.DType != dtypes.Float32 {
		return nil, errors.Errorf("expected a Float32 tensor, got %s", shape)
	}
	if shape.Rank() != 3 || shape.Dimensions[0] != shape.Dimensions[1] || shape.Dimensions[2] != NumChannels {
		return nil, errors.Errorf("expected tensor shaped [size, size, %d], got %s", NumChannels, shape)
	}
	return &Image{Size: shape.Dimensions[0], Pix: tensors.CopyFlatData[float32](t)}, nil
}

// Tensor returns a new float32 tensor shaped [size, size, 3] with a copy of the image values.
func (img *Image) Tensor() *tensors.Tensor {
	pix := make([]float32, len(img.Pix))
	copy(pix, img.Pix)
	return tensors.FromFlatDataAndDimensions(pix, img.Size, img.Size, NumChannels)
}

// NRGBA converts the image to an 8-bit opaque *image.NRGBA.
func (img *Image) NRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, img.Size, img.Size))
	for y := 0; y < img.Size; y++ {
		for x := 0; x < img.Size; x++ {
			src := img.Offset(y, x)
			dst := out.PixOffset(x, y)
			out.Pix[dst] = toByte(img.Pix[src])
			out.Pix[dst+1] = toByte(img.Pix[src+1])
			out.Pix[dst+2] = toByte(img.Pix[src+2])
			out.Pix[dst+3] = 0xFF
		}
	}
	return out
}

// fromNRGBA converts a square *image.NRGBA back to an Image. Alpha is ignored.
func fromNRGBA(src *image.NRGBA) *Image {
	bounds := src.Bounds()
	size := bounds.Dx()
	out := New(size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			s := src.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
			d := out.Offset(y, x)
			out.Pix[d] = float32(src.Pix[s]) / 255
			out.Pix[d+1] = float32(src.Pix[s+1]) / 255
			out.Pix[d+2] = float32(src.Pix[s+2]) / 255
		}
	}
	return out
}

// toNRGBA returns img as *image.NRGBA, converting it if needed.
func toNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba
	}
	return imaging.Clone(img)
}

// black is the fill color used by geometric operations. Filled pixels read back as exact zeros.
var black = color.NRGBA{R: 0, G: 0, B: 0, A: 0xFF}
