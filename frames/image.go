// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package frames holds the square RGB image type used across haloopinate, its conversions to
// Go's image.Image and to GoMLX tensors, and the geometric primitives (resize, rotate, crop, pad)
// used to move the camera.
//
// An Image is always square, with 3 channels stored in height, width, channel order, and values
// that are expected to be in the range [0, 1].
package frames

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// NumChannels is the number of channels of every Image: red, green and blue.
const NumChannels = 3

// Image is a square RGB image with float32 values, normally in [0, 1].
//
// Pix holds Size*Size*NumChannels values, laid out as [height][width][channel].
type Image struct {
	Size int
	Pix  []float32
}

// New returns a black Image of the given size.
func New(size int) *Image {
	return &Image{Size: size, Pix: make([]float32, size*size*NumChannels)}
}

// NewFilled returns an Image of the given size with every channel set to value.
func NewFilled(size int, value float32) *Image {
	img := New(size)
	for ii := range img.Pix {
		img.Pix[ii] = value
	}
	return img
}

// String implements fmt.Stringer.
func (img *Image) String() string {
	return fmt.Sprintf("Image(%dx%dx%d)", img.Size, img.Size, NumChannels)
}

// Validate checks that the number of values matches the image size.
func (img *Image) Validate() error {
	if img == nil {
		return errors.New("nil image")
	}
	if img.Size <= 0 {
		return errors.Errorf("invalid image size %d", img.Size)
	}
	if want := img.Size * img.Size * NumChannels; len(img.Pix) != want {
		return errors.Errorf("image of size %d should have %d values, got %d", img.Size, want, len(img.Pix))
	}
	return nil
}

// Clone returns a deep copy of the image.
func (img *Image) Clone() *Image {
	pix := make([]float32, len(img.Pix))
	copy(pix, img.Pix)
	return &Image{Size: img.Size, Pix: pix}
}

// Equal returns whether both images have the same size and exactly the same values.
func (img *Image) Equal(other *Image) bool {
	if img.Size != other.Size || len(img.Pix) != len(other.Pix) {
		return false
	}
	for ii, v := range img.Pix {
		if other.Pix[ii] != v {
			return false
		}
	}
	return true
}

// InDelta returns whether both images have the same size and all values are within delta of each other.
func (img *Image) InDelta(other *Image, delta float64) bool {
	if img.Size != other.Size || len(img.Pix) != len(other.Pix) {
		return false
	}
	for ii, v := range img.Pix {
		if math32.Abs(other.Pix[ii]-v) > float32(delta) {
			return false
		}
	}
	return true
}

// Offset returns the index in Pix of the first channel of the pixel at (y, x).
func (img *Image) Offset(y, x int) int {
	return (y*img.Size + x) * NumChannels
}

// Clamp returns a copy of img with every value limited to [0, 1].
func Clamp(img *Image) *Image {
	out := img.Clone()
	for ii, v := range out.Pix {
		out.Pix[ii] = clamp01(v)
	}
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	} else if v > 1 {
		return 1
	}
	return v
}

// Lerp returns the linear interpolation from a to b: a + weight*(b-a).
// With weight=0 the result is exactly a.
func Lerp(a, b *Image, weight float64) (*Image, error) {
	if a.Size != b.Size {
		return nil, errors.Errorf("can't interpolate images of different sizes %d and %d", a.Size, b.Size)
	}
	out := New(a.Size)
	if weight == 0 {
		copy(out.Pix, a.Pix)
		return out, nil
	}
	w := float32(weight)
	for ii, v := range a.Pix {
		out.Pix[ii] = v + w*(b.Pix[ii]-v)
	}
	return out, nil
}

// Mix returns wa*a + wb*b.
func Mix(a *Image, wa float64, b *Image, wb float64) (*Image, error) {
	if a.Size != b.Size {
		return nil, errors.Errorf("can't mix images of different sizes %d and %d", a.Size, b.Size)
	}
	out := New(a.Size)
	fa, fb := float32(wa), float32(wb)
	for ii, v := range a.Pix {
		out.Pix[ii] = fa*v + fb*b.Pix[ii]
	}
	return out, nil
}

// ReplaceZeros returns a copy of img where every pixel whose channels are all exactly 0 is taken
// from fallback instead.
//
// It is used to fill the black borders introduced by crop, pad and rotate operations.
func ReplaceZeros(img, fallback *Image) (*Image, error) {
	if img.Size != fallback.Size {
		return nil, errors.Errorf("can't replace zeros with an image of a different size (%d vs %d)",
			img.Size, fallback.Size)
	}
	out := img.Clone()
	for offset := 0; offset < len(out.Pix); offset += NumChannels {
		pixel := out.Pix[offset : offset+NumChannels]
		if pixel[0] == 0 && pixel[1] == 0 && pixel[2] == 0 {
			copy(pixel, fallback.Pix[offset:offset+NumChannels])
		}
	}
	return out, nil
}

// Bytes converts the image to 8-bit values, HWC order: each value is round(255*v) clipped to [0, 255].
func (img *Image) Bytes() []byte {
	data := make([]byte, len(img.Pix))
	for ii, v := range img.Pix {
		data[ii] = toByte(v)
	}
	return data
}

func toByte(v float32) byte {
	scaled := math32.Round(255 * v)
	if scaled <= 0 || math32.IsNaN(scaled) {
		return 0
	} else if scaled >= 255 {
		return 255
	}
	return byte(scaled)
}
