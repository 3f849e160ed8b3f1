// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frames

import (
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Resize, Zoom and Rotate go through imaging's 8-bit *image.NRGBA, so values are quantized to
// multiples of 1/255. Black (all zeros) is the fill color for any area not covered by the source.

// Resize returns img scaled to size x size with bilinear interpolation.
// Downscaling is anti-aliased: imaging widens the filter support by the scale factor.
func Resize(img *Image, size int) (*Image, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid resize target %d", size)
	}
	if size == img.Size {
		return img.Clone(), nil
	}
	return fromNRGBA(imaging.Resize(img.NRGBA(), size, size, imaging.Linear)), nil
}

// Zoom scales img by the given factor, to a side of ceil(img.Size*scale).
func Zoom(img *Image, scale float64) (*Image, error) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, errors.Errorf("invalid zoom scale %g", scale)
	}
	return Resize(img, int(math.Ceil(float64(img.Size)*scale)))
}

// Rotate img counter-clockwise by angle degrees around its center, with bilinear interpolation.
// The canvas is not expanded: the result has the same size as img, and corners not covered
// by the rotated image are black.
func Rotate(img *Image, angle float64) *Image {
	if math.Mod(angle, 360) == 0 {
		return img.Clone()
	}
	rotated := imaging.Rotate(img.NRGBA(), angle, black)
	return fromNRGBA(imaging.CropCenter(rotated, img.Size, img.Size))
}

// RotatePrecise is like Rotate, but it interpolates the float values directly, without the 8-bit
// quantization. Output pixels whose source falls outside img are black (exactly 0).
func RotatePrecise(img *Image, angle float64) *Image {
	if math.Mod(angle, 360) == 0 {
		return img.Clone()
	}
	const eps = 1e-6
	rad := angle / 180 * math.Pi
	sin, cos := math.Sincos(rad)
	half := float64(img.Size) / 2
	last := float64(img.Size - 1)
	out := New(img.Size)
	for y := 0; y < img.Size; y++ {
		dy := float64(y) + 0.5 - half
		for x := 0; x < img.Size; x++ {
			dx := float64(x) + 0.5 - half
			// Inverse mapping of a counter-clockwise rotation, with the y-axis pointing down.
			sx := cos*dx - sin*dy + half - 0.5
			sy := sin*dx + cos*dy + half - 0.5
			if sx < -eps || sy < -eps || sx > last+eps || sy > last+eps {
				continue
			}
			sx, sy = min(max(sx, 0), last), min(max(sy, 0), last)
			x0, y0 := int(sx), int(sy)
			x1, y1 := min(x0+1, img.Size-1), min(y0+1, img.Size-1)
			fx, fy := float32(sx-float64(x0)), float32(sy-float64(y0))
			dst := out.Offset(y, x)
			p00, p01 := img.Offset(y0, x0), img.Offset(y0, x1)
			p10, p11 := img.Offset(y1, x0), img.Offset(y1, x1)
			for c := range NumChannels {
				top := (1-fx)*img.Pix[p00+c] + fx*img.Pix[p01+c]
				bottom := (1-fx)*img.Pix[p10+c] + fx*img.Pix[p11+c]
				out.Pix[dst+c] = (1-fy)*top + fy*bottom
			}
		}
	}
	return out
}

// CenterCrop returns the central size x size region of img. size must not be larger than img.Size.
func CenterCrop(img *Image, size int) (*Image, error) {
	if size <= 0 || size > img.Size {
		return nil, errors.Errorf("can't center-crop image of size %d to %d", img.Size, size)
	}
	if size == img.Size {
		return img.Clone(), nil
	}
	out := New(size)
	start := (img.Size - size) / 2
	rowLen := size * NumChannels
	for y := 0; y < size; y++ {
		src := img.Offset(start+y, start)
		copy(out.Pix[y*rowLen:(y+1)*rowLen], img.Pix[src:src+rowLen])
	}
	return out, nil
}

// PadCenter places img at the center of a black size x size canvas: floor of the margin goes
// before (top/left) and the ceiling after (bottom/right).
func PadCenter(img *Image, size int) (*Image, error) {
	if size < img.Size {
		return nil, errors.Errorf("can't pad image of size %d to a smaller size %d", img.Size, size)
	}
	if size == img.Size {
		return img.Clone(), nil
	}
	out := New(size)
	start := (size - img.Size) / 2
	rowLen := img.Size * NumChannels
	for y := 0; y < img.Size; y++ {
		dst := out.Offset(start+y, start)
		copy(out.Pix[dst:dst+rowLen], img.Pix[y*rowLen:(y+1)*rowLen])
	}
	return out, nil
}

// FitCenter crops or pads img so it becomes size x size, keeping it centered.
func FitCenter(img *Image, size int) (*Image, error) {
	if img.Size >= size {
		return CenterCrop(img, size)
	}
	return PadCenter(img, size)
}
