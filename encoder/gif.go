// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package encoder writes the post-processed frames of an animation as an animated GIF.
//
// Frames are given as 8-bit RGB values in HWC order (see frames.Image.Bytes), and they are quantized
// to the Plan9 palette with Floyd-Steinberg dithering.
package encoder

import (
	"context"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"io"
	"math"
	"os"
	"time"

	"github.com/gomlx/haloopinate/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GIF encodes animations. The zero value is not valid, use NewGIF.
type GIF struct {
	// Delay between frames. GIF only supports multiples of 10ms.
	Delay time.Duration

	// LoopCount as defined by image/gif: 0 loops forever.
	LoopCount int

	pool *workerspool.Pool
}

// NewGIF returns an encoder for an animation playing at fps frames per second, looping forever.
func NewGIF(fps int) *GIF {
	return &GIF{
		Delay: time.Second / time.Duration(max(fps, 1)),
		pool:  workerspool.New(),
	}
}

// delayHundredths converts the Delay to the 100ths of a second used by GIF, at least 1.
func (e *GIF) delayHundredths() int {
	return max(1, int(math.Round(float64(e.Delay)/float64(10*time.Millisecond))))
}

// Paletted converts one frame to a paletted image.
func Paletted(size int, frame []byte) (*image.Paletted, error) {
	if len(frame) != size*size*3 {
		return nil, errors.Errorf("frame has %d bytes, expected %d for a %dx%d RGB image", len(frame), size*size*3, size, size)
	}
	rgba := image.NewNRGBA(image.Rect(0, 0, size, size))
	for pixel := range size * size {
		copy(rgba.Pix[4*pixel:4*pixel+3], frame[3*pixel:3*pixel+3])
		rgba.Pix[4*pixel+3] = 0xFF
	}
	paletted := image.NewPaletted(rgba.Bounds(), palette.Plan9)
	draw.FloydSteinberg.Draw(paletted, paletted.Bounds(), rgba, image.Point{})
	return paletted, nil
}

// Encode writes the frames, each a size x size RGB image, as an animated GIF to w.
func (e *GIF) Encode(w io.Writer, size int, frames [][]byte) error {
	if len(frames) == 0 {
		return errors.New("no frames to encode")
	}
	pool := e.pool
	if pool == nil {
		pool = workerspool.New()
	}
	start := time.Now()
	delay := e.delayHundredths()
	out := &gif.GIF{
		Image:     make([]*image.Paletted, len(frames)),
		Delay:     make([]int, len(frames)),
		LoopCount: e.LoopCount,
	}
	err := pool.Run(context.Background(), len(frames), func(idx int) error {
		paletted, err := Paletted(size, frames[idx])
		if err != nil {
			return errors.WithMessagef(err, "frame %d", idx)
		}
		out.Image[idx] = paletted
		out.Delay[idx] = delay
		return nil
	})
	if err != nil {
		return err
	}
	klog.V(1).Infof("quantized %d frames of %dx%d in %s", len(frames), size, size, time.Since(start))
	if err := gif.EncodeAll(w, out); err != nil {
		return errors.Wrap(err, "failed to encode GIF")
	}
	return nil
}

// WriteFile encodes the frames as a GIF playing at fps frames per second, looping forever, to filePath.
func WriteFile(filePath string, size int, frames [][]byte, fps int) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err := NewGIF(fps).Encode(f, size, frames); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing %q", filePath)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", filePath)
	}
	return nil
}
