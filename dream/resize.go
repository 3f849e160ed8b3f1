// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dream

import (
	"math"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/haloopinate/frames"
	"github.com/pkg/errors"
)

// resizer scales images in float precision with an anti-aliased bilinear (triangle) filter, used
// between pyramid levels and for the continuity zoom.
//
// Unlike frames.Resize, it doesn't quantize the values to 8 bits, which would erase the small updates
// of the optimizer.
type resizer struct {
	backend backends.Backend

	mu    sync.Mutex
	execs map[int]*Exec
}

func newResizer(backend backends.Backend) *resizer {
	return &resizer{backend: backend, execs: make(map[int]*Exec)}
}

// resizeWeights returns the [outSize][inSize] matrix that resizes one axis with a triangle filter.
//
// When downscaling, the filter support is widened by the scale factor, so every input pixel
// contributes to the output. Each row sums to 1.
func resizeWeights(inSize, outSize int) [][]float32 {
	scale := float64(inSize) / float64(outSize)
	support := max(scale, 1)
	weights := make([][]float32, outSize)
	for ii := range outSize {
		row := make([]float32, inSize)
		center := (float64(ii) + 0.5) * scale
		from := max(int(math.Floor(center-support)), 0)
		to := min(int(math.Ceil(center+support)), inSize)
		var sum float64
		for jj := from; jj < to; jj++ {
			w := max(1-math.Abs((float64(jj)+0.5-center)/support), 0)
			row[jj] = float32(w)
			sum += w
		}
		if sum > 0 {
			for jj := from; jj < to; jj++ {
				row[jj] = float32(float64(row[jj]) / sum)
			}
		} else {
			row[min(int(center), inSize-1)] = 1
		}
		weights[ii] = row
	}
	return weights
}

// exec returns the executor resizing to size x size, creating it if needed.
func (r *resizer) exec(size int) *Exec {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.execs[size]
	if !found {
		e = NewExec(r.backend, func(image *Node) *Node {
			g := image.Graph()
			inSize := image.Shape().Dimensions[0]
			weights := Const(g, resizeWeights(inSize, size))
			// Rows first, then columns: image is [height, width, channels].
			rows := Einsum("oh,hwc->owc", weights, image)
			cols := Einsum("pw,woc->poc", weights, Transpose(rows, 0, 1))
			return Transpose(cols, 0, 1)
		}).SetMaxCache(-1)
		r.execs[size] = e
	}
	return e
}

// Resize returns img scaled to size x size. If it already has that size, a copy is returned.
func (r *resizer) Resize(img *frames.Image, size int) (*frames.Image, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid resize target %d", size)
	}
	if img.Size == size {
		return img.Clone(), nil
	}
	var resized *frames.Image
	err := exceptions.TryCatch[error](func() {
		input := img.Tensor()
		defer input.FinalizeAll()
		output := r.exec(size).Call(input)[0]
		defer output.FinalizeAll()
		var err error
		resized, err = frames.FromTensor(output)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to resize image from %d to %d", img.Size, size)
	}
	return resized, nil
}
