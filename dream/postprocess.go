// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dream

import (
	"github.com/gomlx/haloopinate/frames"
	"github.com/pkg/errors"
)

// RampLength is the number of frames of each of the ramps of the loop: ceil(fps/RampFraction).
func RampLength(fps int) int {
	return (fps + RampFraction - 1) / RampFraction
}

// rampWeights returns n weights evenly spaced from 0 to 1. For n=1 it returns [0].
func rampWeights(n int) []float64 {
	weights := make([]float64, n)
	for ii := 1; ii < n; ii++ {
		weights[ii] = float64(ii) / float64(n-1)
	}
	return weights
}

// LoopPad closes the loop of a dream sequence: it adds a ramp from base into the first frame, a ramp
// from the last frame back to base, and base itself at the end.
//
// The result has 2*RampLength(fps) + len(sequence) + 1 frames, and the first and last ones are
// copies of base.
func LoopPad(sequence []*frames.Image, base *frames.Image, fps int) ([]*frames.Image, error) {
	if len(sequence) == 0 {
		return nil, errors.New("can't loop an empty sequence")
	}
	if fps <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "fps must be > 0, got %d", fps)
	}
	numRamp := RampLength(fps)
	weights := rampWeights(numRamp)
	first, last := sequence[0], sequence[len(sequence)-1]
	padded := make([]*frames.Image, 0, 2*numRamp+len(sequence)+1)
	for _, w := range weights {
		frame, err := frames.Lerp(base, first, w)
		if err != nil {
			return nil, errors.WithMessage(err, "ramp into the dream")
		}
		padded = append(padded, frame)
	}
	padded = append(padded, sequence...)
	for ii := range weights {
		frame, err := frames.Lerp(base, last, weights[numRamp-1-ii])
		if err != nil {
			return nil, errors.WithMessage(err, "ramp out of the dream")
		}
		padded = append(padded, frame)
	}
	padded = append(padded, base.Clone())
	return padded, nil
}

// CrossBlend mixes each frame with the previous one, cyclically (the first frame is mixed with the last):
// frame[k] becomes blend*frame[k-1] + (1-blend)*frame[k], using the values before the blending.
func CrossBlend(sequence []*frames.Image, blend float64) ([]*frames.Image, error) {
	if blend < 0 || blend > 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "blend must be in [0, 1], got %g", blend)
	}
	numFrames := len(sequence)
	blended := make([]*frames.Image, numFrames)
	for k, frame := range sequence {
		prev := sequence[(k-1+numFrames)%numFrames]
		var err error
		blended[k], err = frames.Mix(prev, blend, frame, 1-blend)
		if err != nil {
			return nil, errors.WithMessagef(err, "blending frame %d", k)
		}
	}
	return blended, nil
}

// PostProcess closes the loop of the dream sequence (LoopPad), smooths it over time (CrossBlend) and
// converts the frames to bytes (see frames.Image.Bytes).
func PostProcess(sequence []*frames.Image, base *frames.Image, fps int, blend float64) ([][]byte, error) {
	padded, err := LoopPad(sequence, base, fps)
	if err != nil {
		return nil, err
	}
	blended, err := CrossBlend(padded, blend)
	if err != nil {
		return nil, err
	}
	output := make([][]byte, len(blended))
	for ii, frame := range blended {
		output[ii] = frame.Bytes()
	}
	return output, nil
}
