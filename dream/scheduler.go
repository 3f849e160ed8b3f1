// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dream

import (
	"math"
	"math/rand/v2"
)

// Scheduler selects which extractor level is amplified at each frame.
//
// The animation is split into segments of fps frames (one second). Within a segment the weights move
// linearly from a "previous" one-hot target to a "next" one, so the dream slowly morphs from one kind
// of feature to the other. The first segment starts from all zeros, and after the last segment the
// next target is all zeros.
type Scheduler struct {
	rng         *rand.Rand
	fps         int
	numSegments int
	segment     int
	prev, next  []float64
}

// NewScheduler creates a Scheduler over numLevels levels, for numSegments segments of fps frames.
// It draws the first "next" target from rng.
func NewScheduler(rng *rand.Rand, numLevels, fps, numSegments int) *Scheduler {
	s := &Scheduler{
		rng:         rng,
		fps:         fps,
		numSegments: numSegments,
		prev:        make([]float64, numLevels),
	}
	s.next = s.drawTarget()
	return s
}

// drawTarget returns a one-hot vector at a uniformly random level.
func (s *Scheduler) drawTarget() []float64 {
	target := make([]float64, len(s.prev))
	if len(target) > 0 {
		target[s.rng.IntN(len(target))] = 1
	}
	return target
}

// Segment returns the index of the current segment.
func (s *Scheduler) Segment() int { return s.segment }

// Prev returns a copy of the current segment's starting target.
func (s *Scheduler) Prev() []float64 { return append([]float64(nil), s.prev...) }

// Next returns a copy of the current segment's final target.
func (s *Scheduler) Next() []float64 { return append([]float64(nil), s.next...) }

// Weights returns the level weights for frame frameIdx (in [0, fps)) of the current segment:
// prev + (frameIdx/fps)*(next-prev).
//
// At frameIdx=0 it returns exactly prev. It never reaches next within the segment.
func (s *Scheduler) Weights(frameIdx int) []float64 {
	weights := make([]float64, len(s.prev))
	if frameIdx == 0 {
		copy(weights, s.prev)
		return weights
	}
	alpha := float64(frameIdx) / float64(s.fps)
	for ii, prev := range s.prev {
		weights[ii] = prev + alpha*(s.next[ii]-prev)
	}
	return weights
}

// Advance moves to the next segment: prev becomes the old next, and a new next is drawn, except if
// the segment just finished was the last one, in which case next becomes all zeros.
func (s *Scheduler) Advance() {
	s.prev = s.next
	s.segment++
	if s.segment < s.numSegments {
		s.next = s.drawTarget()
	} else {
		s.next = make([]float64, len(s.prev))
	}
}

// JitterWeights returns a copy of weights where each positive weight w is replaced by a sample of
// Normal(w, jitter) clipped at 0. Zero weights stay zero, and no randomness is consumed for them.
func JitterWeights(rng *rand.Rand, weights []float64, jitter float64) []float64 {
	jittered := make([]float64, len(weights))
	for ii, w := range weights {
		if w > 0 {
			jittered[ii] = max(0, w+rng.NormFloat64()*jitter)
		}
	}
	return jittered
}

// StrengthSchedule returns the dream strength at time t: a triangle peaking at baseStrength for t=0.5,
// and floored at MinStrength at the two ends of the animation.
func StrengthSchedule(t, baseStrength float64) float64 {
	return max(2*baseStrength*(-math.Abs(t-0.5)+0.5), MinStrength)
}

// TimeAxis returns numFrames times in [0, 1], eased with a sigmoid so the camera accelerates at the
// start and decelerates at the end. The first value is 0 and the last is 1.
//
// For numFrames=1 it returns [0].
func TimeAxis(numFrames int) []float64 {
	if numFrames <= 0 {
		return nil
	}
	if numFrames == 1 {
		return []float64{0}
	}
	ts := make([]float64, numFrames)
	for ii := range ts {
		x := -1 + 2*float64(ii)/float64(numFrames-1)
		ts[ii] = 1 / (1 + math.Exp(-TimeAxisSharpness*x))
	}
	low, high := ts[0], ts[numFrames-1]
	for ii := range ts {
		ts[ii] = (ts[ii] - low) / (high - low)
	}
	ts[0], ts[numFrames-1] = 0, 1
	return ts
}
