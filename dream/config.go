// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dream

import (
	"fmt"
	"image"
	"maps"
	"math"
	"slices"

	"github.com/gomlx/haloopinate/frames"
	"github.com/pkg/errors"
)

// MinImageSize is the smallest side accepted for the base image.
const MinImageSize = 224

// Tuned constants of the frame generation.
const (
	// ContinuityZoom is the zoom applied to the previous frame before it is refined into the next one.
	ContinuityZoom = 1.03

	// ReanchorFrameWeight is the weight of the evolved previous frame when mixed with the camera
	// frame of the base image. The camera frame gets the remaining 1-ReanchorFrameWeight.
	ReanchorFrameWeight = 0.3

	// PyramidScale is the size ratio between consecutive pyramid levels.
	PyramidScale = 1.5

	// RampFraction sets the loop ramps length to ceil(fps/RampFraction) frames.
	RampFraction = 3

	// TimeAxisSharpness is the slope of the sigmoid easing the camera path.
	TimeAxisSharpness = 7.0

	// MinStrength is the floor of StrengthSchedule.
	MinStrength = 0.0001
)

// Config holds the parameters of one generation.
type Config struct {
	// Duration of the animation in seconds (before the loop padding).
	Duration int

	// FPS is the number of frames per second.
	FPS int

	// Iterations of gradient ascent per pyramid level per frame.
	Iterations int

	// Optimizer is the name of the update rule, see KnownUpdateRules.
	Optimizer string

	// LearningRate of the update rule.
	LearningRate float64

	// PyramidHeight is the number of resolutions each frame is refined at.
	PyramidHeight int

	// Jitter is the standard deviation of the noise added to the non-zero activation weights.
	Jitter float64

	// Strength in (0, 1]: peak strength of the dream, 1 disables the fidelity to the base image.
	Strength float64

	// Coherence is the weight of the penalty on how much each optimization drifts from its starting image.
	Coherence float64

	// Blend in [0, 1] is the weight of the previous frame in the final temporal cross-blend.
	Blend float64

	// ReturnBase skips the optimization and outputs only the camera path over the base image.
	ReturnBase bool

	// Verbose enables logging of progress. It has no effect on the output.
	Verbose bool

	// Seed for the random number generator used for the activation schedule and jitter.
	Seed uint64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Duration:      6,
		FPS:           24,
		Iterations:    10,
		Optimizer:     "adam",
		LearningRate:  0.1,
		PyramidHeight: 3,
		Jitter:        0.1,
		Strength:      0.1,
		Coherence:     1.0,
		Blend:         0.85,
		Seed:          42,
	}
}

// NumFrames is the number of frames generated by Dreamer.Dream: Duration*FPS.
func (c *Config) NumFrames() int {
	return c.Duration * c.FPS
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("duration=%ds, fps=%d, iterations=%d, optimizer=%s, lr=%g, pyramid_height=%d, "+
		"jitter=%g, strength=%g, coherence=%g, blend=%g, return_base=%v, seed=%d",
		c.Duration, c.FPS, c.Iterations, c.Optimizer, c.LearningRate, c.PyramidHeight,
		c.Jitter, c.Strength, c.Coherence, c.Blend, c.ReturnBase, c.Seed)
}

// Validate returns an error wrapping ErrInvalidConfig if any of the parameters is out of range.
//
// Optimization parameters are only checked if ReturnBase is false.
func (c *Config) Validate() error {
	if c.Duration <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "duration must be > 0, got %d", c.Duration)
	}
	if c.FPS <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "fps must be > 0, got %d", c.FPS)
	}
	if c.Blend < 0 || c.Blend > 1 || math.IsNaN(c.Blend) {
		return errors.Wrapf(ErrInvalidConfig, "blend must be in [0, 1], got %g", c.Blend)
	}
	if c.PyramidHeight < 1 {
		return errors.Wrapf(ErrInvalidConfig, "pyramid_height must be >= 1, got %d", c.PyramidHeight)
	}
	if c.ReturnBase {
		return nil
	}
	if _, found := KnownUpdateRules[c.Optimizer]; !found {
		known := slices.Sorted(maps.Keys(KnownUpdateRules))
		return errors.Wrapf(ErrInvalidConfig, "unknown optimizer %q, valid values are %v", c.Optimizer, known)
	}
	params := AscentParams{
		Iterations:   c.Iterations,
		Rule:         c.Optimizer,
		LearningRate: c.LearningRate,
		Jitter:       c.Jitter,
		Strength:     c.Strength,
		Coherence:    c.Coherence,
	}
	return params.Validate()
}

// ValidateBase returns an error wrapping ErrInvalidInput if img can't be used as a base image.
func ValidateBase(img *frames.Image) error {
	if err := img.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidInput, "%v", err)
	}
	if img.Size < MinImageSize {
		return errors.Wrapf(ErrInvalidInput, "image side must be at least %d pixels, got %d", MinImageSize, img.Size)
	}
	for ii, v := range img.Pix {
		if !(v >= 0 && v <= 1) {
			return errors.Wrapf(ErrInvalidInput, "pixel values must be in [0, 1], got %g at offset %d", v, ii)
		}
	}
	return nil
}

// BaseFromImage converts a decoded image to a validated base image. Any error wraps ErrInvalidInput.
func BaseFromImage(img image.Image) (*frames.Image, error) {
	base, err := frames.FromImage(img)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidInput, "%v", err)
	}
	if err := ValidateBase(base); err != nil {
		return nil, err
	}
	return base, nil
}
