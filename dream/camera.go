// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dream

import (
	"fmt"
	"math"

	"github.com/gomlx/haloopinate/frames"
	"github.com/pkg/errors"
)

// CameraParams is a point on the camera path.
type CameraParams struct {
	// Zoom factor, always >= 1 along the path.
	Zoom float64

	// Angle of rotation in degrees, counter-clockwise.
	Angle float64
}

// String implements fmt.Stringer.
func (p CameraParams) String() string {
	return fmt.Sprintf("(zoom=%.4f, angle=%.2f°)", p.Zoom, p.Angle)
}

// ZoomSchedule returns the zoom for the given rotation angle in degrees: a downward parabola on the
// angle in radians that is exactly 1 at 0° and 360°, and peaks at 180°.
func ZoomSchedule(angle float64) float64 {
	rad := angle / 180 * math.Pi
	return -0.16*rad*(rad-2*math.Pi) + 1
}

// CameraPath returns the camera parameters at time t in [0, 1]: one full turn over the animation.
func CameraPath(t float64) CameraParams {
	angle := 360 * t
	return CameraParams{Zoom: ZoomSchedule(angle), Angle: angle}
}

// CameraTransform renders base as seen by the camera at time t: scaled by the zoom, rotated by the
// angle and center-cropped back to the base size.
//
// base is not modified.
func CameraTransform(base *frames.Image, t float64) (*frames.Image, CameraParams, error) {
	params := CameraPath(t)
	zoomed, err := frames.Zoom(base, params.Zoom)
	if err != nil {
		return nil, params, errors.WithMessagef(err, "camera transform at t=%g", t)
	}
	rotated := frames.Rotate(zoomed, params.Angle)
	transformed, err := frames.CenterCrop(rotated, base.Size)
	if err != nil {
		return nil, params, errors.WithMessagef(err, "camera transform at t=%g", t)
	}
	return transformed, params, nil
}
