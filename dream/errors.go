// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dream

import "github.com/pkg/errors"

// Errors returned by the package are wrapped around one of these, use errors.Is to test for them.
var (
	// ErrInvalidInput is returned when the base image is not square or is smaller than MinImageSize.
	ErrInvalidInput = errors.New("invalid input image")

	// ErrInvalidConfig is returned for out-of-range configuration values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNumericDivergence is returned when an optimization step produces NaN or infinite values.
	ErrNumericDivergence = errors.New("numeric divergence during gradient ascent")
)
