// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package extractor defines the differentiable feature extractor whose activations are amplified by
// the dream optimizer, and implements it with GoMLX's pretrained InceptionV3.
//
// A FeatureExtractor maps a batch of images to an ordered list of activation levels, at increasing depth
// and decreasing spatial resolution. Its weights are never updated: they are loaded once and shared
// read-only by every generation, see Default.
package extractor

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// FeatureExtractor is the interface the dream optimizer uses to compute activations.
type FeatureExtractor interface {
	// NumLevels returns the number of activation levels returned by BuildGraph.
	NumLevels() int

	// MinImageSize is the smallest image side accepted by BuildGraph.
	MinImageSize() int

	// Context holding the extractor's variables. Graphs executing BuildGraph must be created with it.
	Context() *context.Context

	// BuildGraph returns the activation levels for image, shaped [batchSize, height, width, 3] with values
	// in [0, 1]. It must be differentiable with respect to image.
	BuildGraph(ctx *context.Context, image *Node) []*Node
}
