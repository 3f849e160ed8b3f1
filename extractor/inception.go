// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/models/inceptionv3"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultLayers are the InceptionV3 convolutions whose outputs are used as activation levels.
// They go from low-level textures (early layers) to object parts (last layers).
var DefaultLayers = []int{10, 30, 60, 93}

// NumConvolutions is the number of convolutions in InceptionV3, each one with an aliased output.
const NumConvolutions = 94

// InceptionV3 implements FeatureExtractor with the pretrained InceptionV3 model (Keras weights).
type InceptionV3 struct {
	dataDir string
	layers  []int
	ctx     *context.Context
}

var _ FeatureExtractor = (*InceptionV3)(nil)

// NewInceptionV3 downloads the InceptionV3 weights to dataDir (only if they are not there yet) and returns
// an extractor using the outputs of the given convolution layers. If no layers are given, DefaultLayers
// is used.
//
// Variables are created lazily, on the first graph built: see Default for a warmed-up shared instance.
func NewInceptionV3(dataDir string, layers ...int) (*InceptionV3, error) {
	if len(layers) == 0 {
		layers = DefaultLayers
	}
	for _, layer := range layers {
		if layer < 0 || layer >= NumConvolutions {
			return nil, errors.Errorf("invalid InceptionV3 layer %d, valid values are 0 to %d", layer, NumConvolutions-1)
		}
	}
	if err := inceptionv3.DownloadAndUnpackWeights(dataDir); err != nil {
		return nil, errors.WithMessagef(err, "failed to download InceptionV3 weights to %q", dataDir)
	}
	return &InceptionV3{
		dataDir: dataDir,
		layers:  append([]int(nil), layers...),
		ctx:     context.New(),
	}, nil
}

// NumLevels implements FeatureExtractor.
func (m *InceptionV3) NumLevels() int { return len(m.layers) }

// MinImageSize implements FeatureExtractor.
func (m *InceptionV3) MinImageSize() int { return inceptionv3.MinimumImageSize }

// Context implements FeatureExtractor.
func (m *InceptionV3) Context() *context.Context { return m.ctx.Checked(false) }

// LayerAlias returns the graph alias of the output of the given convolution layer.
func LayerAlias(layer int) string {
	return fmt.Sprintf("/inceptionV3/conv_%03d/output", layer)
}

// BuildGraph implements FeatureExtractor.
//
// The image values are rescaled to [-1, 1], the range the Keras weights were trained with.
func (m *InceptionV3) BuildGraph(ctx *context.Context, image *Node) []*Node {
	g := image.Graph()
	if image.Rank() != 4 {
		exceptions.Panicf("InceptionV3 extractor expects images shaped [batch, height, width, 3], got %s", image.Shape())
	}
	x := inceptionv3.PreprocessImage(image, 1.0, images.ChannelsLast)
	_ = inceptionv3.BuildGraph(ctx, x).
		PreTrained(m.dataDir).
		ClassificationTop(false).
		ChannelsAxis(images.ChannelsLast).
		Trainable(false).
		WithAliases(true).
		Done()
	activations := make([]*Node, len(m.layers))
	for ii, layer := range m.layers {
		node := g.GetNodeByAlias(LayerAlias(layer))
		if node == nil {
			exceptions.Panicf("InceptionV3 graph has no node aliased %q", LayerAlias(layer))
		}
		activations[ii] = node
	}
	return activations
}

// warmUp builds and executes the model once, so all variables are loaded into the context.
// After that, the context is only read.
func (m *InceptionV3) warmUp(backend backends.Backend) error {
	return exceptions.TryCatch[error](func() {
		size := m.MinImageSize()
		exec := context.NewExec(backend, m.Context(), func(ctx *context.Context, g *Graph) []*Node {
			image := Zeros(g, shapes.Make(dtypes.Float32, 1, size, size, 3))
			return m.BuildGraph(ctx, image)
		})
		for _, t := range exec.Call() {
			t.FinalizeAll()
		}
	})
}

var (
	defaultMu       sync.Mutex
	defaultInstance *InceptionV3
)

// Default returns the process-wide InceptionV3 extractor with DefaultLayers, creating it on the first call:
// weights are downloaded to dataDir if needed and loaded.
//
// The returned extractor is immutable and safe to share across concurrent generations.
// dataDir is only used on the first successful call.
func Default(backend backends.Backend, dataDir string) (*InceptionV3, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultInstance != nil {
		return defaultInstance, nil
	}
	m, err := NewInceptionV3(dataDir)
	if err != nil {
		return nil, err
	}
	if err := m.warmUp(backend); err != nil {
		return nil, errors.WithMessage(err, "failed to load InceptionV3 weights")
	}
	klog.V(1).Infof("InceptionV3 feature extractor loaded from %q, %d variables, levels %v",
		dataDir, m.ctx.NumVariables(), m.layers)
	defaultInstance = m
	return m, nil
}
