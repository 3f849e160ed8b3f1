// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dream

import (
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/haloopinate/extractor"
	"github.com/gomlx/haloopinate/frames"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// fakeExtractor has two levels: the image itself and a scaled, centered version of it.
type fakeExtractor struct {
	ctx     *context.Context
	minSize int
}

var _ extractor.FeatureExtractor = (*fakeExtractor)(nil)

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{ctx: context.New(), minSize: 8}
}

func (f *fakeExtractor) NumLevels() int            { return 2 }
func (f *fakeExtractor) MinImageSize() int         { return f.minSize }
func (f *fakeExtractor) Context() *context.Context { return f.ctx }
func (f *fakeExtractor) BuildGraph(_ *context.Context, image *Node) []*Node {
	return []*Node{image, MulScalar(AddScalar(image, -0.5), 2)}
}

// divergentExtractor's activations are infinite for black pixels.
type divergentExtractor struct{ fakeExtractor }

func (f *divergentExtractor) BuildGraph(_ *context.Context, image *Node) []*Node {
	return []*Node{Log(image), image}
}

func testImage(size int, offset float32) *frames.Image {
	img := frames.New(size)
	for ii := range img.Pix {
		img.Pix[ii] = offset + float32(ii%17)/34
	}
	return img
}

func TestUpdateRules(t *testing.T) {
	graphtest.RunTestGraphFn(t, "SGD", func(g *Graph) (inputs, outputs []*Node) {
		image := Const(g, []float32{1, 0.5})
		grad := Const(g, []float32{2, -1})
		lr := Const(g, float32(0.25))
		updated, accumulators := SGD().UpdateGraph(image, grad, lr, Const(g, float32(1)), nil)
		require.Empty(t, accumulators)
		return []*Node{image, grad}, []*Node{updated}
	}, []any{[]float32{0.5, 0.75}}, 1e-6)

	graphtest.RunTestGraphFn(t, "Adam first step", func(g *Graph) (inputs, outputs []*Node) {
		image := Const(g, []float32{1, 0.5})
		grad := Const(g, []float32{2, -1})
		lr := Const(g, float32(0.1))
		zeros := ZerosLike(image)
		updated, accumulators := Adam().UpdateGraph(image, grad, lr, Const(g, float32(1)), []*Node{zeros, zeros})
		require.Len(t, accumulators, 2)
		// After bias correction the first step is lr*sign(grad).
		return []*Node{image, grad}, []*Node{updated, accumulators[0], accumulators[1]}
	}, []any{
		[]float32{0.9, 0.6},
		[]float32{0.2, -0.1},
		[]float32{0.004, 0.001},
	}, 1e-5)

	_, err := NewUpdateRule("rmsprop")
	require.ErrorIs(t, err, ErrInvalidConfig)
	for name := range KnownUpdateRules {
		rule, err := NewUpdateRule(name)
		require.NoError(t, err)
		assert.Equal(t, name, rule.Name())
	}
}

func TestAscentParamsValidate(t *testing.T) {
	valid := AscentParams{Iterations: 3, Rule: "adam", LearningRate: 0.1, Jitter: 0.1, Strength: 0.5, Coherence: 1}
	require.NoError(t, valid.Validate())
	for name, modify := range map[string]func(p *AscentParams){
		"negative iterations": func(p *AscentParams) { p.Iterations = -1 },
		"unknown rule":        func(p *AscentParams) { p.Rule = "adagrad" },
		"zero learning rate":  func(p *AscentParams) { p.LearningRate = 0 },
		"negative jitter":     func(p *AscentParams) { p.Jitter = -0.1 },
		"zero strength":       func(p *AscentParams) { p.Strength = 0 },
		"strength above 1":    func(p *AscentParams) { p.Strength = 1.01 },
		"negative coherence":  func(p *AscentParams) { p.Coherence = -1 },
	} {
		p := valid
		modify(&p)
		assert.ErrorIs(t, p.Validate(), ErrInvalidConfig, name)
	}
}

func TestAscendZeroIterations(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	opt := NewOptimizer(backend, newFakeExtractor())
	rng := rand.New(rand.NewPCG(0, 0))
	params := AscentParams{Iterations: 0, Rule: "sgd", LearningRate: 0.1, Jitter: 0, Strength: 1, Coherence: 0}

	// Uniform image with a degenerate loss: the output is identical to the input.
	uniform := frames.NewFilled(MinImageSize, 0.25)
	output, err := opt.Ascend(rng, uniform, uniform, []float64{1, 0}, params)
	require.NoError(t, err)
	assert.True(t, output.Equal(uniform))
	assert.NotSame(t, uniform, output)

	// Values out of range are clamped.
	image := testImage(16, -0.25)
	output, err = opt.Ascend(rng, image, image, []float64{1, 0}, params)
	require.NoError(t, err)
	assert.True(t, output.Equal(frames.Clamp(image)))
}

func TestAscend(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	opt := NewOptimizer(backend, newFakeExtractor())
	image := testImage(16, 0.1)
	original := image.Clone()
	base := frames.NewFilled(16, 0.5)

	for _, rule := range []string{"sgd", "adam"} {
		for _, iterations := range []int{1, 5} {
			rng := rand.New(rand.NewPCG(1, 1))
			params := AscentParams{Iterations: iterations, Rule: rule, LearningRate: 0.5, Jitter: 0.1, Strength: 0.5, Coherence: 0.1}
			output, err := opt.Ascend(rng, image, base, []float64{0.5, 1}, params)
			require.NoErrorf(t, err, "rule=%s, iterations=%d", rule, iterations)
			require.Equal(t, image.Size, output.Size)
			for _, v := range output.Pix {
				require.GreaterOrEqual(t, v, float32(0))
				require.LessOrEqual(t, v, float32(1))
			}
			assert.False(t, output.Equal(image), "rule=%s, iterations=%d should have changed the image", rule, iterations)
			require.True(t, image.Equal(original), "input image must not be modified")
		}
	}

	// Same seed, same result.
	params := AscentParams{Iterations: 3, Rule: "adam", LearningRate: 0.1, Jitter: 0.5, Strength: 0.2, Coherence: 1}
	out1, err := opt.Ascend(rand.New(rand.NewPCG(5, 5)), image, base, []float64{0.3, 0.7}, params)
	require.NoError(t, err)
	out2, err := opt.Ascend(rand.New(rand.NewPCG(5, 5)), image, base, []float64{0.3, 0.7}, params)
	require.NoError(t, err)
	assert.True(t, out1.InDelta(out2, 1e-6))

	// Mismatched inputs.
	_, err = opt.Ascend(rand.New(rand.NewPCG(0, 0)), image, frames.New(32), []float64{0, 1}, params)
	require.Error(t, err)
	_, err = opt.Ascend(rand.New(rand.NewPCG(0, 0)), image, base, []float64{1}, params)
	require.Error(t, err)
	_, err = opt.Ascend(rand.New(rand.NewPCG(0, 0)), frames.New(4), frames.New(4), []float64{0, 1}, params)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAscendManyImageSizes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	opt := NewOptimizer(backend, newFakeExtractor())
	params := AscentParams{Iterations: 1, Rule: "sgd", LearningRate: 0.1, Strength: 1}
	// More distinct sizes than the default limit of compiled graphs per executor.
	for size := 8; size < 8+40; size++ {
		image := testImage(size, 0.1)
		output, err := opt.Ascend(rand.New(rand.NewPCG(0, 0)), image, image, []float64{1, 0}, params)
		require.NoErrorf(t, err, "size=%d", size)
		require.Equal(t, size, output.Size)
	}
}

func TestAscendNumericDivergence(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	opt := NewOptimizer(backend, &divergentExtractor{*newFakeExtractor()})
	black := frames.New(16)
	params := AscentParams{Iterations: 3, Rule: "sgd", LearningRate: 0.1, Strength: 1}
	_, err := opt.Ascend(rand.New(rand.NewPCG(0, 0)), black, black, []float64{1, 0}, params)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNumericDivergence), "got error %+v", err)
}
