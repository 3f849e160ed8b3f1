// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dream

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/haloopinate/extractor"
	"github.com/gomlx/haloopinate/frames"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AscentParams are the parameters of one gradient-ascent call.
type AscentParams struct {
	// Iterations is the number of optimization steps. 0 returns the (clamped) input image.
	Iterations int

	// Rule is the name of the update rule, see KnownUpdateRules.
	Rule string

	LearningRate float64

	// Jitter is the standard deviation of the noise drawn once per call for each positive level weight.
	Jitter float64

	// Strength in (0, 1]: the fidelity to the base image is weighted by 1/Strength - 1.
	Strength float64

	// Coherence weights the penalty on the drift from the starting image.
	Coherence float64
}

// Validate returns an error wrapping ErrInvalidConfig if any of the parameters is out of range.
func (p AscentParams) Validate() error {
	if p.Iterations < 0 {
		return errors.Wrapf(ErrInvalidConfig, "iterations must be >= 0, got %d", p.Iterations)
	}
	if _, found := KnownUpdateRules[p.Rule]; !found {
		return errors.Wrapf(ErrInvalidConfig, "unknown optimizer %q", p.Rule)
	}
	if !(p.LearningRate > 0) || math.IsInf(p.LearningRate, 0) {
		return errors.Wrapf(ErrInvalidConfig, "learning rate must be > 0, got %g", p.LearningRate)
	}
	if !(p.Jitter >= 0) {
		return errors.Wrapf(ErrInvalidConfig, "jitter must be >= 0, got %g", p.Jitter)
	}
	if !(p.Strength > 0 && p.Strength <= 1) {
		return errors.Wrapf(ErrInvalidConfig, "strength must be in (0, 1], got %g", p.Strength)
	}
	if !(p.Coherence >= 0) {
		return errors.Wrapf(ErrInvalidConfig, "coherence must be >= 0, got %g", p.Coherence)
	}
	return nil
}

// Optimizer runs gradient ascent of the activations of a FeatureExtractor over an image.
//
// One step (loss, gradient and update) is one compiled graph execution. The compiled graphs are cached
// per update rule (and, by the executor, per image size), so an Optimizer should be reused across
// frames. It is safe for concurrent use.
type Optimizer struct {
	backend   backends.Backend
	extractor extractor.FeatureExtractor

	mu    sync.Mutex
	execs map[string]*context.Exec
}

// NewOptimizer creates an Optimizer for the given extractor.
func NewOptimizer(backend backends.Backend, fe extractor.FeatureExtractor) *Optimizer {
	return &Optimizer{
		backend:   backend,
		extractor: fe,
		execs:     make(map[string]*context.Exec),
	}
}

// ascentState is the working image and the update rule accumulators of one Ascend call.
type ascentState struct {
	image        *tensors.Tensor
	accumulators []*tensors.Tensor
}

func newAscentState(image *frames.Image, rule UpdateRule) *ascentState {
	state := &ascentState{image: image.Tensor()}
	for range rule.NumAccumulators() {
		state.accumulators = append(state.accumulators,
			tensors.FromFlatDataAndDimensions(make([]float32, len(image.Pix)), image.Size, image.Size, frames.NumChannels))
	}
	return state
}

// update replaces the state by the outputs of a step, and frees the previous tensors.
func (s *ascentState) update(image *tensors.Tensor, accumulators []*tensors.Tensor) {
	s.image.FinalizeAll()
	s.image = image
	for ii, acc := range s.accumulators {
		acc.FinalizeAll()
		s.accumulators[ii] = accumulators[ii]
	}
}

func (s *ascentState) finalize() {
	s.image.FinalizeAll()
	for _, acc := range s.accumulators {
		acc.FinalizeAll()
	}
}

// Number of fixed inputs and outputs of the step graph, before the accumulators.
const (
	numStepInputs  = 8
	numStepOutputs = 3
)

// lossGraph returns -energy + coherence*displacement + fidelity*deviation, where energy is the sum
// over levels of mean((weight[level]*activation[level])^2).
func (o *Optimizer) lossGraph(ctx *context.Context, image, start, base, weights, coherence, fidelity *Node) *Node {
	dtype := image.DType()
	displacement := ReduceAllMean(Square(Sub(image, start)))
	deviation := ReduceAllMean(Square(Sub(image, base)))

	activations := o.extractor.BuildGraph(ctx, InsertAxes(image, 0))
	if len(activations) != o.extractor.NumLevels() {
		exceptions.Panicf("extractor returned %d activation levels, expected %d", len(activations), o.extractor.NumLevels())
	}
	energy := ScalarZero(image.Graph(), dtype)
	for level, activation := range activations {
		if activation.DType() != dtype {
			activation = ConvertDType(activation, dtype)
		}
		weight := ReduceAllSum(Slice(weights, AxisElem(level)))
		energy = Add(energy, ReduceAllMean(Square(Mul(activation, weight))))
	}
	return Add(Neg(energy), Add(Mul(coherence, displacement), Mul(fidelity, deviation)))
}

// stepExec returns the executor of one optimization step with the given rule.
//
// Inputs: image, start, base, weights, learningRate, coherence, fidelity, step and the accumulators.
// Outputs: the clamped updated image, the loss, the sum of the unclamped updated image (to detect
// non-finite values) and the new accumulators.
func (o *Optimizer) stepExec(rule UpdateRule) *context.Exec {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, found := o.execs[rule.Name()]; found {
		return e
	}
	e := context.NewExec(o.backend, o.extractor.Context(), func(ctx *context.Context, inputs []*Node) []*Node {
		image, start, base, weights := inputs[0], inputs[1], inputs[2], inputs[3]
		learningRate, coherence, fidelity, step := inputs[4], inputs[5], inputs[6], inputs[7]
		loss := o.lossGraph(ctx, image, start, base, weights, coherence, fidelity)
		grad := Gradient(loss, image)[0]
		updated, accumulators := rule.UpdateGraph(image, grad, learningRate, step, inputs[numStepInputs:])
		checksum := ReduceAllSum(updated)
		updated = ClipScalar(updated, 0, 1)
		return append([]*Node{updated, loss, checksum}, accumulators...)
	})
	// One graph is compiled per image size, and a server sees an unbounded number of sizes.
	e.SetMaxCache(-1)
	o.execs[rule.Name()] = e
	return e
}

// Ascend runs params.Iterations steps of gradient ascent on the activations of image, weighted per
// level by weights, and returns the new image with values in [0, 1].
//
// base is the image the result should stay close to (fidelity term). The jitter of the weights is
// drawn from rng once, before the first step. The input images are not modified.
//
// It returns an error wrapping ErrNumericDivergence if a step produces NaN or infinite values.
func (o *Optimizer) Ascend(rng *rand.Rand, image, base *frames.Image, weights []float64, params AscentParams) (*frames.Image, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if image.Size != base.Size {
		return nil, errors.Errorf("image (size %d) and base (size %d) must have the same size", image.Size, base.Size)
	}
	if len(weights) != o.extractor.NumLevels() {
		return nil, errors.Errorf("got %d level weights, the extractor has %d levels", len(weights), o.extractor.NumLevels())
	}
	if image.Size < o.extractor.MinImageSize() {
		return nil, errors.Wrapf(ErrInvalidConfig, "image size %d is smaller than the extractor minimum %d",
			image.Size, o.extractor.MinImageSize())
	}
	if params.Iterations == 0 {
		return frames.Clamp(image), nil
	}
	rule, err := NewUpdateRule(params.Rule)
	if err != nil {
		return nil, err
	}

	jittered := JitterWeights(rng, weights, params.Jitter)
	weights32 := make([]float32, len(jittered))
	for ii, w := range jittered {
		weights32[ii] = float32(w)
	}
	fidelity := 1/params.Strength - 1

	exec := o.stepExec(rule)
	state := newAscentState(image, rule)
	defer state.finalize()
	start, baseT := image.Tensor(), base.Tensor()
	defer start.FinalizeAll()
	defer baseT.FinalizeAll()
	weightsT := tensors.FromValue(weights32)
	defer weightsT.FinalizeAll()

	var divergedAt int
	err = exceptions.TryCatch[error](func() {
		for step := 1; step <= params.Iterations; step++ {
			args := []any{state.image, start, baseT, weightsT,
				float32(params.LearningRate), float32(params.Coherence), float32(fidelity), float32(step)}
			for _, acc := range state.accumulators {
				args = append(args, acc)
			}
			outputs := exec.Call(args...)
			loss, checksum := tensors.ToScalar[float32](outputs[1]), tensors.ToScalar[float32](outputs[2])
			outputs[1].FinalizeAll()
			outputs[2].FinalizeAll()
			state.update(outputs[0], outputs[numStepOutputs:])
			if isNonFinite(checksum) || isNonFinite(loss) {
				divergedAt = step
				return
			}
			if klog.V(2).Enabled() {
				klog.Infof("ascent step %d/%d (size %d): loss=%g", step, params.Iterations, image.Size, loss)
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "gradient ascent on image of size %d failed", image.Size)
	}
	if divergedAt > 0 {
		return nil, errors.Wrapf(ErrNumericDivergence, "non-finite values at step %d of %d (image size %d, rule %s, lr=%g)",
			divergedAt, params.Iterations, image.Size, params.Rule, params.LearningRate)
	}
	return frames.FromTensor(state.image)
}

func isNonFinite(v float32) bool {
	return math32.IsNaN(v) || math32.IsInf(v, 0)
}
