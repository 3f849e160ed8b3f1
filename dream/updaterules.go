// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dream

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/pkg/errors"
)

// UpdateRule builds the graph of one optimization step on the image being dreamed.
//
// Since the image is a graph input (and not a context variable), the state of the rule is kept in
// accumulators: tensors shaped like the image, zero-initialized at the start of each gradient-ascent
// call, and passed from one step to the next.
type UpdateRule interface {
	// Name of the rule, as registered in KnownUpdateRules.
	Name() string

	// NumAccumulators returns the number of accumulators the rule uses.
	NumAccumulators() int

	// UpdateGraph returns the updated image and accumulators after one step that *decreases* the loss.
	//
	// learningRate and step (1 for the first step) are float scalars.
	UpdateGraph(image, grad, learningRate, step *Node, accumulators []*Node) (updated *Node, newAccumulators []*Node)
}

// KnownUpdateRules maps names to the constructor of each update rule.
var KnownUpdateRules = map[string]func() UpdateRule{
	"sgd":  func() UpdateRule { return SGD() },
	"adam": func() UpdateRule { return Adam() },
}

// NewUpdateRule returns the update rule registered under name.
func NewUpdateRule(name string) (UpdateRule, error) {
	ruleFn, found := KnownUpdateRules[name]
	if !found {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown optimizer %q", name)
	}
	return ruleFn(), nil
}

// SGDRule is plain gradient descent: image -= learningRate * grad.
type SGDRule struct{}

// SGD returns the plain stochastic gradient descent rule.
func SGD() *SGDRule { return &SGDRule{} }

// Name implements UpdateRule.
func (*SGDRule) Name() string { return "sgd" }

// NumAccumulators implements UpdateRule.
func (*SGDRule) NumAccumulators() int { return 0 }

// UpdateGraph implements UpdateRule.
func (*SGDRule) UpdateGraph(image, grad, learningRate, _ *Node, _ []*Node) (*Node, []*Node) {
	return Sub(image, Mul(learningRate, grad)), nil
}

// AdamRule implements the Adam update with bias correction. Its two accumulators are the first and
// second moments of the gradient.
type AdamRule struct {
	beta1, beta2, epsilon float64
}

// Adam returns the Adam rule with the usual hyperparameters: beta1=0.9, beta2=0.999 and epsilon=1e-8.
func Adam() *AdamRule {
	return &AdamRule{beta1: 0.9, beta2: 0.999, epsilon: 1e-8}
}

// Betas sets the exponential decay rates of the first and second moments.
func (r *AdamRule) Betas(beta1, beta2 float64) *AdamRule {
	r.beta1, r.beta2 = beta1, beta2
	return r
}

// Epsilon sets the small constant added to the denominator of the update.
func (r *AdamRule) Epsilon(epsilon float64) *AdamRule {
	r.epsilon = epsilon
	return r
}

// Name implements UpdateRule.
func (*AdamRule) Name() string { return "adam" }

// NumAccumulators implements UpdateRule.
func (*AdamRule) NumAccumulators() int { return 2 }

// UpdateGraph implements UpdateRule.
func (r *AdamRule) UpdateGraph(image, grad, learningRate, step *Node, accumulators []*Node) (*Node, []*Node) {
	g := image.Graph()
	dtype := image.DType()
	firstMoment, secondMoment := accumulators[0], accumulators[1]
	firstMoment = Add(MulScalar(firstMoment, r.beta1), MulScalar(grad, 1-r.beta1))
	secondMoment = Add(MulScalar(secondMoment, r.beta2), MulScalar(Square(grad), 1-r.beta2))

	// Bias correction: 1 - beta^step.
	step = ConvertDType(step, dtype)
	correction1 := OneMinus(Pow(Scalar(g, dtype, r.beta1), step))
	correction2 := OneMinus(Pow(Scalar(g, dtype, r.beta2), step))
	debiasedFirst := Div(firstMoment, correction1)
	debiasedSecond := Div(secondMoment, correction2)

	delta := Div(debiasedFirst, AddScalar(Sqrt(debiasedSecond), r.epsilon))
	updated := Sub(image, Mul(learningRate, delta))
	return updated, []*Node{firstMoment, secondMoment}
}
