// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vaeloss

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// ErrNoGradientPath is returned by AdaptiveWeight when one of the losses doesn't depend on the activation,
// typically because the activation was computed under StopGradient, or in a different graph.
//
// Outside training this is recoverable: the caller substitutes a zero weight.
var ErrNoGradientPath = errors.New("no gradient path from loss to activation")

// gradNormEpsilon is added to the denominator of the gradient norms ratio.
const gradNormEpsilon = 1e-4

// AdaptiveWeight returns the weight that scales newLoss so that its gradient with respect to activation
// has the same magnitude as the gradient of baseLoss:
//
//	weight = clip(‖∇baseLoss‖ / (‖∇newLoss‖ + 1e-4), 0, clampMax) * targetWeight
//
// The returned weight is a scalar with gradients stopped. Both losses must be scalars.
//
// It returns an error wrapping ErrNoGradientPath if either loss is disconnected from activation, or
// the error raised while building the gradients.
func AdaptiveWeight(baseLoss, newLoss, activation *Node, targetWeight, clampMax float64) (weight *Node, err error) {
	if activation == nil {
		return nil, errors.Wrap(ErrNoGradientPath, "nil activation")
	}
	if !baseLoss.IsScalar() || !newLoss.IsScalar() {
		return nil, errors.Errorf("AdaptiveWeight requires scalar losses, got base=%s and new=%s",
			baseLoss.Shape(), newLoss.Shape())
	}
	if !dependsOn(baseLoss, activation) {
		return nil, errors.Wrapf(ErrNoGradientPath, "base loss (%s)", baseLoss.Shape())
	}
	if !dependsOn(newLoss, activation) {
		return nil, errors.Wrapf(ErrNoGradientPath, "new loss (%s)", newLoss.Shape())
	}
	err = exceptions.TryCatch[error](func() {
		baseGrad := Gradient(baseLoss, activation)[0]
		newGrad := Gradient(newLoss, activation)[0]
		ratio := Div(L2Norm(baseGrad), AddScalar(L2Norm(newGrad), gradNormEpsilon))
		ratio = ClipScalar(ratio, 0, clampMax)
		weight = MulScalar(StopGradient(ratio), targetWeight)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "AdaptiveWeight failed to build gradients")
	}
	return weight, nil
}

// dependsOn reports whether output is reachable from target following the inputs of each node,
// without crossing nodes that stop gradients.
func dependsOn(output, target *Node) bool {
	if output.Graph() != target.Graph() {
		return false
	}
	visited := make(map[*Node]struct{})
	stack := []*Node{output}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			return true
		}
		if _, found := visited[node]; found {
			continue
		}
		visited[node] = struct{}{}
		if node.StopGradient() {
			continue
		}
		stack = append(stack, node.Inputs()...)
	}
	return false
}
