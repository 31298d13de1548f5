// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package discriminator

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const actNormEpsilon = 1e-6

// ActNorm applies a per-channel affine transformation scale*(x+loc) to x shaped [batch, channels, ...],
// as in Glow (https://arxiv.org/abs/1807.03039).
//
// loc and scale are trainable variables initialized from the first training batch, so that the output
// has zero mean and unit variance per channel: loc=-mean and scale=1/(std+1e-6).
// Until initialized (that is, if it is only used for inference), it is the identity.
func ActNorm(ctx *context.Context, x *Node) *Node {
	if x.Rank() < 2 {
		exceptions.Panicf("ActNorm requires x with rank >= 2 ([batch, channels, ...]), got %s", x.Shape())
	}
	ctx = ctx.In("act_norm")
	g := x.Graph()
	dtype := x.DType()
	channels := x.Shape().Dimensions[1]
	paramDims := make([]int, x.Rank())
	for ii := range paramDims {
		paramDims[ii] = 1
	}
	paramDims[1] = channels
	paramShape := shapes.Make(dtype, paramDims...)

	locVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("loc", paramShape)
	scaleVar := ctx.WithInitializer(initializers.One).VariableWithShape("scale", paramShape)
	initializedVar := ctx.VariableWithValue("initialized", int32(0)).SetTrainable(false)
	loc, scale := locVar.ValueGraph(g), scaleVar.ValueGraph(g)

	if ctx.IsTraining(g) {
		reduceAxes := make([]int, 0, x.Rank()-1)
		for axis := range x.Rank() {
			if axis != 1 {
				reduceAxes = append(reduceAxes, axis)
			}
		}
		count := x.Shape().Size() / channels
		stopped := StopGradient(x)
		mean := ReduceAndKeep(stopped, ReduceMean, reduceAxes...)
		// Unbiased standard deviation.
		variance := DivScalar(ReduceAndKeep(Square(Sub(stopped, mean)), ReduceSum, reduceAxes...), float64(max(count-1, 1)))
		std := Sqrt(variance)

		initialized := GreaterThan(initializedVar.ValueGraph(g), ScalarZero(g, dtypes.Int32))
		initialized = BroadcastToDims(initialized, paramDims...)
		loc = Where(initialized, loc, Neg(mean))
		scale = Where(initialized, scale, Inverse(AddScalar(std, actNormEpsilon)))
		locVar.SetValueGraph(loc)
		scaleVar.SetValueGraph(scale)
		initializedVar.SetValueGraph(OnesLike(initializedVar.ValueGraph(g)))
	}
	return Mul(scale, Add(x, loc))
}
