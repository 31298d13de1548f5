// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vaeloss

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/ctxtest"
	"github.com/stretchr/testify/require"
)

func TestDiagonalGaussianKL(t *testing.T) {
	graphtest.RunTestGraphFn(t, "DiagonalGaussian.KL", func(g *Graph) (inputs, outputs []*Node) {
		// Batch of 2, 2 latent channels (4 moments channels), 1x1 spatial.
		// Example 0: standard normal. Example 1: mean 1, logvar 0 on both channels.
		moments := Const(g, [][][][]float32{
			{{{0}}, {{0}}, {{0}}, {{0}}},
			{{{1}}, {{1}}, {{0}}, {{0}}},
		})
		posterior := NewDiagonalGaussian(moments, false)
		deterministic := NewDiagonalGaussian(moments, true)
		inputs = []*Node{moments}
		outputs = []*Node{
			posterior.KL(false),
			posterior.KL(true),
			deterministic.KL(false),
			posterior.Mode(),
		}
		return
	}, []any{
		[]float32{0, 1},
		[][][][]float32{{{{0}}, {{0}}}, {{{0.5}}, {{0.5}}}},
		[]float32{0, 0},
		[][][][]float32{{{{0}}, {{0}}}, {{{1}}, {{1}}}},
	}, 1e-6)
}

func TestDiagonalGaussianClampAndNLL(t *testing.T) {
	graphtest.RunTestGraphFn(t, "DiagonalGaussian clamp and NLL", func(g *Graph) (inputs, outputs []*Node) {
		moments := Const(g, [][][][]float32{{{{0.5}}, {{100}}}, {{{0}}, {{0}}}})
		posterior := NewDiagonalGaussian(moments, false)
		inputs = []*Node{moments}
		outputs = []*Node{
			posterior.LogVar,
			posterior.NLL(posterior.Mean),
		}
		return
	}, []any{
		[][][][]float32{{{{20}}}, {{{0}}}},
		[]float32{float32(0.5 * (20 + math.Log(2*math.Pi))), float32(0.5 * math.Log(2*math.Pi))},
	}, 1e-4)
}

func TestDiagonalGaussianSample(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "DiagonalGaussian.Sample", func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
		// Very small variance: the sample is the mean.
		mean := Const(g, [][][][]float32{{{{1, 2}}}})
		logVar := MulScalar(OnesLike(mean), -30)
		moments := Concatenate([]*Node{mean, logVar}, 1)
		inputs = []*Node{moments}
		outputs = []*Node{
			NewDiagonalGaussian(moments, false).Sample(ctx),
			NewDiagonalGaussian(moments, true).Sample(ctx),
		}
		return
	}, []any{
		[][][][]float32{{{{1, 2}}}},
		[][][][]float32{{{{1, 2}}}},
	}, 1e-4)
}

func TestNewDiagonalGaussianOddChannels(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	require.Panics(t, func() { NewDiagonalGaussian(Zeros(g, shapes.Make(dtypes.Float32, 2, 3, 4, 4)), false) })
}
