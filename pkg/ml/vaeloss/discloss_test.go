// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vaeloss

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHingeDLoss(t *testing.T) {
	graphtest.RunTestGraphFn(t, "HingeDLoss", func(g *Graph) (inputs, outputs []*Node) {
		confidentReal := Const(g, [][]float32{{2, 3}})
		confidentFake := Const(g, [][]float32{{-2, -5}})
		undecided := Const(g, [][]float32{{0, 0}})
		inputs = []*Node{confidentReal, confidentFake, undecided}
		outputs = []*Node{
			HingeDLoss(confidentReal, confidentFake),
			HingeDLoss(undecided, undecided),
			DiscLossHinge.Apply(undecided, undecided),
		}
		return
	}, []any{
		float32(0),
		float32(1),
		float32(1),
	}, 1e-6)
}

func TestVanillaDLoss(t *testing.T) {
	graphtest.RunTestGraphFn(t, "VanillaDLoss", func(g *Graph) (inputs, outputs []*Node) {
		undecided := Const(g, [][]float32{{0, 0, 0}})
		confidentReal := Const(g, [][]float32{{30}})
		confidentFake := Const(g, [][]float32{{-30}})
		inputs = []*Node{undecided}
		outputs = []*Node{
			VanillaDLoss(undecided, undecided),
			DiscLossVanilla.Apply(confidentReal, confidentFake),
		}
		return
	}, []any{
		float32(math.Ln2),
		float32(0),
	}, 1e-4)
}

func TestAdoptWeight(t *testing.T) {
	graphtest.RunTestGraphFn(t, "AdoptWeight", func(g *Graph) (inputs, outputs []*Node) {
		before := Const(g, int64(4))
		at := Const(g, int64(5))
		after := Const(g, int32(6))
		inputs = []*Node{before, at, after}
		outputs = []*Node{
			AdoptWeight(before, dtypes.Float32, 0.7, 5),
			AdoptWeight(at, dtypes.Float32, 0.7, 5),
			AdoptWeight(after, dtypes.Float64, 0.7, 5),
		}
		return
	}, []any{
		float32(0),
		float32(0.7),
		0.7,
	}, 1e-6)
}

func TestDiscLossKindString(t *testing.T) {
	kind, err := DiscLossKindString("Hinge")
	require.NoError(t, err)
	assert.Equal(t, DiscLossHinge, kind)

	kind, err = DiscLossKindString(" VANILLA ")
	require.NoError(t, err)
	assert.Equal(t, DiscLossVanilla, kind)
	assert.Equal(t, "vanilla", kind.String())

	_, err = DiscLossKindString("wgan")
	require.Error(t, err)
	assert.Equal(t, "DiscLossKind(7)", DiscLossKind(7).String())
}
