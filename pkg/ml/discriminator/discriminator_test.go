// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package discriminator

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchGANOutputShape(t *testing.T) {
	for _, norm := range []string{"batch", "actnorm", "none"} {
		t.Run(norm, func(t *testing.T) {
			backend := graphtest.BuildTestBackend()
			ctx := context.New()
			ctx.SetParam(ParamChannels, 4)
			ctx.SetParam(ParamNorm, norm)
			d, err := New(ctx).Done()
			require.NoError(t, err)
			assert.Equal(t, 30, d.OutputSize(256))
			assert.Equal(t, 2, d.OutputSize(32))

			scores := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				images := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 2, 3, 32, 32))
				return d.Score(ctx, images)
			})
			require.NoError(t, scores.Shape().CheckDims(2, 1, 2, 2))

			// Bias is used only when not followed by batch normalization.
			biasVar := ctx.GetVariableByScopeAndName("/layer_1/conv", "biases")
			if norm == "batch" {
				assert.Nil(t, biasVar)
			} else {
				assert.NotNil(t, biasVar)
			}
		})
	}
}

func TestPatchGANOutputSize(t *testing.T) {
	d, err := New(context.New()).NumLayers(2).Channels(8).Done()
	require.NoError(t, err)
	// 64 -> 32 -> 16 -> 15 -> 14.
	assert.Equal(t, 14, d.OutputSize(64))
}

func TestConfigErrors(t *testing.T) {
	ctx := context.New()
	_, err := New(ctx).Norm("group").Done()
	require.Error(t, err)
	_, err = New(ctx).NumLayers(0).Done()
	require.Error(t, err)
	_, err = New(ctx).Channels(0).Done()
	require.Error(t, err)
	_, err = New(ctx).InitStddev(-1).Done()
	require.Error(t, err)

	d, err := New(ctx).Norm(" ActNorm ").Done()
	require.NoError(t, err)
	assert.Equal(t, NormAct, d.Norm())
	assert.Equal(t, "Norm(5)", Norm(5).String())
}

func TestActNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	x := [][][][]float32{
		{{{1, 3}}, {{10, 20}}},
		{{{5, 7}}, {{30, 40}}},
	}
	actNormFn := func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return ActNorm(ctx, x)
	}

	// First training call: normalizes per channel, with the unbiased standard deviation.
	got := context.MustExecOnce(backend, ctx, actNormFn, x)
	values := tensors.MustCopyFlatData[float32](got)
	// Layout [batch=2][channels=2][1][2]: channel 0 is values[0:2] and values[4:6].
	channel0 := []float32{values[0], values[1], values[4], values[5]}
	channel1 := []float32{values[2], values[3], values[6], values[7]}
	for _, channel := range [][]float32{channel0, channel1} {
		var mean float32
		for _, v := range channel {
			mean += v
		}
		mean /= float32(len(channel))
		assert.InDelta(t, 0.0, mean, 1e-4)
		var variance float32
		for _, v := range channel {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(len(channel) - 1)
		assert.InDelta(t, 1.0, variance, 1e-3)
	}

	initialized := ctx.GetVariableByScopeAndName("/act_norm", "initialized")
	require.NotNil(t, initialized)
	assert.Equal(t, int32(1), tensors.ToScalar[int32](initialized.MustValue()))
	assert.False(t, initialized.Trainable)

	// Second call, on shifted data: parameters are not re-initialized, so the output is shifted too.
	shifted := make([][][][]float32, len(x))
	for ii := range x {
		shifted[ii] = make([][][]float32, len(x[ii]))
		for jj := range x[ii] {
			shifted[ii][jj] = [][]float32{{x[ii][jj][0][0] + 100, x[ii][jj][0][1] + 100}}
		}
	}
	got2 := context.MustExecOnce(backend, ctx, actNormFn, shifted)
	values2 := tensors.MustCopyFlatData[float32](got2)
	for ii := range values {
		assert.Greater(t, values2[ii], values[ii]+1)
	}
}

func TestActNormIdentityBeforeInit(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	x := [][]float32{{1, 2}, {3, 4}}
	got := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
		return ActNorm(ctx, x)
	}, x)
	assert.Equal(t, x, got.Value())
}
