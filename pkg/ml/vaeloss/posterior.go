// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vaeloss

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Posterior is the latent distribution of one batch, as produced by the encoder of the VAE.
type Posterior interface {
	// KL returns the divergence to the standard normal prior.
	//
	// If noSum is false it is summed per example, shaped [batch].
	// If noSum is true it is returned per element, with the shape of the latent.
	KL(noSum bool) *Node
}

// DiagonalGaussian is a Posterior parametrized by a mean and a log-variance per latent element.
type DiagonalGaussian struct {
	Mean, LogVar  *Node
	deterministic bool
}

// Log-variance clamping range.
const (
	minLogVar = -30.0
	maxLogVar = 20.0
)

var _ Posterior = (*DiagonalGaussian)(nil)

// NewDiagonalGaussian splits moments shaped [batch, 2*channels, height, width] along the channels axis
// into mean and log-variance. The log-variance is clamped to [-30, 20].
//
// If deterministic is true the distribution collapses to its mean: Sample returns the mean, and KL is zero.
func NewDiagonalGaussian(moments *Node, deterministic bool) *DiagonalGaussian {
	if moments.Rank() < 2 || moments.Shape().Dimensions[1]%2 != 0 {
		exceptions.Panicf("NewDiagonalGaussian requires moments with an even number of channels on axis 1, got %s",
			moments.Shape())
	}
	channels := moments.Shape().Dimensions[1] / 2
	mean := Slice(moments, AxisRange(), AxisRange(0, channels))
	logVar := Slice(moments, AxisRange(), AxisRange(channels, 2*channels))
	return &DiagonalGaussian{
		Mean:          mean,
		LogVar:        ClipScalar(logVar, minLogVar, maxLogVar),
		deterministic: deterministic,
	}
}

// Std returns the standard deviation, exp(0.5*LogVar).
func (d *DiagonalGaussian) Std() *Node {
	if d.deterministic {
		return ZerosLike(d.Mean)
	}
	return Exp(MulScalar(d.LogVar, 0.5))
}

// Sample draws a latent with the reparametrization trick: Mean + Std*ε, ε ~ N(0, 1).
func (d *DiagonalGaussian) Sample(ctx *context.Context) *Node {
	if d.deterministic {
		return d.Mean
	}
	noise := ctx.RandomNormal(d.Mean.Graph(), d.Mean.Shape())
	return Add(d.Mean, Mul(d.Std(), noise))
}

// Mode returns the mean.
func (d *DiagonalGaussian) Mode() *Node {
	return d.Mean
}

// sumAxes returns all axes but the batch axis.
func sumAxes(x *Node) []int {
	axes := make([]int, 0, x.Rank()-1)
	for axis := 1; axis < x.Rank(); axis++ {
		axes = append(axes, axis)
	}
	return axes
}

// KL implements Posterior: 0.5 * (Mean² + Var - 1 - LogVar).
func (d *DiagonalGaussian) KL(noSum bool) *Node {
	var kl *Node
	if d.deterministic {
		kl = ZerosLike(d.Mean)
	} else {
		kl = Sub(Add(Square(d.Mean), Exp(d.LogVar)), OnePlus(d.LogVar))
		kl = MulScalar(kl, 0.5)
	}
	if noSum {
		return kl
	}
	return ReduceSum(kl, sumAxes(kl)...)
}

// NLL returns the negative log-likelihood of sample under the distribution, summed per example.
func (d *DiagonalGaussian) NLL(sample *Node) *Node {
	if d.deterministic {
		return ZerosLike(ReduceSum(d.Mean, sumAxes(d.Mean)...))
	}
	logTwoPi := math.Log(2 * math.Pi)
	nll := Add(AddScalar(d.LogVar, logTwoPi), Div(Square(Sub(sample, d.Mean)), Exp(d.LogVar)))
	nll = MulScalar(nll, 0.5)
	return ReduceSum(nll, sumAxes(nll)...)
}
