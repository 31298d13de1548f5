// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package discriminator implements the image discriminator used by the adversarial loss of the autoencoder:
// a PatchGAN, that scores overlapping patches of the image as real (positive) or fake (negative).
package discriminator

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scorer scores images shaped [batch, channels, height, width] (channels first), returning a score map
// shaped [batch, 1, height', width'], one logit per patch.
//
// Scorer implementations create their variables in ctx, and are called more than once per graph
// (for real and for fake images), so ctx is usually not checked for reuse.
type Scorer interface {
	Score(ctx *context.Context, images *Node) *Node
}

// Hyperparameters read from the context by New.
const (
	// ParamNumLayers is the number of stride-2 convolutions. Default is 3.
	ParamNumLayers = "disc_num_layers"

	// ParamChannels is the number of channels of the first convolution, doubled at each layer up to 8x. Default is 64.
	ParamChannels = "disc_channels"

	// ParamNorm is the normalization used between convolutions: "batch" (default), "actnorm" or "none".
	ParamNorm = "disc_norm"

	// ParamInitStddev is the standard deviation of the normal initialization of the convolutions. Default is 0.02.
	ParamInitStddev = "disc_init_stddev"
)

// Norm is the normalization used between the convolutions of the PatchGAN.
type Norm int

const (
	NormBatch Norm = iota
	NormAct
	NormNone
)

var normNames = []string{"batch", "actnorm", "none"}

// String implements fmt.Stringer.
func (n Norm) String() string {
	if n < 0 || int(n) >= len(normNames) {
		return fmt.Sprintf("Norm(%d)", int(n))
	}
	return normNames[n]
}

// NormString parses a normalization name, case-insensitive.
func NormString(name string) (Norm, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for ii, normName := range normNames {
		if normName == lower {
			return Norm(ii), nil
		}
	}
	return 0, errors.Errorf("unknown discriminator normalization %q, valid values are %q", name, normNames)
}

const (
	kernelSize    = 4
	leakyAlpha    = 0.2
	maxMultiplier = 8
)

// Config for a PatchGAN, see New.
type Config struct {
	numLayers, channels int
	norm                string
	initStddev          float64
}

// New creates a configuration for a PatchGAN discriminator, with defaults read from the context
// hyperparameters (see Param* constants). Call Config.Done to create it.
func New(ctx *context.Context) *Config {
	return &Config{
		numLayers:  context.GetParamOr(ctx, ParamNumLayers, 3),
		channels:   context.GetParamOr(ctx, ParamChannels, 64),
		norm:       context.GetParamOr(ctx, ParamNorm, NormBatch.String()),
		initStddev: context.GetParamOr(ctx, ParamInitStddev, 0.02),
	}
}

// NumLayers sets the number of stride-2 convolutions.
func (c *Config) NumLayers(numLayers int) *Config {
	c.numLayers = numLayers
	return c
}

// Channels sets the number of channels of the first convolution.
func (c *Config) Channels(channels int) *Config {
	c.channels = channels
	return c
}

// Norm sets the normalization by name: "batch", "actnorm" or "none".
func (c *Config) Norm(norm string) *Config {
	c.norm = norm
	return c
}

// InitStddev sets the standard deviation of the initialization of the convolution kernels.
// If 0 the context default initializer is used.
func (c *Config) InitStddev(stddev float64) *Config {
	c.initStddev = stddev
	return c
}

// Done validates the configuration and returns the PatchGAN.
func (c *Config) Done() (*PatchGAN, error) {
	norm, err := NormString(c.norm)
	if err != nil {
		return nil, err
	}
	if c.numLayers < 1 {
		return nil, errors.Errorf("discriminator requires at least 1 layer, got %s=%d", ParamNumLayers, c.numLayers)
	}
	if c.channels < 1 {
		return nil, errors.Errorf("discriminator requires at least 1 channel, got %s=%d", ParamChannels, c.channels)
	}
	if c.initStddev < 0 {
		return nil, errors.Errorf("discriminator %s must be >= 0, got %g", ParamInitStddev, c.initStddev)
	}
	klog.V(1).Infof("discriminator: PatchGAN with %d layers, %d channels, norm=%s", c.numLayers, c.channels, norm)
	return &PatchGAN{numLayers: c.numLayers, channels: c.channels, norm: norm, initStddev: c.initStddev}, nil
}

// PatchGAN is the N-layer convolutional discriminator of pix2pix: 4x4 convolutions with LeakyReLU(0.2),
// halving the spatial dimensions numLayers times while the channels grow up to 8x, followed by two stride-1
// convolutions, the last one with a single output channel.
//
// For a 256x256 input and 3 layers the output is a 30x30 map of logits.
type PatchGAN struct {
	numLayers, channels int
	norm                Norm
	initStddev          float64
}

var _ Scorer = (*PatchGAN)(nil)

// Norm returns the normalization used between convolutions.
func (d *PatchGAN) Norm() Norm { return d.norm }

// OutputSize returns the spatial size of the score map for an input of the given size.
func (d *PatchGAN) OutputSize(size int) int {
	for range d.numLayers {
		size = (size+2-kernelSize)/2 + 1
	}
	// Two stride-1 convolutions each remove one position.
	return size - 2
}

// pad adds one zero on both sides of the spatial axes of x (channels first).
func pad(x *Node) *Node {
	g := x.Graph()
	spatial := backends.PadAxis{Start: 1, End: 1}
	return Pad(x, ScalarZero(g, x.DType()), backends.PadAxis{}, backends.PadAxis{}, spatial, spatial)
}

// conv applies a 4x4 convolution with padding 1.
func (d *PatchGAN) conv(ctx *context.Context, x *Node, channels, stride int, useBias bool) *Node {
	if d.initStddev > 0 {
		ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, d.initStddev))
	}
	return layers.Convolution(ctx, pad(x)).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(stride).
		NoPadding().
		ChannelsAxis(images.ChannelsFirst).
		UseBias(useBias).
		Done()
}

// normalize applies the configured normalization over the channels axis.
func (d *PatchGAN) normalize(ctx *context.Context, x *Node) *Node {
	switch d.norm {
	case NormBatch:
		return batchnorm.New(ctx, x, 1).Momentum(0.9).Epsilon(1e-5).Done()
	case NormAct:
		return ActNorm(ctx, x)
	}
	return x
}

// Score implements Scorer.
func (d *PatchGAN) Score(ctx *context.Context, x *Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("PatchGAN requires images shaped [batch, channels, height, width], got %s", x.Shape())
	}
	useBias := d.norm != NormBatch

	layer := 0
	nextCtx := func() *context.Context {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", layer))
		layer++
		return layerCtx
	}

	layerCtx := nextCtx()
	x = d.conv(layerCtx, x, d.channels, 2, true)
	x = activations.LeakyReluWithAlpha(x, leakyAlpha)

	var multiplier int
	for n := 1; n < d.numLayers; n++ {
		multiplier = min(1<<n, maxMultiplier)
		layerCtx = nextCtx()
		x = d.conv(layerCtx, x, d.channels*multiplier, 2, useBias)
		x = d.normalize(layerCtx, x)
		x = activations.LeakyReluWithAlpha(x, leakyAlpha)
	}

	multiplier = min(1<<d.numLayers, maxMultiplier)
	layerCtx = nextCtx()
	x = d.conv(layerCtx, x, d.channels*multiplier, 1, useBias)
	x = d.normalize(layerCtx, x)
	x = activations.LeakyReluWithAlpha(x, leakyAlpha)

	layerCtx = nextCtx()
	return d.conv(layerCtx, x, 1, 1, true)
}
