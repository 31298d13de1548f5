// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package perceptual implements perceptual distances between images, used as part of the reconstruction loss
// of autoencoders.
//
// LPIPS (https://arxiv.org/abs/1801.03924) compares normalized activations of a fixed feature network
// (a FeatureNet) at several depths. Two feature networks are provided: ConvPyramid, a VGG-like
// convolutional pyramid with frozen weights, and ONNXFeatures, which taps intermediate outputs of an
// ONNX model (e.g. a pretrained VGG16) loaded with package hubonnx.
package perceptual

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// Metric is a perceptual distance between two batches of images.
type Metric interface {
	// Distance between images a and b, both shaped [batch, channels, height, width] with values in [-1, 1].
	// It returns one distance per example, shaped [batch, 1, 1, 1].
	Distance(ctx *context.Context, a, b *Node) *Node
}

// FeatureNet extracts feature maps at several depths.
type FeatureNet interface {
	// Features of the images shaped [batch, channels, height, width] with values in [-1, 1].
	// It returns one feature map per depth, each shaped [batch, channels_i, height_i, width_i].
	// The number of feature maps must not depend on the images.
	Features(ctx *context.Context, images *Node) []*Node
}

// Input scaling of LPIPS, per RGB channel: images are mapped to (x-shift)/scale.
var (
	scalingShift = []float32{-0.030, -0.088, -0.188}
	scalingScale = []float32{0.458, 0.448, 0.450}
)

const normEpsilon = 1e-10

// NetScope is the sub-scope of the context used by LPIPS for the variables of its FeatureNet.
// The FeatureNet always runs with training disabled.
const NetScope = "net"

// LPIPS is the "Learned Perceptual Image Patch Similarity" Metric.
//
// For each feature map the activations are unit normalized along the channels, the squared difference is
// weighted per channel by a fixed "lin" layer and averaged spatially. The distance is the sum over the
// feature maps.
type LPIPS struct {
	net        FeatureNet
	useScaling bool
}

var _ Metric = (*LPIPS)(nil)

// NewLPIPS creates an LPIPS metric over the features of net.
func NewLPIPS(net FeatureNet) *LPIPS {
	return &LPIPS{net: net, useScaling: true}
}

// WithScaling sets whether RGB images are shifted and scaled to the statistics expected by the feature
// network. Default is true. It is ignored for images that don't have 3 channels.
func (l *LPIPS) WithScaling(useScaling bool) *LPIPS {
	l.useScaling = useScaling
	return l
}

// scale maps the images to the input range of the feature network.
func (l *LPIPS) scale(images *Node) *Node {
	if !l.useScaling || images.Shape().Dimensions[1] != len(scalingShift) {
		return images
	}
	g := images.Graph()
	dtype := images.DType()
	shift := ConvertDType(Const(g, scalingShift), dtype)
	scale := ConvertDType(Const(g, scalingScale), dtype)
	shift = Reshape(shift, 1, len(scalingShift), 1, 1)
	scale = Reshape(scale, 1, len(scalingScale), 1, 1)
	return Div(Sub(images, shift), scale)
}

// normalizeChannels divides the feature map by its L2 norm along the channels axis.
func normalizeChannels(x *Node) *Node {
	norm := Sqrt(ReduceAndKeep(Square(x), ReduceSum, 1))
	return Div(x, AddScalar(norm, normEpsilon))
}

// linWeights returns the per-channel weights of the feature map layer, shaped [1, channels, 1, 1].
// They are not trainable and start at 1, which sums the channels: load calibrated weights into the
// variable "lin_<layer>/weights" to use the calibrated metric.
func linWeights(ctx *context.Context, layer, channels int, dtype dtypes.DType) *context.Variable {
	linCtx := ctx.In(fmt.Sprintf("lin_%d", layer)).WithInitializer(initializers.One)
	v := linCtx.VariableWithShape("weights", shapes.Make(dtype, 1, channels, 1, 1))
	v.SetTrainable(false)
	return v
}

// Distance implements Metric.
func (l *LPIPS) Distance(ctx *context.Context, a, b *Node) *Node {
	if a.Rank() != 4 || !a.Shape().Equal(b.Shape()) {
		exceptions.Panicf("LPIPS.Distance requires two images with the same shape [batch, channels, height, width], "+
			"got %s and %s", a.Shape(), b.Shape())
	}
	g := a.Graph()
	netCtx := ctx.In(NetScope)
	netCtx.SetTraining(g, false)
	featuresA := l.net.Features(netCtx, l.scale(a))
	featuresB := l.net.Features(netCtx, l.scale(b))
	if len(featuresA) == 0 || len(featuresA) != len(featuresB) {
		exceptions.Panicf("LPIPS.Distance: feature network returned %d and %d feature maps",
			len(featuresA), len(featuresB))
	}

	var distance *Node
	for layer := range featuresA {
		fa, fb := featuresA[layer], featuresB[layer]
		if fa.Rank() != 4 {
			exceptions.Panicf("LPIPS.Distance: feature map #%d must be shaped [batch, channels, height, width], got %s",
				layer, fa.Shape())
		}
		diff := Square(Sub(normalizeChannels(fa), normalizeChannels(fb)))
		weights := linWeights(ctx, layer, fa.Shape().Dimensions[1], fa.DType()).ValueGraph(g)
		weighted := ReduceAndKeep(Mul(diff, weights), ReduceSum, 1)
		layerDistance := ReduceAndKeep(weighted, ReduceMean, 2, 3)
		if distance == nil {
			distance = layerDistance
		} else {
			distance = Add(distance, ConvertDType(layerDistance, distance.DType()))
		}
	}
	return ConvertDType(distance, a.DType())
}
