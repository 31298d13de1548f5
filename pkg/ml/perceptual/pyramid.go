// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/vavae/internal/hubonnx"
	"github.com/pkg/errors"
)

const (
	// ParamChannels is a comma-separated list with the number of channels of each stage of the ConvPyramid.
	// Default is "64,128,256,512,512", the stages of VGG16.
	ParamChannels = "lpips_channels"

	// ParamConvsPerStage is the number of 3x3 convolutions per stage of the ConvPyramid. Default is 2.
	ParamConvsPerStage = "lpips_convs_per_stage"
)

// DefaultChannels are the channels of the stages of VGG16.
var DefaultChannels = []int{64, 128, 256, 512, 512}

// ConvPyramid is a FeatureNet made of stages of 3x3 convolutions followed by a ReLU, with a 2x2 max-pooling
// between stages. The output of each stage is one feature map.
//
// Its variables are frozen: they keep their initial (random) values unless loaded from a checkpoint.
// Random convolutional features already make a reasonable perceptual metric.
type ConvPyramid struct {
	channels      []int
	convsPerStage int
}

var _ FeatureNet = (*ConvPyramid)(nil)

// NewConvPyramid creates a ConvPyramid configured from the hyperparameters in ctx (see ParamChannels and
// ParamConvsPerStage).
func NewConvPyramid(ctx *context.Context) (*ConvPyramid, error) {
	channels, err := ParseChannels(context.GetParamOr(ctx, ParamChannels, ""))
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	convsPerStage := context.GetParamOr(ctx, ParamConvsPerStage, 2)
	if convsPerStage < 1 {
		return nil, errors.Errorf("%s must be >= 1, got %d", ParamConvsPerStage, convsPerStage)
	}
	return &ConvPyramid{channels: channels, convsPerStage: convsPerStage}, nil
}

// ParseChannels parses a comma-separated list of positive integers. An empty string returns nil.
func ParseChannels(list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	parts := strings.Split(list, ",")
	channels := make([]int, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid channels list %q", list)
		}
		if value < 1 {
			return nil, errors.Errorf("invalid channels list %q: values must be positive", list)
		}
		channels = append(channels, value)
	}
	return channels, nil
}

// Channels returns the channels of each stage.
func (p *ConvPyramid) Channels() []int {
	return append([]int(nil), p.channels...)
}

// Features implements FeatureNet.
func (p *ConvPyramid) Features(ctx *context.Context, x *Node) []*Node {
	if x.Rank() != 4 {
		exceptions.Panicf("ConvPyramid requires images shaped [batch, channels, height, width], got %s", x.Shape())
	}
	features := make([]*Node, 0, len(p.channels))
	for stage, channels := range p.channels {
		if stage > 0 {
			x = MaxPool(x).ChannelsAxis(images.ChannelsFirst).Window(2).NoPadding().Done()
		}
		for conv := range p.convsPerStage {
			convCtx := ctx.In(fmt.Sprintf("stage_%d", stage)).In(fmt.Sprintf("conv_%d", conv))
			x = layers.Convolution(convCtx, x).
				Channels(channels).
				KernelSize(3).
				PadSame().
				ChannelsAxis(images.ChannelsFirst).
				Done()
			x = activations.Relu(x)
		}
		features = append(features, x)
	}
	hubonnx.Freeze(ctx)
	return features
}
