// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/vavae/internal/hubonnx"
	"github.com/pkg/errors"
)

// ONNXFeatures is a FeatureNet backed by an ONNX model: the feature maps are intermediate outputs of the model,
// selected by name.
type ONNXFeatures struct {
	model       *onnx.Model
	inputName   string
	outputNames []string
}

var _ FeatureNet = (*ONNXFeatures)(nil)

// NewONNXFeatures creates a FeatureNet from model, fed through inputName, that returns the nodes outputNames.
//
// The model variables must have been loaded (see hubonnx.LoadFile) in the same scope of the context later passed
// to Features.
func NewONNXFeatures(model *onnx.Model, inputName string, outputNames ...string) (*ONNXFeatures, error) {
	if model == nil {
		return nil, errors.New("NewONNXFeatures requires a model")
	}
	if len(outputNames) == 0 {
		return nil, errors.New("NewONNXFeatures requires at least one output name")
	}
	inputNames, _ := model.Inputs()
	found := false
	for _, name := range inputNames {
		if name == inputName {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("ONNX model has no input named %q, inputs are %q", inputName, inputNames)
	}
	return &ONNXFeatures{model: model, inputName: inputName, outputNames: outputNames}, nil
}

// LoadONNXFeatures downloads the ONNX model from the HuggingFace repository, loads its variables into ctx and
// returns the FeatureNet. ctx must be the same (scope) later passed to Features.
func LoadONNXFeatures(ctx *context.Context, repoID, file string, opts hubonnx.Options, inputName string,
	outputNames ...string) (*ONNXFeatures, error) {
	model, err := hubonnx.Load(ctx, repoID, file, opts)
	if err != nil {
		return nil, err
	}
	return NewONNXFeatures(model, inputName, outputNames...)
}

// Features implements FeatureNet.
func (f *ONNXFeatures) Features(ctx *context.Context, images *Node) []*Node {
	g := images.Graph()
	outputs := f.model.CallGraph(ctx, g, map[string]*Node{f.inputName: images}, f.outputNames...)
	if len(outputs) != len(f.outputNames) {
		exceptions.Panicf("ONNXFeatures: model returned %d outputs, expected %d (%q)",
			len(outputs), len(f.outputNames), f.outputNames)
	}
	return outputs
}
