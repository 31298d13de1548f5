// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package foundation

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/vavae/internal/hubonnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters read by LoadEncoder, to override the defaults of each Kind.
const (
	// ParamRepoID is the HuggingFace repository of the ONNX export. Default is Kind.RepoID.
	ParamRepoID = "foundation_repo"

	// ParamImageFile is the path of the ONNX image model in the repository. Default is Kind.ImageFile.
	ParamImageFile = "foundation_image_file"

	// ParamTextFile is the path of the ONNX text model in the repository. Default is Kind.TextFile.
	ParamTextFile = "foundation_text_file"

	// ParamImageOutput is the name of the image model output with the tokens. Default is "last_hidden_state".
	ParamImageOutput = "foundation_image_output"

	// ParamTextOutput is the name of the text model output with the embeddings. Default is "pooler_output".
	ParamTextOutput = "foundation_text_output"
)

// Names of the ONNX inputs of the text model.
const (
	inputIDsName      = "input_ids"
	attentionMaskName = "attention_mask"
)

// ONNXBackbone implements Backbone and TextBackbone with an ONNX model.
type ONNXBackbone struct {
	model      *onnx.Model
	inputNames []string
	outputName string
}

var (
	_ Backbone     = (*ONNXBackbone)(nil)
	_ TextBackbone = (*ONNXBackbone)(nil)
)

// NewONNXBackbone wraps model, returning the output outputName.
func NewONNXBackbone(model *onnx.Model, outputName string) (*ONNXBackbone, error) {
	inputNames, _ := model.Inputs()
	if len(inputNames) == 0 {
		return nil, errors.New("ONNX backbone model has no inputs")
	}
	outputNames, _ := model.Outputs()
	if !slices.Contains(outputNames, outputName) {
		klog.V(1).Infof("foundation: %q is not a model output (outputs are %q), using it as an intermediary node",
			outputName, outputNames)
	}
	return &ONNXBackbone{model: model, inputNames: inputNames, outputName: outputName}, nil
}

// ImageTokens implements Backbone: the images are fed to the first input of the model.
func (b *ONNXBackbone) ImageTokens(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	return b.model.CallGraph(ctx, g, map[string]*Node{b.inputNames[0]: images}, b.outputName)[0]
}

// TextEmbeddings implements TextBackbone: tokens are fed to "input_ids", and the mask to "attention_mask"
// if the model has such input.
func (b *ONNXBackbone) TextEmbeddings(ctx *context.Context, tokens, mask *Node) *Node {
	if !slices.Contains(b.inputNames, inputIDsName) {
		exceptions.Panicf("ONNX text model has no input %q, inputs are %q", inputIDsName, b.inputNames)
	}
	g := tokens.Graph()
	inputs := map[string]*Node{inputIDsName: tokens}
	if slices.Contains(b.inputNames, attentionMaskName) {
		inputs[attentionMaskName] = mask
	}
	return b.model.CallGraph(ctx, g, inputs, b.outputName)[0]
}

// LoadEncoder downloads the ONNX export of the backbone of the given kind from the HuggingFace Hub, loads its
// (frozen) weights into ctx and returns the Encoder. For SigLIP the text tower and the tokenizer are
// loaded as well.
//
// The repository, files and output names can be overridden with the Param* hyperparameters in ctx.
// The returned Encoder must be called with the same ctx (scope).
func LoadEncoder(ctx *context.Context, kind Kind, opts hubonnx.Options) (*Encoder, error) {
	if !kind.valid() {
		return nil, errors.Errorf("unsupported foundation model kind %s", kind)
	}
	repoID := context.GetParamOr(ctx, ParamRepoID, kind.RepoID())
	imageFile := context.GetParamOr(ctx, ParamImageFile, kind.ImageFile())
	imageModel, err := hubonnx.Load(ctx.In(ImageScope), repoID, imageFile, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %s image backbone", kind)
	}
	imageBackbone, err := NewONNXBackbone(imageModel, context.GetParamOr(ctx, ParamImageOutput, "last_hidden_state"))
	if err != nil {
		return nil, err
	}
	encoder, err := New(kind, imageBackbone)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("foundation: loaded %s image backbone from %s/%s", kind, repoID, imageFile)
	if !kind.HasText() {
		return encoder, nil
	}

	textFile := context.GetParamOr(ctx, ParamTextFile, kind.TextFile())
	textModel, err := hubonnx.Load(ctx.In(TextScope), repoID, textFile, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %s text backbone", kind)
	}
	textBackbone, err := NewONNXBackbone(textModel, context.GetParamOr(ctx, ParamTextOutput, "pooler_output"))
	if err != nil {
		return nil, err
	}
	repo := hub.New(repoID).WithProgressBar(opts.ProgressBar)
	if opts.AuthToken != "" {
		repo = repo.WithAuth(opts.AuthToken)
	}
	tokenizer, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading tokenizer of %s", repoID)
	}
	klog.V(1).Infof("foundation: loaded %s text backbone from %s/%s", kind, repoID, textFile)
	return encoder.WithText(textBackbone, NewHFTextProcessor(tokenizer))
}
