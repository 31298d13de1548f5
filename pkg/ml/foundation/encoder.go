// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package foundation wraps frozen pretrained vision foundation models (MAE, DINOv2 and SigLIP) as feature
// extractors for the alignment loss of the VA-VAE.
//
// The backbone itself (a vision transformer) is behind the Backbone interface: LoadEncoder loads an ONNX export
// from the HuggingFace Hub, and tests use fakes. The Encoder turns the backbone tokens into feature maps shaped
// [batch, featureDim, height/16, width/16], matching a latent with a spatial downsampling of 16.
package foundation

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Backbone is a vision transformer that returns its last hidden state, shaped [batch, tokens, featureDim],
// for images shaped [batch, channels, height, width].
type Backbone interface {
	ImageTokens(ctx *context.Context, images *Node) *Node
}

// TextBackbone is a text transformer that returns one embedding per text, shaped [batch, featureDim],
// for tokens and attention mask shaped [batch, length].
type TextBackbone interface {
	TextEmbeddings(ctx *context.Context, tokens, mask *Node) *Node
}

const (
	// ParamKind is the hyperparameter with the name of the Kind of foundation model. Default is "dinov2".
	ParamKind = "foundation_kind"

	// LatentPatchSize is the spatial downsampling of the feature maps returned by Encoder.EncodeImage.
	LatentPatchSize = 16

	// DINOv2ImageSize is the size images are resized to before being encoded by DINOv2.
	DINOv2ImageSize = 224

	// ImageScope and TextScope are the sub-scopes where the backbones are called.
	ImageScope = "image_backbone"
	TextScope  = "text_backbone"
)

// Encoder extracts frozen features from images (and texts, for SigLIP) with a pretrained backbone.
type Encoder struct {
	kind      Kind
	backbone  Backbone
	text      TextBackbone
	processor *TextProcessor
}

// New creates an Encoder of the given kind over the backbone.
func New(kind Kind, backbone Backbone) (*Encoder, error) {
	if !kind.valid() {
		return nil, errors.Errorf("unsupported foundation model kind %s", kind)
	}
	if backbone == nil {
		return nil, errors.Errorf("foundation encoder %s requires a backbone", kind)
	}
	return &Encoder{kind: kind, backbone: backbone}, nil
}

// NewFromName is like New, but parses the name of the kind with KindString.
func NewFromName(name string, backbone Backbone) (*Encoder, error) {
	kind, err := KindString(name)
	if err != nil {
		return nil, err
	}
	return New(kind, backbone)
}

// WithText sets the text tower and its TextProcessor. Only SigLIP has a text tower.
func (e *Encoder) WithText(text TextBackbone, processor *TextProcessor) (*Encoder, error) {
	if !e.kind.HasText() {
		return nil, errors.Errorf("foundation model %s has no text tower", e.kind)
	}
	if text == nil || processor == nil {
		return nil, errors.New("WithText requires a text backbone and a text processor")
	}
	e.text = text
	e.processor = processor
	return e, nil
}

// Kind returns the kind of the foundation model.
func (e *Encoder) Kind() Kind { return e.kind }

// FeatureDim returns the number of channels of the encoded images.
func (e *Encoder) FeatureDim() int { return e.kind.FeatureDim() }

// HasText returns whether the text tower is set.
func (e *Encoder) HasText() bool { return e.text != nil }

// frozenScope returns the sub-scope ctx for a backbone, with training disabled for g.
func frozenScope(ctx *context.Context, g *Graph, scope string) *context.Context {
	ctx = ctx.In(scope)
	ctx.SetTraining(g, false)
	return ctx
}

// EncodeImage returns the features of images shaped [batch, channels, height, width], as a tensor
// shaped [batch, featureDim, height/16, width/16] with gradients stopped.
//
// For DINOv2 the images are first resized to 224x224 (bilinear) and the 256 patch tokens of 14x14 are reshaped
// to the grid of the original image: this requires (height/16)*(width/16) == 256, as for 256x256 images.
// Height and width must be multiples of 16. It panics if they aren't, or if the tokens can't be reshaped to the grid.
func (e *Encoder) EncodeImage(ctx *context.Context, images *Node) *Node {
	if images.Rank() != 4 {
		exceptions.Panicf("EncodeImage requires images shaped [batch, channels, height, width], got %s", images.Shape())
	}
	g := images.Graph()
	dims := images.Shape().Dimensions
	batchSize, height, width := dims[0], dims[2], dims[3]
	if height%LatentPatchSize != 0 || width%LatentPatchSize != 0 {
		exceptions.Panicf("EncodeImage requires images with height and width multiple of %d, got %s",
			LatentPatchSize, images.Shape())
	}
	gridHeight, gridWidth := height/LatentPatchSize, width/LatentPatchSize

	x := images
	if e.kind == DINOv2 {
		x = Interpolate(x, NoInterpolation, NoInterpolation, DINOv2ImageSize, DINOv2ImageSize).
			Bilinear().
			HalfPixelCenters(true).
			AlignCorner(false).
			Done()
	}
	tokens := e.backbone.ImageTokens(frozenScope(ctx, g, ImageScope), x)
	featureDim := e.kind.FeatureDim()
	if tokens.Rank() != 3 || tokens.Shape().Dimensions[0] != batchSize || tokens.Shape().Dimensions[2] != featureDim {
		exceptions.Panicf("%s backbone returned tokens shaped %s, expected [%d, tokens, %d]",
			e.kind, tokens.Shape(), batchSize, featureDim)
	}
	if e.kind.dropsClassToken() {
		tokens = Slice(tokens, AxisRange(), AxisRangeToEnd(1), AxisRange())
	}
	numTokens := tokens.Shape().Dimensions[1]
	if numTokens != gridHeight*gridWidth {
		exceptions.Panicf("%s: %d patch tokens can't be reshaped to the %dx%d grid of images %s",
			e.kind, numTokens, gridHeight, gridWidth, images.Shape())
	}
	features := Reshape(tokens, batchSize, gridHeight, gridWidth, featureDim)
	features = TransposeAllAxes(features, 0, 3, 1, 2)
	return StopGradient(features)
}

// Tokenize converts the texts to token ids and attention mask, both int64 shaped [len(texts), max length].
func (e *Encoder) Tokenize(texts []string) (tokens, mask *tensors.Tensor, err error) {
	if e.processor == nil {
		return nil, nil, errors.Errorf("foundation model %s has no text tower configured", e.kind)
	}
	return e.processor.Tensors(texts)
}

// EncodeTokens returns the (unnormalized) text embeddings shaped [batch, featureDim], with gradients stopped.
// It panics if the encoder has no text tower.
func (e *Encoder) EncodeTokens(ctx *context.Context, tokens, mask *Node) *Node {
	if e.text == nil {
		exceptions.Panicf("foundation model %s has no text tower configured", e.kind)
	}
	if tokens.Rank() != 2 || !tokens.Shape().Equal(mask.Shape()) {
		exceptions.Panicf("EncodeTokens requires tokens and mask with the same shape [batch, length], got %s and %s",
			tokens.Shape(), mask.Shape())
	}
	g := tokens.Graph()
	embeddings := e.text.TextEmbeddings(frozenScope(ctx, g, TextScope), tokens, mask)
	if embeddings.Rank() != 2 || embeddings.Shape().Dimensions[1] != e.kind.FeatureDim() {
		exceptions.Panicf("%s text backbone returned embeddings shaped %s, expected [%d, %d]",
			e.kind, embeddings.Shape(), tokens.Shape().Dimensions[0], e.kind.FeatureDim())
	}
	return StopGradient(embeddings)
}

// EncodeText tokenizes the texts and returns their embeddings, see EncodeTokens.
func (e *Encoder) EncodeText(ctx *context.Context, g *Graph, texts []string) (*Node, error) {
	if e.processor == nil || e.text == nil {
		return nil, errors.Errorf("foundation model %s has no text tower configured", e.kind)
	}
	tokens, mask, err := e.processor.Process(texts)
	if err != nil {
		return nil, err
	}
	var embeddings *Node
	err = exceptions.TryCatch[error](func() {
		embeddings = e.EncodeTokens(ctx, Const(g, tokens), Const(g, mask))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to encode %d texts", len(texts))
	}
	return embeddings, nil
}
