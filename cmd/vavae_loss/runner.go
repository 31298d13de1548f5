// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"image"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/vavae/pkg/ml/discriminator"
	"github.com/gomlx/vavae/pkg/ml/foundation"
	"github.com/gomlx/vavae/pkg/ml/perceptual"
	"github.com/gomlx/vavae/pkg/ml/vaeloss"
	"github.com/pkg/errors"
)

// Scopes of the simulated autoencoder gains.
const (
	decoderScope = "decoder"
	encoderScope = "encoder"
)

// posteriorLogVar is the log-variance of the simulated posterior.
const posteriorLogVar = -2.0

// runConfig holds the inputs of a run, already loaded.
type runConfig struct {
	inputs, reconstructions []image.Image
	size                    int
	blur                    float64
	step                    int64
	discSteps               int
	split                   string

	// encoder enables the alignment loss, and, with captions, the contrastive loss.
	encoder     *foundation.Encoder
	captions    []string
	latentNoise float64
}

// runner evaluates and trains the loss.
//
// There is no autoencoder: reconstructions and latents are simulated, and they are multiplied by
// two scalar variables ("decoder/gain" and "encoder/gain", both 1) that play the role of the last layers
// of the decoder and of the encoder for the adaptive weights.
type runner struct {
	backend                 backends.Backend
	ctx                     *context.Context
	cfg                     runConfig
	loss                    *vaeloss.Loss
	inputs, reconstructions *tensors.Tensor
}

func newRunner(backend backends.Backend, ctx *context.Context, cfg runConfig) (*runner, error) {
	if len(cfg.inputs) == 0 || len(cfg.inputs) != len(cfg.reconstructions) {
		return nil, errors.Errorf("invalid number of images (%d) and reconstructions (%d)",
			len(cfg.inputs), len(cfg.reconstructions))
	}
	if cfg.size%foundation.LatentPatchSize != 0 {
		return nil, errors.Errorf("image size must be a multiple of %d, got %d", foundation.LatentPatchSize, cfg.size)
	}
	if len(cfg.captions) > 0 {
		if cfg.encoder == nil || !cfg.encoder.HasText() {
			return nil, errors.New("captions require a foundation model with a text tower (siglip)")
		}
		if len(cfg.captions) != len(cfg.inputs) {
			return nil, errors.Errorf("got %d captions for %d images", len(cfg.captions), len(cfg.inputs))
		}
	}

	net, err := perceptual.NewConvPyramid(ctx)
	if err != nil {
		return nil, err
	}
	scorer, err := discriminator.New(ctx).Done()
	if err != nil {
		return nil, err
	}
	loss, err := vaeloss.New(ctx).
		Perceptual(perceptual.NewLPIPS(net)).
		Discriminator(scorer).
		Done()
	if err != nil {
		return nil, err
	}
	return &runner{
		backend:         backend,
		ctx:             ctx,
		cfg:             cfg,
		loss:            loss,
		inputs:          imagesToTensor(cfg.inputs),
		reconstructions: imagesToTensor(cfg.reconstructions),
	}, nil
}

// gain returns the value of the scalar variable "<scope>/gain", created with 1 if it doesn't exist.
func gain(ctx *context.Context, g *Graph, scope string) *Node {
	v := ctx.In(scope).Checked(false).VariableWithValue("gain", float32(1)).SetTrainable(false)
	return v.ValueGraph(g)
}

// reconstruct converts the reconstructions to the loss layout, and multiplies them by the decoder and encoder gains.
func reconstruct(ctx *context.Context, reconstructions *Node) (scaled, decoderGain, encoderGain *Node) {
	g := reconstructions.Graph()
	decoderGain = gain(ctx, g, decoderScope)
	encoderGain = gain(ctx, g, encoderScope)
	scaled = Mul(Mul(modelImages(reconstructions), decoderGain), encoderGain)
	return
}

// simulatedPosterior returns a posterior whose mean is the images average-pooled to the latent grid,
// with a fixed log-variance.
func simulatedPosterior(images *Node) *vaeloss.DiagonalGaussian {
	dims := images.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	patch := foundation.LatentPatchSize
	mean := ReduceMean(Reshape(images, batchSize, channels, height/patch, patch, width/patch, patch), 3, 5)
	logVar := AddScalar(ZerosLike(mean), posteriorLogVar)
	return vaeloss.NewDiagonalGaussian(Concatenate([]*Node{mean, logVar}, 1), false)
}

// generatorInputs builds the inputs of the generator step from the images shaped [batch, height, width, 3].
func (r *runner) generatorInputs(ctx *context.Context, inputs, reconstructions *Node) vaeloss.GeneratorInputs {
	g := inputs.Graph()
	inputs = modelImages(inputs)
	reconstructions, decoderGain, encoderGain := reconstruct(ctx, reconstructions)
	in := vaeloss.GeneratorInputs{
		Inputs:           inputs,
		Reconstructions:  reconstructions,
		Posterior:        simulatedPosterior(inputs),
		GlobalStep:       Const(g, r.cfg.step),
		LastLayer:        decoderGain,
		EncoderLastLayer: encoderGain,
		Split:            r.cfg.split,
	}
	if r.cfg.encoder == nil {
		return in
	}

	aux := r.cfg.encoder.EncodeImage(ctx, inputs)
	noise := ctx.RandomNormal(g, aux.Shape())
	latent := Add(Mul(aux, ConvertDType(encoderGain, aux.DType())), MulScalar(noise, r.cfg.latentNoise))
	in.Latent, in.AuxFeature = latent, aux
	if len(r.cfg.captions) > 0 {
		textEmbedding, err := r.cfg.encoder.EncodeText(ctx, g, r.cfg.captions)
		if err != nil {
			panic(errors.WithMessage(err, "encoding captions"))
		}
		in.LatentOrig, in.TextEmbedding = latent, textEmbedding
	}
	return in
}

// discriminatorInputs builds the inputs of the discriminator step from the images shaped [batch, height, width, 3].
func (r *runner) discriminatorInputs(ctx *context.Context, inputs, reconstructions *Node) vaeloss.DiscriminatorInputs {
	g := inputs.Graph()
	reconstructions, _, _ = reconstruct(ctx, reconstructions)
	return vaeloss.DiscriminatorInputs{
		Inputs:          modelImages(inputs),
		Reconstructions: reconstructions,
		GlobalStep:      Const(g, r.cfg.step),
		Split:           r.cfg.split,
	}
}

// evaluate runs both steps, with training disabled, and returns the report with their metrics.
func (r *runner) evaluate() (*Report, error) {
	var genRecord, discRecord *vaeloss.Record
	var results []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		results = context.MustExecOnceN(r.backend, r.ctx, func(ctx *context.Context, inputs, reconstructions *Node) []*Node {
			_, genRecord = r.loss.GeneratorStep(ctx, r.generatorInputs(ctx, inputs, reconstructions))
			_, discRecord = r.loss.DiscriminatorStep(ctx, r.discriminatorInputs(ctx, inputs, reconstructions))
			return append(genRecord.Nodes(), discRecord.Nodes()...)
		}, r.inputs, r.reconstructions)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "evaluating the loss")
	}

	numGen := genRecord.Len()
	genValues, err := genRecord.Values(results[:numGen])
	if err != nil {
		return nil, err
	}
	discValues, err := discRecord.Values(results[numGen:])
	if err != nil {
		return nil, err
	}
	report := &Report{
		Backend:   r.backend.Name(),
		NumImages: len(r.cfg.inputs),
		Size:      r.cfg.size,
		Step:      r.cfg.step,
	}
	report.countVariables(r.ctx.In(vaeloss.DiscriminatorScope))
	report.addSection("Generator", genRecord.Names(), genValues)
	report.addSection("Discriminator", discRecord.Names(), discValues)
	return report, nil
}
