// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vaeloss implements the training loss of a vision foundation model aligned VAE (VA-VAE):
// L1 reconstruction plus perceptual distance, KL regularization, a PatchGAN adversarial loss with warm-up,
// the alignment ("vf") loss against the features of a frozen pretrained encoder, and an optional
// image-text contrastive loss.
//
// The adversarial, alignment and contrastive terms are balanced against the reconstruction term with
// AdaptiveWeight, the ratio of the norms of their gradients with respect to a shared activation
// (usually the weights of the last layer of the decoder or of the encoder).
//
// Create a Loss with New(ctx).Done(), and call Loss.GeneratorStep to train the autoencoder and
// Loss.DiscriminatorStep to train the discriminator.
package vaeloss

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/vavae/pkg/ml/discriminator"
	"github.com/gomlx/vavae/pkg/ml/perceptual"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config holds the configuration of the loss, see New.
type Config struct {
	klWeight, pixelWeight, perceptualWeight, logVarInit float64

	discStart                int64
	discFactor, discWeight   float64
	discLoss                 string
	discConditional, ppStyle bool

	vfWeight   float64
	adaptiveVF bool
	alignment  AlignmentConfig

	perceptual perceptual.Metric
	scorer     discriminator.Scorer
}

// New creates a configuration for the loss, with the defaults taken from the hyperparameters in ctx
// (see the Param* constants). The configuration can be further changed with its setters, and
// finally call Config.Done to create the Loss.
//
// The perceptual metric and the discriminator must be set with Config.Perceptual and Config.Discriminator.
func New(ctx *context.Context) *Config {
	return &Config{
		klWeight:         context.GetParamOr(ctx, ParamKLWeight, 1e-6),
		pixelWeight:      context.GetParamOr(ctx, ParamPixelWeight, 1.0),
		perceptualWeight: context.GetParamOr(ctx, ParamPerceptualWeight, 1.0),
		logVarInit:       context.GetParamOr(ctx, ParamLogVarInit, 0.0),
		discStart:        int64(context.GetParamOr(ctx, ParamDiscStart, 50001)),
		discFactor:       context.GetParamOr(ctx, ParamDiscFactor, 1.0),
		discWeight:       context.GetParamOr(ctx, ParamDiscWeight, 0.5),
		discLoss:         context.GetParamOr(ctx, ParamDiscLoss, DiscLossHinge.String()),
		discConditional:  context.GetParamOr(ctx, ParamDiscConditional, false),
		ppStyle:          context.GetParamOr(ctx, ParamPPStyle, false),
		vfWeight:         context.GetParamOr(ctx, ParamVFWeight, 1e2),
		adaptiveVF:       context.GetParamOr(ctx, ParamAdaptiveVF, false),
		alignment: AlignmentConfig{
			DistmatMargin: context.GetParamOr(ctx, ParamDistmatMargin, 0.0),
			CosMargin:     context.GetParamOr(ctx, ParamCosMargin, 0.0),
			DistmatWeight: context.GetParamOr(ctx, ParamDistmatWeight, 1.0),
			CosWeight:     context.GetParamOr(ctx, ParamCosWeight, 1.0),
		},
	}
}

// KLWeight sets the weight of the KL term.
func (c *Config) KLWeight(value float64) *Config {
	c.klWeight = value
	return c
}

// PixelWeight is stored but not applied: the L1 term always has weight 1.
func (c *Config) PixelWeight(value float64) *Config {
	c.pixelWeight = value
	return c
}

// PerceptualWeight sets the weight of the perceptual distance. If 0 the perceptual metric is not used.
func (c *Config) PerceptualWeight(value float64) *Config {
	c.perceptualWeight = value
	return c
}

// LogVarInit sets the initial value of the learned log-variance.
func (c *Config) LogVarInit(value float64) *Config {
	c.logVarInit = value
	return c
}

// DiscStart sets the global step from which the adversarial loss is enabled.
func (c *Config) DiscStart(step int64) *Config {
	c.discStart = step
	return c
}

// DiscFactor sets the adversarial factor used after DiscStart. If <= 0 the adversarial weight is always 0.
func (c *Config) DiscFactor(value float64) *Config {
	c.discFactor = value
	return c
}

// DiscWeight sets the target weight of the adaptive adversarial weight.
func (c *Config) DiscWeight(value float64) *Config {
	c.discWeight = value
	return c
}

// DiscLoss sets the discriminator loss kind by name: "hinge" or "vanilla".
func (c *Config) DiscLoss(kind string) *Config {
	c.discLoss = kind
	return c
}

// DiscConditional sets whether the discriminator scores images concatenated with a condition.
func (c *Config) DiscConditional(conditional bool) *Config {
	c.discConditional = conditional
	return c
}

// PPStyle selects the alternate aggregation: the nll is the plain reconstruction loss (no log-variance),
// averaged over all elements, and the KL is averaged per element.
func (c *Config) PPStyle(ppStyle bool) *Config {
	c.ppStyle = ppStyle
	return c
}

// VFWeight sets the weight of the alignment loss, also used as target weight of the contrastive loss.
func (c *Config) VFWeight(value float64) *Config {
	c.vfWeight = value
	return c
}

// AdaptiveVF sets whether the alignment loss weight is computed with AdaptiveWeight.
func (c *Config) AdaptiveVF(adaptive bool) *Config {
	c.adaptiveVF = adaptive
	return c
}

// Alignment sets the margins and weights of the alignment loss.
func (c *Config) Alignment(cfg AlignmentConfig) *Config {
	c.alignment = cfg
	return c
}

// Perceptual sets the perceptual metric, required if the perceptual weight is > 0.
func (c *Config) Perceptual(metric perceptual.Metric) *Config {
	c.perceptual = metric
	return c
}

// Discriminator sets the discriminator, required.
func (c *Config) Discriminator(scorer discriminator.Scorer) *Config {
	c.scorer = scorer
	return c
}

// Done validates the configuration and returns the Loss.
func (c *Config) Done() (*Loss, error) {
	discLoss, err := DiscLossKindString(c.discLoss)
	if err != nil {
		return nil, errors.WithMessage(err, "vaeloss configuration")
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{ParamKLWeight, c.klWeight},
		{ParamPerceptualWeight, c.perceptualWeight},
		{ParamDiscWeight, c.discWeight},
		{ParamVFWeight, c.vfWeight},
		{ParamDistmatWeight, c.alignment.DistmatWeight},
		{ParamCosWeight, c.alignment.CosWeight},
	} {
		if w.value < 0 {
			return nil, errors.Errorf("vaeloss configuration: %s must be >= 0, got %g", w.name, w.value)
		}
	}
	if c.scorer == nil {
		return nil, errors.New("vaeloss configuration: a discriminator is required")
	}
	if c.perceptualWeight > 0 && c.perceptual == nil {
		return nil, errors.Errorf("vaeloss configuration: %s=%g requires a perceptual metric",
			ParamPerceptualWeight, c.perceptualWeight)
	}
	if c.ppStyle {
		klog.Infof("vaeloss: using pp_style aggregation for the nll loss")
	}
	klog.V(1).Infof("vaeloss: kl_weight=%g, perceptual_weight=%g, disc_start=%d, disc_factor=%g, disc_weight=%g, "+
		"disc_loss=%s, disc_conditional=%v, vf_weight=%g, adaptive_vf=%v, alignment=%+v",
		c.klWeight, c.perceptualWeight, c.discStart, c.discFactor, c.discWeight,
		discLoss, c.discConditional, c.vfWeight, c.adaptiveVF, c.alignment)
	return &Loss{config: *c, discLoss: discLoss}, nil
}

// Loss computes the generator and discriminator losses of a VA-VAE. It holds only configuration: the learned
// log-variance and the discriminator weights are variables of the context passed to each step.
type Loss struct {
	config   Config
	discLoss DiscLossKind
}

// DiscLossKind returns the configured discriminator loss.
func (l *Loss) DiscLossKind() DiscLossKind { return l.discLoss }

// PixelWeight returns the configured (inert) pixel weight.
func (l *Loss) PixelWeight() float64 { return l.config.pixelWeight }

// IsConditional returns whether the discriminator expects a condition.
func (l *Loss) IsConditional() bool { return l.config.discConditional }

// Scopes used for the variables of the loss and its components.
const (
	DiscriminatorScope = "discriminator"
	PerceptualScope    = "perceptual"
)

// LogVarVariable returns the learned log-variance variable, a float32 scalar stored in the Scope of ctx,
// created with the configured initial value if it doesn't exist yet.
func (l *Loss) LogVarVariable(ctx *context.Context) *context.Variable {
	return ctx.In(Scope).Checked(false).VariableWithValue("logvar", float32(l.config.logVarInit))
}

// GeneratorInputs are the inputs of Loss.GeneratorStep. Optional fields are left nil.
type GeneratorInputs struct {
	// Inputs and Reconstructions are images shaped [batch, channels, height, width]. Required.
	Inputs, Reconstructions *Node

	// Posterior of the encoder for the batch. Required.
	Posterior Posterior

	// GlobalStep is a scalar with the current training step. If nil, the global step variable of the
	// optimizers package is used.
	GlobalStep *Node

	// LastLayer is the activation shared by the reconstruction and adversarial losses, usually the weights of the
	// last layer of the decoder. If it is nil or disconnected from the losses, the adversarial weight is 0 (only
	// allowed outside training).
	LastLayer *Node

	// Condition is concatenated to the reconstructions along the channels axis before scoring.
	// It must be set if and only if the loss is conditional.
	Condition *Node

	// Weights multiplies the nll per element before reduction.
	Weights *Node

	// Latent and AuxFeature, if both given, enable the alignment loss. Both [batch, channels, height, width].
	Latent, AuxFeature *Node

	// LatentOrig and TextEmbedding, if both given, enable the contrastive loss.
	LatentOrig, TextEmbedding *Node

	// LogitScale of the contrastive loss. If nil DefaultLogitScale is used.
	LogitScale *Node

	// EncoderLastLayer is the activation shared by the reconstruction and the alignment/contrastive losses.
	EncoderLastLayer *Node

	// Split is the prefix of the metric names. Defaults to "train".
	Split string
}

// DiscriminatorInputs are the inputs of Loss.DiscriminatorStep.
type DiscriminatorInputs struct {
	// Inputs and Reconstructions are images shaped [batch, channels, height, width]. Required.
	Inputs, Reconstructions *Node

	// GlobalStep is a scalar with the current training step. If nil, the global step variable of the
	// optimizers package is used.
	GlobalStep *Node

	// Condition, set if and only if the loss is conditional.
	Condition *Node

	// Split is the prefix of the metric names. Defaults to "train".
	Split string
}

// checkImages panics if the images are not rank-4 with the same shape.
func checkImages(step string, inputs, reconstructions *Node) {
	if inputs == nil || reconstructions == nil {
		exceptions.Panicf("%s: Inputs and Reconstructions are required", step)
	}
	if inputs.Rank() != 4 {
		exceptions.Panicf("%s: images must be shaped [batch, channels, height, width], got %s", step, inputs.Shape())
	}
	if !inputs.Shape().Equal(reconstructions.Shape()) {
		exceptions.Panicf("%s: Inputs %s and Reconstructions %s must have the same shape",
			step, inputs.Shape(), reconstructions.Shape())
	}
}

// checkCondition panics if the presence of the condition doesn't match the configuration.
func (l *Loss) checkCondition(step string, condition *Node) {
	if l.config.discConditional && condition == nil {
		exceptions.Panicf("%s: the discriminator is conditional, but no condition was given", step)
	}
	if !l.config.discConditional && condition != nil {
		exceptions.Panicf("%s: a condition was given, but the discriminator is not conditional", step)
	}
}

func globalStepOrDefault(ctx *context.Context, g *Graph, globalStep *Node) *Node {
	if globalStep != nil {
		return globalStep
	}
	return optimizers.GetGlobalStepVar(ctx).ValueGraph(g)
}

// score runs the discriminator on the images, concatenated with the condition if given.
func (l *Loss) score(ctx *context.Context, images, condition *Node) *Node {
	if condition != nil {
		if condition.DType() != images.DType() {
			condition = ConvertDType(condition, images.DType())
		}
		images = Concatenate([]*Node{images, condition}, 1)
	}
	return l.config.scorer.Score(ctx.In(DiscriminatorScope).Checked(false), images)
}

// adaptiveWeight calls AdaptiveWeight, and substitutes 0 if it fails outside training.
func (l *Loss) adaptiveWeight(ctx *context.Context, name string, baseLoss, newLoss, activation *Node,
	targetWeight, clampMax float64) *Node {
	g := baseLoss.Graph()
	weight, err := AdaptiveWeight(baseLoss, newLoss, activation, targetWeight, clampMax)
	if err == nil {
		return weight
	}
	if ctx.IsTraining(g) {
		exceptions.Panicf("vaeloss: failed to compute %s while training: %+v", name, err)
	}
	klog.Warningf("vaeloss: %s set to 0: %v", name, err)
	return ScalarZero(g, baseLoss.DType())
}

// GeneratorStep returns the loss to train the autoencoder, and the record with its metrics.
//
// It panics (see package exceptions) if the inputs are invalid, if the condition doesn't match the
// configuration, or if an adaptive weight cannot be computed while training.
//
// The discriminator is scored with the variables under ctx.In(DiscriminatorScope), so the returned loss also
// has gradients with respect to them. An optimizer that updates all trainable variables of ctx (as the ones in
// package optimizers do) must not be used on this loss as is: keep the discriminator variables in a separate
// context, or mark them non-trainable during the generator update.
func (l *Loss) GeneratorStep(ctx *context.Context, in GeneratorInputs) (loss *Node, record *Record) {
	const step = "GeneratorStep"
	checkImages(step, in.Inputs, in.Reconstructions)
	l.checkCondition(step, in.Condition)
	if in.Posterior == nil {
		exceptions.Panicf("%s: Posterior is required", step)
	}
	cfg := &l.config
	g := in.Inputs.Graph()
	dtype := in.Inputs.DType()
	batchSize := float64(in.Inputs.Shape().Dimensions[0])

	recLoss := Abs(Sub(in.Inputs, in.Reconstructions))
	if cfg.perceptualWeight > 0 {
		pLoss := cfg.perceptual.Distance(ctx.In(PerceptualScope).Checked(false), in.Inputs, in.Reconstructions)
		recLoss = Add(recLoss, MulScalar(ConvertDType(pLoss, dtype), cfg.perceptualWeight))
	}

	logVar := ConvertDType(l.LogVarVariable(ctx).ValueGraph(g), dtype)
	var weightedNLLLoss, nllLoss, klLoss *Node
	if !cfg.ppStyle {
		nll := Add(Div(recLoss, Exp(logVar)), logVar)
		weightedNLL := nll
		if in.Weights != nil {
			weightedNLL = Mul(ConvertDType(in.Weights, dtype), nll)
		}
		weightedNLLLoss = DivScalar(ReduceAllSum(weightedNLL), batchSize)
		nllLoss = DivScalar(ReduceAllSum(nll), batchSize)
		kl := ConvertDType(in.Posterior.KL(false), dtype)
		klLoss = DivScalar(ReduceAllSum(kl), float64(kl.Shape().Dimensions[0]))
	} else {
		nll := recLoss
		weightedNLL := nll
		if in.Weights != nil {
			weightedNLL = Mul(ConvertDType(in.Weights, dtype), nll)
		}
		weightedNLLLoss = ReduceAllMean(weightedNLL)
		nllLoss = ReduceAllMean(nll)
		klLoss = ReduceAllMean(ConvertDType(in.Posterior.KL(true), dtype))
	}

	// Adversarial term.
	logitsFake := l.score(ctx, in.Reconstructions, in.Condition)
	gLoss := Neg(ReduceAllMean(ConvertDType(logitsFake, dtype)))
	dWeight := ScalarZero(g, dtype)
	if cfg.discFactor > 0 {
		dWeight = l.adaptiveWeight(ctx, MetricDWeight, nllLoss, gLoss, in.LastLayer, cfg.discWeight, AdversarialClamp)
	}
	globalStep := globalStepOrDefault(ctx, g, in.GlobalStep)
	discFactor := AdoptWeight(globalStep, dtype, cfg.discFactor, cfg.discStart)

	// Alignment with the vision foundation model features.
	var vfLoss, vfWeight *Node
	if in.Latent != nil && in.AuxFeature != nil {
		vfLoss = ConvertDType(VFLoss(in.Latent, in.AuxFeature, cfg.alignment), dtype)
		if cfg.adaptiveVF {
			vfWeight = l.adaptiveWeight(ctx, MetricVFWeight, nllLoss, vfLoss, in.EncoderLastLayer,
				cfg.vfWeight, AlignmentClamp)
		} else {
			vfWeight = Scalar(g, dtype, cfg.vfWeight)
		}
	}

	// Image-text contrastive loss.
	var ctLoss, ctWeight *Node
	if in.LatentOrig != nil && in.TextEmbedding != nil {
		ctLoss = ConvertDType(ContrastiveLoss(in.LatentOrig, in.TextEmbedding, in.LogitScale), dtype)
		ctWeight = l.adaptiveWeight(ctx, MetricCTWeight, nllLoss, ctLoss, in.EncoderLastLayer,
			cfg.vfWeight, AlignmentClamp)
	}

	loss = Add(weightedNLLLoss, MulScalar(klLoss, cfg.klWeight))
	loss = Add(loss, Mul(Mul(dWeight, discFactor), gLoss))
	if vfLoss != nil {
		loss = Add(loss, Mul(vfWeight, vfLoss))
	}
	if ctLoss != nil {
		loss = Add(loss, Mul(ctWeight, ctLoss))
	}

	record = generatorMetrics{
		TotalLoss:  loss,
		LogVar:     logVar,
		KLLoss:     klLoss,
		NLLLoss:    nllLoss,
		RecLoss:    recLoss,
		DWeight:    dWeight,
		DiscFactor: discFactor,
		GLoss:      gLoss,
	}.builder(in.Split).
		addIf(MetricVFLoss, vfLoss).
		addIf(MetricVFWeight, vfWeight).
		addIf(MetricCTLoss, ctLoss).
		addIf(MetricCTWeight, ctWeight).
		Done()
	return loss, record
}

// DiscriminatorStep returns the loss to train the discriminator, and the record with its metrics.
//
// Gradients don't flow back to the images.
func (l *Loss) DiscriminatorStep(ctx *context.Context, in DiscriminatorInputs) (loss *Node, record *Record) {
	const step = "DiscriminatorStep"
	checkImages(step, in.Inputs, in.Reconstructions)
	l.checkCondition(step, in.Condition)
	g := in.Inputs.Graph()
	dtype := in.Inputs.DType()

	logitsReal := ConvertDType(l.score(ctx, StopGradient(in.Inputs), in.Condition), dtype)
	logitsFake := ConvertDType(l.score(ctx, StopGradient(in.Reconstructions), in.Condition), dtype)
	globalStep := globalStepOrDefault(ctx, g, in.GlobalStep)
	discFactor := AdoptWeight(globalStep, dtype, l.config.discFactor, l.config.discStart)
	loss = Mul(discFactor, l.discLoss.Apply(logitsReal, logitsFake))

	record = discriminatorMetrics{
		DiscLoss:   loss,
		LogitsReal: logitsReal,
		LogitsFake: logitsFake,
	}.builder(in.Split).Done()
	return loss, record
}
