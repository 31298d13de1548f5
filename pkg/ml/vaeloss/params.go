// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vaeloss

// Hyperparameters read from the context by New. All keys are optional.
const (
	// ParamKLWeight is the weight of the KL divergence term. Default is 1e-6.
	ParamKLWeight = "vavae_kl_weight"

	// ParamPixelWeight is accepted and stored, but the L1 reconstruction term always has weight 1.
	ParamPixelWeight = "vavae_pixel_weight"

	// ParamPerceptualWeight scales the perceptual distance added to the L1 reconstruction term.
	// If 0 the perceptual metric is not evaluated. Default is 1.
	ParamPerceptualWeight = "vavae_perceptual_weight"

	// ParamLogVarInit is the initial value of the learned log-variance. Default is 0.
	ParamLogVarInit = "vavae_logvar_init"

	// ParamDiscStart is the global step at which the adversarial loss is enabled. Default is 50001.
	ParamDiscStart = "vavae_disc_start"

	// ParamDiscFactor is the adversarial factor after ParamDiscStart. Default is 1.
	ParamDiscFactor = "vavae_disc_factor"

	// ParamDiscWeight is the target weight of the adaptive adversarial weight. Default is 0.5.
	ParamDiscWeight = "vavae_disc_weight"

	// ParamDiscLoss selects the discriminator loss: "hinge" (default) or "vanilla".
	ParamDiscLoss = "vavae_disc_loss"

	// ParamDiscConditional makes the discriminator score images concatenated with a condition along
	// the channels axis. Default is false.
	ParamDiscConditional = "vavae_disc_conditional"

	// ParamPPStyle selects the alternate aggregation: no log-variance scaling, plain means. Default is false.
	ParamPPStyle = "vavae_pp_style"

	// ParamVFWeight is the weight of the vision foundation alignment loss, and the target weight
	// of the contrastive loss. Default is 100.
	ParamVFWeight = "vavae_vf_weight"

	// ParamAdaptiveVF enables the adaptive (gradient-norm based) weight for the alignment loss. Default is false.
	ParamAdaptiveVF = "vavae_adaptive_vf"

	// ParamDistmatMargin is the margin subtracted from the similarity-matrix differences. Default is 0.
	ParamDistmatMargin = "vavae_distmat_margin"

	// ParamCosMargin is the margin of the direct cosine similarity term. Default is 0.
	ParamCosMargin = "vavae_cos_margin"

	// ParamDistmatWeight weights the similarity-matrix term of the alignment loss. Default is 1.
	ParamDistmatWeight = "vavae_distmat_weight"

	// ParamCosWeight weights the direct cosine term of the alignment loss. Default is 1.
	ParamCosWeight = "vavae_cos_weight"
)

// Clamp ceilings for the adaptive weights.
const (
	AdversarialClamp = 1e4
	AlignmentClamp   = 1e8
)

// Scope is the context scope where the learned log-variance is stored.
const Scope = "vavae_loss"
