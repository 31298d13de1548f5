// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vaeloss

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// normalizeEpsilon is the minimum norm used when normalizing vectors to unit length.
const normalizeEpsilon = 1e-12

// unitNormalize divides x by its L2 norm along axis, with the norm floored at normalizeEpsilon.
func unitNormalize(x *Node, axis int) *Node {
	norm := L2Norm(x, axis)
	return Div(x, MaxScalar(norm, normalizeEpsilon))
}

// AlignmentConfig holds the margins and weights of the vision foundation alignment loss.
type AlignmentConfig struct {
	// DistmatMargin is subtracted from the absolute difference of the similarity matrices.
	DistmatMargin float64

	// CosMargin relaxes the direct cosine similarity target from 1 to 1-CosMargin.
	CosMargin float64

	// DistmatWeight and CosWeight combine the two terms.
	DistmatWeight, CosWeight float64
}

// VFLoss returns the vision foundation alignment loss between the latent and the frozen
// features of a pretrained encoder, both shaped [batch, channels, height, width].
//
// It combines two terms:
//
//   - Similarity-matrix term: for each example, the spatial positions are compared pairwise (cosine similarity
//     along the channels), for both latent and features, and the mean of ReLU(|latentSim - featureSim| - DistmatMargin)
//     is taken.
//   - Direct cosine term: mean of ReLU(1 - CosMargin - cos(features, latent)), with the cosine taken along the channels
//     axis. This requires the latent to be projected to the same number of channels as the features.
//
// The result is a scalar: DistmatWeight*term1 + CosWeight*term2.
func VFLoss(latent, aux *Node, cfg AlignmentConfig) *Node {
	if latent.Rank() != 4 || aux.Rank() != 4 {
		exceptions.Panicf("VFLoss requires latent and features with rank 4 ([batch, channels, height, width]), got %s and %s",
			latent.Shape(), aux.Shape())
	}
	latentDims, auxDims := latent.Shape().Dimensions, aux.Shape().Dimensions
	if latentDims[0] != auxDims[0] {
		exceptions.Panicf("VFLoss batch size mismatch: latent %s, features %s", latent.Shape(), aux.Shape())
	}
	if latentDims[2]*latentDims[3] != auxDims[2]*auxDims[3] {
		exceptions.Panicf("VFLoss requires the same number of spatial positions: latent %s, features %s",
			latent.Shape(), aux.Shape())
	}
	if latent.DType() != aux.DType() {
		aux = ConvertDType(aux, latent.DType())
	}
	batchSize := latentDims[0]
	latentFlat := Reshape(latent, batchSize, latentDims[1], -1)
	auxFlat := Reshape(aux, batchSize, auxDims[1], -1)

	latentNorm := unitNormalize(latentFlat, 1)
	auxNorm := unitNormalize(auxFlat, 1)
	latentSim := Einsum("bci,bcj->bij", latentNorm, latentNorm)
	auxSim := Einsum("bci,bcj->bij", auxNorm, auxNorm)
	diff := Abs(Sub(latentSim, auxSim))
	distmatLoss := ReduceAllMean(activations.Relu(AddScalar(diff, -cfg.DistmatMargin)))

	if latentDims[1] != auxDims[1] || latentDims[2] != auxDims[2] {
		exceptions.Panicf("VFLoss cosine term requires latent and features with the same shape, got %s and %s",
			latent.Shape(), aux.Shape())
	}
	cos := CosineSimilarity(aux, latent, 1)
	cosLoss := ReduceAllMean(activations.Relu(OneMinus(AddScalar(cos, cfg.CosMargin))))

	return Add(MulScalar(distmatLoss, cfg.DistmatWeight), MulScalar(cosLoss, cfg.CosWeight))
}
