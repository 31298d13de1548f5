// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vaeloss

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// DefaultLogitScale is the CLIP initial temperature, 1/0.07, used when no logit scale is given.
var DefaultLogitScale = 1.0 / 0.07

// DefaultLogLogitScale is the logarithm of DefaultLogitScale, the usual initial value of a learned log-scale.
var DefaultLogLogitScale = math.Log(DefaultLogitScale)

// diagonalCrossEntropy is the mean cross-entropy of each row of logits, where the correct class of row i is i.
func diagonalCrossEntropy(logits *Node) *Node {
	g := logits.Graph()
	batchSize := logits.Shape().Dimensions[0]
	labels := Iota(g, shapes.Make(dtypes.Int32, batchSize, 1), 0)
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
}

// ClipLoss returns the symmetric cross-entropy of a square similarity matrix [batch, batch], where the
// matching pairs are on the diagonal: the mean of the row-wise and the column-wise cross-entropies.
func ClipLoss(similarity *Node) *Node {
	dims := similarity.Shape().Dimensions
	if similarity.Rank() != 2 || dims[0] != dims[1] {
		exceptions.Panicf("ClipLoss requires a square similarity matrix, got %s", similarity.Shape())
	}
	captionLoss := diagonalCrossEntropy(similarity)
	imageLoss := diagonalCrossEntropy(Transpose(similarity, 0, 1))
	return DivScalar(Add(captionLoss, imageLoss), 2)
}

// ContrastiveLoss returns the image-text contrastive loss between the latent [batch, channels, height, width]
// and the text embeddings [batch, channels].
//
// The latent is global-average-pooled over its spatial axes, both embeddings are normalized to unit length,
// and the text-to-image similarity matrix is scaled by logitScale before ClipLoss.
//
// logitScale is a scalar node, usually exp() of a learned variable. If nil, DefaultLogitScale is used.
func ContrastiveLoss(latentOrig, textEmbedding, logitScale *Node) *Node {
	if latentOrig.Rank() != 4 {
		exceptions.Panicf("ContrastiveLoss requires latent with rank 4 ([batch, channels, height, width]), got %s",
			latentOrig.Shape())
	}
	if textEmbedding.Rank() != 2 {
		exceptions.Panicf("ContrastiveLoss requires text embeddings with rank 2 ([batch, channels]), got %s",
			textEmbedding.Shape())
	}
	imageEmbedding := ReduceMean(latentOrig, 2, 3)
	if !slices.Equal(imageEmbedding.Shape().Dimensions, textEmbedding.Shape().Dimensions) {
		exceptions.Panicf("ContrastiveLoss pooled latent %s doesn't match the text embeddings %s",
			imageEmbedding.Shape(), textEmbedding.Shape())
	}
	if textEmbedding.DType() != imageEmbedding.DType() {
		textEmbedding = ConvertDType(textEmbedding, imageEmbedding.DType())
	}
	imageEmbedding = unitNormalize(imageEmbedding, -1)
	textEmbedding = unitNormalize(textEmbedding, -1)
	logitsPerText := Einsum("ic,jc->ij", textEmbedding, imageEmbedding)
	if logitScale == nil {
		logitsPerText = MulScalar(logitsPerText, DefaultLogitScale)
	} else {
		logitsPerText = Mul(logitsPerText, ConvertDType(logitScale, logitsPerText.DType()))
	}
	return ClipLoss(logitsPerText)
}
