// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vaeloss

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// DiscLossKind selects the loss used to train the discriminator.
type DiscLossKind int

const (
	// DiscLossHinge is 0.5*(mean(relu(1-real)) + mean(relu(1+fake))).
	DiscLossHinge DiscLossKind = iota

	// DiscLossVanilla is 0.5*(mean(softplus(-real)) + mean(softplus(fake))), the binary cross-entropy
	// with real labeled 1 and fake labeled 0.
	DiscLossVanilla
)

var discLossKindNames = []string{"hinge", "vanilla"}

// String implements fmt.Stringer.
func (k DiscLossKind) String() string {
	if k < 0 || int(k) >= len(discLossKindNames) {
		return fmt.Sprintf("DiscLossKind(%d)", int(k))
	}
	return discLossKindNames[k]
}

// DiscLossKindString parses the name of a discriminator loss kind, case-insensitive.
func DiscLossKindString(name string) (DiscLossKind, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for ii, kindName := range discLossKindNames {
		if kindName == lower {
			return DiscLossKind(ii), nil
		}
	}
	return 0, errors.Errorf("unknown discriminator loss %q, valid values are %q", name, discLossKindNames)
}

// Apply returns the discriminator loss for the given real and fake logits.
func (k DiscLossKind) Apply(logitsReal, logitsFake *Node) *Node {
	switch k {
	case DiscLossHinge:
		return HingeDLoss(logitsReal, logitsFake)
	case DiscLossVanilla:
		return VanillaDLoss(logitsReal, logitsFake)
	}
	exceptions.Panicf("invalid DiscLossKind %d", int(k))
	return nil
}

// HingeDLoss is the hinge loss of the discriminator.
func HingeDLoss(logitsReal, logitsFake *Node) *Node {
	lossReal := ReduceAllMean(activations.Relu(OneMinus(logitsReal)))
	lossFake := ReduceAllMean(activations.Relu(OnePlus(logitsFake)))
	return MulScalar(Add(lossReal, lossFake), 0.5)
}

// VanillaDLoss is the non-saturating (binary cross-entropy) loss of the discriminator.
func VanillaDLoss(logitsReal, logitsFake *Node) *Node {
	lossReal := ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{OnesLike(logitsReal)}, []*Node{logitsReal}))
	lossFake := ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{ZerosLike(logitsFake)}, []*Node{logitsFake}))
	return MulScalar(Add(lossReal, lossFake), 0.5)
}

// AdoptWeight returns weight if globalStep >= threshold, and 0 otherwise, as a scalar of the given dtype.
//
// globalStep must be a scalar, usually the value of optimizers.GetGlobalStepVar.
func AdoptWeight(globalStep *Node, dtype dtypes.DType, weight float64, threshold int64) *Node {
	if !globalStep.IsScalar() {
		exceptions.Panicf("AdoptWeight requires a scalar globalStep, got %s", globalStep.Shape())
	}
	g := globalStep.Graph()
	step := ConvertDType(globalStep, dtypes.Int64)
	return Where(GreaterOrEqual(step, Scalar(g, dtypes.Int64, threshold)),
		Scalar(g, dtype, weight), ScalarZero(g, dtype))
}
