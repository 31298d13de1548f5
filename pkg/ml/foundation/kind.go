// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package foundation

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind of vision foundation model used as frozen feature extractor.
type Kind int

const (
	// MAE is the masked autoencoder ViT-L/16.
	MAE Kind = iota

	// DINOv2 is the self-supervised ViT-L/14. Images are resized to 224x224 before encoding.
	DINOv2

	// SigLIP is the image-text SigLIP2 so400m/16, the only kind with a text tower.
	SigLIP
)

// kindInfo holds the static description of each Kind.
type kindInfo struct {
	name       string
	featureDim int
	patchSize  int
	repoID     string
	imageFile  string
	textFile   string
}

var kinds = []kindInfo{
	MAE: {
		name:       "mae",
		featureDim: 1024,
		patchSize:  16,
		repoID:     "timm/vit_large_patch16_224.mae",
		imageFile:  "onnx/model.onnx",
	},
	DINOv2: {
		name:       "dinov2",
		featureDim: 1024,
		patchSize:  14,
		repoID:     "timm/vit_large_patch14_dinov2.lvd142m",
		imageFile:  "onnx/model.onnx",
	},
	SigLIP: {
		name:       "siglip",
		featureDim: 1152,
		patchSize:  16,
		repoID:     "google/siglip2-so400m-patch16-256",
		imageFile:  "onnx/vision_model.onnx",
		textFile:   "onnx/text_model.onnx",
	},
}

// Kinds lists all valid kinds.
func Kinds() []Kind {
	all := make([]Kind, len(kinds))
	for ii := range kinds {
		all[ii] = Kind(ii)
	}
	return all
}

func (k Kind) valid() bool { return k >= 0 && int(k) < len(kinds) }

func (k Kind) info() kindInfo {
	if !k.valid() {
		panic(errors.Errorf("invalid foundation.Kind %d", int(k)))
	}
	return kinds[k]
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if !k.valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k].name
}

// KindString parses the name of a Kind ("mae", "dinov2" or "siglip"), case-insensitive.
func KindString(name string) (Kind, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for ii, info := range kinds {
		if info.name == lower {
			return Kind(ii), nil
		}
	}
	names := make([]string, len(kinds))
	for ii, info := range kinds {
		names[ii] = info.name
	}
	return 0, errors.Errorf("unsupported foundation model type %q, valid values are %q", name, names)
}

// FeatureDim is the dimension of the features (channels) of the encoded images.
func (k Kind) FeatureDim() int { return k.info().featureDim }

// PatchSize of the backbone vision transformer.
func (k Kind) PatchSize() int { return k.info().patchSize }

// RepoID is the default HuggingFace repository of the backbone.
func (k Kind) RepoID() string { return k.info().repoID }

// ImageFile is the default path of the ONNX image model within the repository.
func (k Kind) ImageFile() string { return k.info().imageFile }

// TextFile is the default path of the ONNX text model within the repository, empty if HasText is false.
func (k Kind) TextFile() string { return k.info().textFile }

// HasText returns whether the backbone has a text tower.
func (k Kind) HasText() bool { return k.info().textFile != "" }

// dropsClassToken returns whether the first token of the backbone output is a class token to be discarded.
func (k Kind) dropsClassToken() bool { return k != SigLIP }
