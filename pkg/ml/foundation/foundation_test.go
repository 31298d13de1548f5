// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package foundation

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackbone returns tokens whose features are all equal to the token index plus the mean of the images,
// for the number of patches of the images (plus a class token if the kind has one).
type fakeBackbone struct {
	kind        Kind
	sawTraining bool
	inputShape  shapes.Shape
}

func (f *fakeBackbone) ImageTokens(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	f.sawTraining = ctx.IsTraining(g)
	f.inputShape = images.Shape()
	dims := images.Shape().Dimensions
	patch := f.kind.PatchSize()
	numTokens := (dims[2] / patch) * (dims[3] / patch)
	if f.kind.dropsClassToken() {
		numTokens++
	}
	tokens := Iota(g, shapes.Make(images.DType(), dims[0], numTokens, f.kind.FeatureDim()), 1)
	mean := Reshape(ReduceMean(images, 1, 2, 3), dims[0], 1, 1)
	return Add(tokens, mean)
}

// fakeText sums the unmasked tokens.
type fakeText struct{}

func (fakeText) TextEmbeddings(_ *context.Context, tokens, mask *Node) *Node {
	sum := ConvertDType(ReduceSum(Mul(tokens, mask), -1), dtypes.Float32)
	return BroadcastToDims(Reshape(sum, -1, 1), tokens.Shape().Dimensions[0], SigLIP.FeatureDim())
}

// runeTokenizer encodes each rune as its code point.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		ids = append(ids, int(r))
	}
	return ids
}

func TestKind(t *testing.T) {
	for _, name := range []string{"mae", "DINOv2", " siglip "} {
		kind, err := KindString(name)
		require.NoError(t, err)
		assert.Contains(t, Kinds(), kind)
	}
	_, err := KindString("clip")
	require.Error(t, err)

	assert.Equal(t, 1024, MAE.FeatureDim())
	assert.Equal(t, 1024, DINOv2.FeatureDim())
	assert.Equal(t, 1152, SigLIP.FeatureDim())
	assert.Equal(t, 14, DINOv2.PatchSize())
	assert.True(t, SigLIP.HasText())
	assert.False(t, MAE.HasText())
	assert.Equal(t, "dinov2", DINOv2.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

func TestNew(t *testing.T) {
	_, err := New(Kind(9), &fakeBackbone{})
	require.Error(t, err)
	_, err = New(MAE, nil)
	require.Error(t, err)
	_, err = NewFromName("resnet", &fakeBackbone{kind: MAE})
	require.Error(t, err)

	encoder, err := NewFromName("mae", &fakeBackbone{kind: MAE})
	require.NoError(t, err)
	assert.Equal(t, MAE, encoder.Kind())
	_, err = encoder.WithText(fakeText{}, NewTextProcessor(runeTokenizer{}, 0))
	require.Error(t, err, "MAE has no text tower")
}

func TestEncodeImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, tc := range []struct {
		kind                Kind
		height, width       int
		firstToken          float32
		wantBackboneSpatial int
	}{
		{MAE, 64, 32, 1, 64},
		{SigLIP, 32, 64, 0, 32},
		{DINOv2, 256, 256, 1, DINOv2ImageSize},
	} {
		t.Run(tc.kind.String(), func(t *testing.T) {
			backbone := &fakeBackbone{kind: tc.kind}
			encoder, err := New(tc.kind, backbone)
			require.NoError(t, err)
			outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
				ctx.SetTraining(g, true)
				images := Zeros(g, shapes.Make(dtypes.Float32, 2, 3, tc.height, tc.width))
				features := encoder.EncodeImage(ctx, images)
				grad := Gradient(ReduceAllSum(features), images)[0]
				return []*Node{features, ReduceAllSum(Abs(grad))}
			})
			gridH, gridW := tc.height/LatentPatchSize, tc.width/LatentPatchSize
			require.NoError(t, outputs[0].Shape().CheckDims(2, tc.kind.FeatureDim(), gridH, gridW))
			assert.False(t, backbone.sawTraining, "backbone must be called with training disabled")
			assert.Equal(t, tc.wantBackboneSpatial, backbone.inputShape.Dimensions[2])

			values := tensors.MustCopyFlatData[float32](outputs[0])
			// Layout [batch][featureDim][gridH][gridW]: the first positions of the first channel are tokens 0 and 1.
			assert.Equal(t, tc.firstToken, values[0])
			assert.Equal(t, tc.firstToken+1, values[1])
			// Second row of the grid.
			assert.Equal(t, tc.firstToken+float32(gridW), values[gridW])
			assert.Equal(t, float32(0), tensors.ToScalar[float32](outputs[1]), "gradients must be stopped")
		})
	}
}

func TestEncodeImageDINOv2GridMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	encoder, err := New(DINOv2, &fakeBackbone{kind: DINOv2})
	require.NoError(t, err)
	// 64x64 images: 16 grid positions, but DINOv2 always returns 256 patch tokens.
	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			return encoder.EncodeImage(ctx, Zeros(g, shapes.Make(dtypes.Float32, 1, 3, 64, 64)))
		})
	})
}

func TestTextProcessor(t *testing.T) {
	processor := NewTextProcessor(runeTokenizer{}, 7).WithMaxLength(4)
	assert.Equal(t, 4, processor.MaxLength())
	tokens, mask, err := processor.Process([]string{"ab", "abcdef"})
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{'a', 'b', 7, 7}, {'a', 'b', 'c', 'd'}}, tokens)
	assert.Equal(t, [][]int64{{1, 1, 0, 0}, {1, 1, 1, 1}}, mask)

	_, _, err = processor.Process(nil)
	require.Error(t, err)

	assert.Equal(t, DefaultMaxLength, NewTextProcessor(runeTokenizer{}, 0).MaxLength())
}

func TestEncodeText(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	imageOnly, err := New(MAE, &fakeBackbone{kind: MAE})
	require.NoError(t, err)
	_, _, err = imageOnly.Tokenize([]string{"a"})
	require.Error(t, err)

	encoder, err := New(SigLIP, &fakeBackbone{kind: SigLIP})
	require.NoError(t, err)
	encoder, err = encoder.WithText(fakeText{}, NewTextProcessor(runeTokenizer{}, 1000).WithMaxLength(3))
	require.NoError(t, err)
	assert.True(t, encoder.HasText())

	tokens, mask, err := encoder.Tokenize([]string{"a", "bcde"})
	require.NoError(t, err)
	require.NoError(t, tokens.Shape().CheckDims(2, 3))
	require.NoError(t, mask.Shape().CheckDims(2, 3))

	var textErr error
	outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		var embeddings *Node
		embeddings, textErr = encoder.EncodeText(ctx, g, []string{"a", "bcde"})
		if textErr != nil {
			return []*Node{Const(g, float32(0))}
		}
		return []*Node{embeddings}
	})
	require.NoError(t, textErr)
	require.NoError(t, outputs[0].Shape().CheckDims(2, SigLIP.FeatureDim()))
	values := tensors.MustCopyFlatData[float32](outputs[0])
	// Padding is masked out; the second text is truncated to "bcd".
	assert.Equal(t, float32('a'), values[0])
	assert.Equal(t, float32('b'+'c'+'d'), values[SigLIP.FeatureDim()])
}
