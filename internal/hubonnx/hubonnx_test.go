// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hubonnx

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeze(t *testing.T) {
	ctx := context.New()
	frozenCtx := ctx.In("model")
	frozenCtx.VariableWithValue("w", []float32{1, 2, 3})
	frozenCtx.In("layer_0").VariableWithValue("b", float32(0))
	other := ctx.In("other").VariableWithValue("x", float32(1))

	assert.Equal(t, 2, Freeze(frozenCtx))
	for v := range frozenCtx.IterVariablesInScope() {
		assert.Falsef(t, v.Trainable, "variable %s should be frozen", v.ScopeAndName())
	}
	assert.True(t, other.Trainable, "variables outside the scope are not affected")

	// Already frozen variables are not counted again.
	assert.Equal(t, 0, Freeze(frozenCtx))
}

func TestLoadFileMissing(t *testing.T) {
	ctx := context.New()
	_, err := LoadFile(ctx, filepath.Join(t.TempDir(), "missing.onnx"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.onnx")
}

func TestDefaultOptions(t *testing.T) {
	t.Setenv(EnvAuthToken, "hf_test_token")
	opts := DefaultOptions()
	assert.Equal(t, "hf_test_token", opts.AuthToken)
	assert.True(t, opts.ProgressBar)
	assert.Empty(t, opts.ExtraFiles)
}
