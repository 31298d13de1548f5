// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/vavae/pkg/ml/discriminator"
	"github.com/gomlx/vavae/pkg/ml/perceptual"
	"github.com/gomlx/vavae/pkg/ml/vaeloss"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 32

// smallContext returns the default context with a small discriminator and perceptual network.
func smallContext() *context.Context {
	ctx := createDefaultContext()
	ctx.SetParam(discriminator.ParamChannels, 4)
	ctx.SetParam(perceptual.ParamChannels, "4,8")
	ctx.SetParam(perceptual.ParamConvsPerStage, 1)
	return ctx
}

func testRunConfig(t *testing.T) runConfig {
	inputs, err := syntheticImages(2, testSize)
	require.NoError(t, err)
	return runConfig{
		inputs:          inputs,
		reconstructions: blurImages(inputs, 1.5),
		size:            testSize,
		step:            60_000,
		discSteps:       2,
		split:           "val",
	}
}

func TestImages(t *testing.T) {
	imgs, err := syntheticImages(3, testSize)
	require.NoError(t, err)
	require.Len(t, imgs, 3)
	assert.Equal(t, testSize, imgs[0].Bounds().Dx())
	_, err = syntheticImages(0, testSize)
	require.Error(t, err)

	dir := t.TempDir()
	for ii, img := range imgs {
		require.NoError(t, imaging.Save(imaging.Resize(img, 48, 40, imaging.Linear),
			filepath.Join(dir, []string{"a.png", "b.png", "c.png"}[ii])))
	}
	loaded, err := loadImages(filepath.Join(dir, "*.png"), 16)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, 16, loaded[0].Bounds().Dx())
	assert.Equal(t, 16, loaded[0].Bounds().Dy())
	_, err = loadImages(filepath.Join(dir, "*.jpg"), 16)
	require.Error(t, err)

	tensor := imagesToTensor(blurImages(loaded, 0))
	assert.NoError(t, tensor.Shape().CheckDims(3, 16, 16, 3))
}

func TestNewRunnerErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testRunConfig(t)
	cfg.size = 40
	_, err := newRunner(backend, smallContext(), cfg)
	require.Error(t, err)

	cfg = testRunConfig(t)
	cfg.reconstructions = cfg.reconstructions[:1]
	_, err = newRunner(backend, smallContext(), cfg)
	require.Error(t, err)

	cfg = testRunConfig(t)
	cfg.captions = []string{"a", "b"}
	_, err = newRunner(backend, smallContext(), cfg)
	require.Error(t, err, "captions without a text tower")
}

func TestEvaluate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	r := must.M1(newRunner(backend, ctx, testRunConfig(t)))

	var progress bytes.Buffer
	lastLoss, err := r.trainDiscriminator(&progress)
	require.NoError(t, err)
	assert.Greater(t, lastLoss, 0.0, "hinge loss of an untrained discriminator is positive")
	assert.Contains(t, progress.String(), "Discriminator")

	report, err := r.evaluate()
	require.NoError(t, err)
	require.Len(t, report.Sections, 2)
	assert.Greater(t, report.NumParams, 0)

	gen := report.Sections[0].Values
	for _, name := range []string{vaeloss.MetricTotalLoss, vaeloss.MetricRecLoss, vaeloss.MetricDWeight, vaeloss.MetricGLoss} {
		assert.Contains(t, gen, "val/"+name)
	}
	assert.NotContains(t, gen, "val/"+vaeloss.MetricVFLoss)
	assert.Equal(t, 1.0, gen["val/"+vaeloss.MetricDiscFactor])
	assert.Greater(t, gen["val/"+vaeloss.MetricRecLoss], 0.0)
	assert.Greater(t, gen["val/"+vaeloss.MetricDWeight], 0.0)
	assert.Contains(t, report.Sections[1].Values, "val/"+vaeloss.MetricDiscLoss)

	var out bytes.Buffer
	text := report.Render(newReportStyle(&out))
	assert.Contains(t, text, "Generator")
	assert.Contains(t, text, "val/total_loss")
	assert.Contains(t, text, "Discriminator parameters")
}

func TestEvaluateBeforeDiscStart(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testRunConfig(t)
	cfg.step = 10
	r := must.M1(newRunner(backend, smallContext(), cfg))
	report, err := r.evaluate()
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.Sections[0].Values["val/"+vaeloss.MetricDiscFactor])
	assert.Equal(t, 0.0, report.Sections[1].Values["val/"+vaeloss.MetricDiscLoss])
}
