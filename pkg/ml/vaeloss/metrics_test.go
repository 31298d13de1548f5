// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vaeloss

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	var record *Record
	outputs := context.MustExecOnceN(backend, context.New(), func(_ *context.Context, g *Graph) []*Node {
		record = discriminatorMetrics{
			DiscLoss:   Const(g, float32(0.25)),
			LogitsReal: Const(g, []float32{1, 2, 3}),
			LogitsFake: Const(g, [][]float32{{-1, -3}}),
		}.builder("val").
			addIf(MetricVFLoss, nil).
			addIf(MetricCTLoss, Const(g, 7.0)).
			Done()
		return record.Nodes()
	})

	assert.Equal(t, "val", record.Split())
	assert.Equal(t, 4, record.Len())
	assert.Equal(t, []string{"val/disc_loss", "val/logits_real", "val/logits_fake", "val/ct_loss"}, record.Names())
	assert.True(t, record.Has(MetricCTLoss))
	assert.False(t, record.Has(MetricVFLoss))
	_, found := record.Get(MetricLogitsReal)
	assert.True(t, found)

	values, err := record.Values(outputs)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"val/disc_loss":   0.25,
		"val/logits_real": 2,
		"val/logits_fake": -2,
		"val/ct_loss":     7,
	}, values)

	_, err = record.Values(outputs[:2])
	require.Error(t, err)
	_, err = record.Values([]*tensors.Tensor{outputs[0], outputs[1], outputs[2], tensors.FromValue(int32(1))})
	require.Error(t, err)
}

func TestRecordDefaultSplit(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	record := newRecordBuilder("").add(MetricTotalLoss, Const(g, float32(1))).Done()
	assert.Equal(t, DefaultSplit, record.Split())
	assert.Equal(t, []string{"train/total_loss"}, record.Names())
	assert.Equal(t, "train/g_loss", record.FullName(MetricGLoss))
}
