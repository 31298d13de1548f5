// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vaeloss

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Names of the metrics in a Record, without the split prefix.
const (
	MetricTotalLoss  = "total_loss"
	MetricLogVar     = "logvar"
	MetricKLLoss     = "kl_loss"
	MetricNLLLoss    = "nll_loss"
	MetricRecLoss    = "rec_loss"
	MetricDWeight    = "d_weight"
	MetricDiscFactor = "disc_factor"
	MetricGLoss      = "g_loss"
	MetricVFLoss     = "vf_loss"
	MetricVFWeight   = "vf_weight"
	MetricCTLoss     = "ct_loss"
	MetricCTWeight   = "ct_weight"

	MetricDiscLoss   = "disc_loss"
	MetricLogitsReal = "logits_real"
	MetricLogitsFake = "logits_fake"
)

// DefaultSplit is used as the metrics prefix when none is given.
const DefaultSplit = "train"

// Metric is one named scalar of a Record.
type Metric struct {
	// Name without the split prefix.
	Name string

	// Value is a float64 scalar with gradients stopped.
	Value *Node
}

// Record holds the metrics of one generator or discriminator step, in a fixed order.
// It is created once per step and never modified.
type Record struct {
	split   string
	metrics []Metric
}

// Split returns the prefix of the metric names, e.g. "train" or "val".
func (r *Record) Split() string { return r.split }

// Len returns the number of metrics.
func (r *Record) Len() int { return len(r.metrics) }

// Metrics returns a copy of the metrics.
func (r *Record) Metrics() []Metric {
	return append([]Metric(nil), r.metrics...)
}

// FullName returns the metric name prefixed with the split, as in "train/total_loss".
func (r *Record) FullName(name string) string {
	return r.split + "/" + name
}

// Names returns the full names ("<split>/<name>") of the metrics, in order.
func (r *Record) Names() []string {
	names := make([]string, len(r.metrics))
	for ii, m := range r.metrics {
		names[ii] = r.FullName(m.Name)
	}
	return names
}

// Nodes returns the values of the metrics, in order. Use them as outputs of the graph and convert back with Values.
func (r *Record) Nodes() []*Node {
	nodes := make([]*Node, len(r.metrics))
	for ii, m := range r.metrics {
		nodes[ii] = m.Value
	}
	return nodes
}

// Get returns the value of the metric with the given name (without the split prefix).
func (r *Record) Get(name string) (*Node, bool) {
	for _, m := range r.metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return nil, false
}

// Has returns whether the metric with the given name (without the split prefix) is present.
func (r *Record) Has(name string) bool {
	_, found := r.Get(name)
	return found
}

// Values maps the full metric names to the values returned by executing Nodes.
func (r *Record) Values(results []*tensors.Tensor) (map[string]float64, error) {
	if len(results) != len(r.metrics) {
		return nil, errors.Errorf("Record.Values expected %d tensors, got %d", len(r.metrics), len(results))
	}
	values := make(map[string]float64, len(results))
	for ii, t := range results {
		var err error
		var value float64
		err = exceptions.TryCatch[error](func() { value = tensors.ToScalar[float64](t) })
		if err != nil {
			return nil, errors.WithMessagef(err, "metric %q", r.FullName(r.metrics[ii].Name))
		}
		values[r.FullName(r.metrics[ii].Name)] = value
	}
	return values, nil
}

// recordBuilder starts from the required metrics and conditionally appends the optional ones.
type recordBuilder struct {
	record *Record
}

func newRecordBuilder(split string) *recordBuilder {
	if split == "" {
		split = DefaultSplit
	}
	return &recordBuilder{record: &Record{split: split}}
}

// add appends the mean of value, converted to a float64 scalar with gradients stopped.
func (b *recordBuilder) add(name string, value *Node) *recordBuilder {
	if !value.IsScalar() {
		value = ReduceAllMean(value)
	}
	value = StopGradient(ConvertDType(value, dtypes.Float64))
	b.record.metrics = append(b.record.metrics, Metric{Name: name, Value: value})
	return b
}

// addIf appends the metric only if value is not nil.
func (b *recordBuilder) addIf(name string, value *Node) *recordBuilder {
	if value != nil {
		b.add(name, value)
	}
	return b
}

func (b *recordBuilder) Done() *Record {
	return b.record
}

// generatorMetrics are the metrics always present in a generator step.
type generatorMetrics struct {
	TotalLoss, LogVar, KLLoss, NLLLoss, RecLoss, DWeight, DiscFactor, GLoss *Node
}

func (m generatorMetrics) builder(split string) *recordBuilder {
	return newRecordBuilder(split).
		add(MetricTotalLoss, m.TotalLoss).
		add(MetricLogVar, m.LogVar).
		add(MetricKLLoss, m.KLLoss).
		add(MetricNLLLoss, m.NLLLoss).
		add(MetricRecLoss, m.RecLoss).
		add(MetricDWeight, m.DWeight).
		add(MetricDiscFactor, m.DiscFactor).
		add(MetricGLoss, m.GLoss)
}

// discriminatorMetrics are the metrics of a discriminator step.
type discriminatorMetrics struct {
	DiscLoss, LogitsReal, LogitsFake *Node
}

func (m discriminatorMetrics) builder(split string) *recordBuilder {
	return newRecordBuilder(split).
		add(MetricDiscLoss, m.DiscLoss).
		add(MetricLogitsReal, m.LogitsReal).
		add(MetricLogitsFake, m.LogitsFake)
}
