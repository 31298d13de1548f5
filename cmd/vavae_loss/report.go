// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/muesli/termenv"
)

// Report holds the metrics of one evaluation of the loss.
type Report struct {
	Backend   string
	NumImages int
	Size      int
	Step      int64

	// NumParams and ParamsMemory of the discriminator.
	NumParams    int
	ParamsMemory uintptr

	Sections []ReportSection
}

// ReportSection is the list of metrics of one step, in the order they were recorded.
type ReportSection struct {
	Title  string
	Names  []string
	Values map[string]float64
}

// countVariables counts the parameters of the variables under ctx's scope.
func (r *Report) countVariables(ctx *context.Context) {
	for v := range ctx.IterVariablesInScope() {
		r.NumParams += v.Shape().Size()
		r.ParamsMemory += v.Shape().Memory()
	}
}

func (r *Report) addSection(title string, names []string, values map[string]float64) {
	r.Sections = append(r.Sections, ReportSection{Title: title, Names: names, Values: values})
}

// reportStyle holds the lipgloss styles used to render a Report, for a given output.
type reportStyle struct {
	title, header, oddRow, evenRow lipgloss.Style
	border                         lipgloss.Style
}

// newReportStyle creates the styles for the output w, using its color profile.
func newReportStyle(w io.Writer) reportStyle {
	renderer := lipgloss.NewRenderer(w)
	renderer.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
	return reportStyle{
		title:   renderer.NewStyle().Bold(true).MarginTop(1),
		header:  renderer.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center),
		oddRow:  renderer.NewStyle().PaddingLeft(1).PaddingRight(1),
		evenRow: renderer.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1),
		border:  renderer.NewStyle().Foreground(lipgloss.Color("99")),
	}
}

func (s reportStyle) newTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.border).
		StyleFunc(func(row, col int) lipgloss.Style {
			var style lipgloss.Style
			switch {
			case row == lgtable.HeaderRow:
				return s.header
			case row%2 == 0:
				style = s.oddRow
			default:
				style = s.evenRow
			}
			if col < len(alignments) {
				style = style.Align(alignments[col])
			}
			return style
		})
}

// formatValue prints small and large values in scientific notation.
func formatValue(v float64) string {
	return fmt.Sprintf("%.6g", v)
}

// Render returns the report as text.
func (r *Report) Render(style reportStyle) string {
	var sb strings.Builder
	summary := style.newTable(lipgloss.Right, lipgloss.Left)
	summary.Row("Backend", r.Backend)
	summary.Row("Images", fmt.Sprintf("%d x %dx%d", r.NumImages, r.Size, r.Size))
	summary.Row("Global step", humanize.Comma(r.Step))
	summary.Row("Discriminator parameters", fmt.Sprintf("%s (%s)",
		humanize.Comma(int64(r.NumParams)), humanize.Bytes(uint64(r.ParamsMemory))))
	sb.WriteString(summary.String())
	sb.WriteString("\n")

	for _, section := range r.Sections {
		sb.WriteString(style.title.Render(section.Title))
		sb.WriteString("\n")
		table := style.newTable(lipgloss.Left, lipgloss.Right).Headers("Metric", "Value")
		for _, name := range section.Names {
			table.Row(name, formatValue(section.Values[name]))
		}
		sb.WriteString(table.String())
		sb.WriteString("\n")
	}
	return sb.String()
}
