// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/epiplan/epigraph/pkg/estimator"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// table is a lipgloss table where some rows can be highlighted in red.
type table struct {
	*lgtable.Table
	count int
	reds  map[int]bool
}

// newTable creates a table. Columns are aligned with the given alignments, the last one repeated
// for the remaining columns.
func newTable(alignments ...lipgloss.Position) *table {
	t := &table{reds: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				s = headerRowStyle
				return
			case t.reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// AddRow appends a row, highlighted if isRed.
func (t *table) AddRow(isRed bool, row ...string) {
	if isRed {
		t.reds[t.count] = true
	}
	t.Table.Row(row...)
	t.count++
}

// Print renders the table to w under title.
func (t *table) Print(w io.Writer, title string) {
	if title != "" {
		_, _ = fmt.Fprintln(w, titleStyle.Render(title))
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

// formatFloat formats metrics, with "-" for NaN.
func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.4g", v)
}

// metricsTable lists the metrics of a model.
func metricsTable(m estimator.Metrics) *table {
	t := newTable(lipgloss.Right, lipgloss.Left)
	t.AddRow(false, "global_step", fmt.Sprintf("%d", m.GlobalStep))
	t.AddRow(false, "val_loss", formatFloat(m.ValLoss))
	t.AddRow(false, "mse", formatFloat(m.MSE))
	t.AddRow(false, "rmse", formatFloat(m.RMSE))
	t.AddRow(false, "mae", formatFloat(m.MAE))
	t.AddRow(false, "r2", formatFloat(m.R2))
	return t
}
