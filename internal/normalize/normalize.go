// Package normalize reshapes executed rows into chart series. Every result
// satisfies len(Labels) == len(Datasets[i].Values).
package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/KaramelBytes/chartloom/internal/compiler"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/logging"
	"github.com/KaramelBytes/chartloom/internal/portable"
)

// UnknownLabel stands in for a null grouping key.
const UnknownLabel = "Unknown"

// Labels of the degraded row-count result.
const (
	DegradedLabel   = "Matching rows"
	DegradedDataset = "Row count"
)

var (
	// ErrShape is returned when rows do not have the columns the plan
	// promised.
	ErrShape = errors.New("result shape does not match plan")
	// ErrNotNumeric is returned for an aggregate value that is not a number.
	ErrNotNumeric = errors.New("value is not numeric")
	// ErrNoNumericColumn is returned when a row listing has nothing to plot.
	ErrNoNumericColumn = errors.New("no numeric column to plot")
)

// Dataset is one chart series.
type Dataset struct {
	Label  string    `json:"label"`
	Values []float64 `json:"values"`
}

// Result is the Chart Series Result.
type Result struct {
	Labels   []string  `json:"labels"`
	Datasets []Dataset `json:"datasets"`
}

// Normalizer converts cells and reshapes row sets. Lossy cell conversions are
// logged at warn level.
type Normalizer struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Normalizer {
	return &Normalizer{log: logging.OrNop(log)}
}

// Reshape turns the row sets of p's parts, in part order, into a Result.
func (n *Normalizer) Reshape(p *compiler.Plan, results []dataset.RowSet) (Result, error) {
	if p == nil {
		return Result{}, fmt.Errorf("%w: nil plan", ErrShape)
	}
	if len(results) != len(p.Parts) {
		return Result{}, fmt.Errorf("%w: %d parts, %d results", ErrShape, len(p.Parts), len(results))
	}
	switch p.Layout {
	case compiler.LayoutRows:
		if len(results) != 1 {
			return Result{}, fmt.Errorf("%w: row listing needs one result", ErrShape)
		}
		return n.rows(p, results[0])
	case compiler.LayoutCombined:
		if len(results) != 1 {
			return Result{}, fmt.Errorf("%w: combined series needs one result", ErrShape)
		}
		pts, err := n.points(results[0], 3, func(row []any) (string, any, any) {
			return portable.Label(row[1]), row[0], row[2]
		})
		if err != nil {
			return Result{}, err
		}
		return pivot(p, pts, p.Series)
	}

	var pts []point
	series := p.Series
	if len(p.Parts) == 1 && p.Parts[0].Series == "" {
		series = []string{p.ValueLabel}
	}
	for i, rs := range results {
		label := p.Parts[i].Series
		if label == "" {
			label = p.ValueLabel
		}
		part, err := n.points(rs, 2, func(row []any) (string, any, any) {
			return label, row[0], row[1]
		})
		if err != nil {
			return Result{}, err
		}
		pts = append(pts, part...)
	}
	return pivot(p, pts, series)
}

// Degraded builds the row-count result from the plan's fallback query.
func (n *Normalizer) Degraded(rs dataset.RowSet) (Result, error) {
	if len(rs.Rows) != 1 || len(rs.Rows[0]) < 1 {
		return Result{}, fmt.Errorf("%w: row count needs one row", ErrShape)
	}
	v, ok := portable.Number(rs.Rows[0][0])
	if !ok {
		return Result{}, fmt.Errorf("row count: %w", ErrNotNumeric)
	}
	return Result{
		Labels:   []string{DegradedLabel},
		Datasets: []Dataset{{Label: DegradedDataset, Values: []float64{v}}},
	}, nil
}

// point is one (series, key, value) cell of a grouped result.
type point struct {
	series string
	key    any
	value  float64
}

func (n *Normalizer) points(rs dataset.RowSet, width int, split func([]any) (string, any, any)) ([]point, error) {
	if len(rs.Rows) > 0 && len(rs.Columns) < width {
		return nil, fmt.Errorf("%w: want %d columns, got %v", ErrShape, width, rs.Columns)
	}
	out := make([]point, 0, len(rs.Rows))
	for i, row := range rs.Rows {
		if len(row) < width {
			return nil, fmt.Errorf("%w: row %d has %d cells", ErrShape, i, len(row))
		}
		series, key, raw := split(row)
		key = n.cell(key)
		v, err := n.number(raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, point{series: series, key: key, value: v})
	}
	return out, nil
}

func (n *Normalizer) cell(v any) any {
	p, note := portable.Value(v)
	if note != "" {
		n.log.Warn("lossy result value", zap.String("note", note))
	}
	return p
}

// number maps a null aggregate to 0.
func (n *Normalizer) number(v any) (float64, error) {
	p := n.cell(v)
	if p == nil {
		return 0, nil
	}
	f, ok := portable.Number(p)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrNotNumeric, p)
	}
	return f, nil
}

// pivot is the single reshape step shared by every grouped form. Labels keep
// first-appearance order for one series; with several series they are sorted
// by key so per-series and combined results reshape identically. A missing
// (label, series) cell is 0.
func pivot(p *compiler.Plan, pts []point, series []string) (Result, error) {
	if len(series) > 1 {
		sort.SliceStable(pts, func(i, j int) bool { return compareKeys(pts[i].key, pts[j].key) < 0 })
	}
	res := Result{Labels: []string{}, Datasets: make([]Dataset, len(series))}
	col := make(map[string]int, len(series))
	for i, s := range series {
		res.Datasets[i] = Dataset{Label: s, Values: []float64{}}
		col[s] = i
	}
	row := map[string]int{}
	for _, pt := range pts {
		label := keyLabel(p, pt.key)
		r, ok := row[label]
		if !ok {
			r = len(res.Labels)
			row[label] = r
			res.Labels = append(res.Labels, label)
			for i := range res.Datasets {
				res.Datasets[i].Values = append(res.Datasets[i].Values, 0)
			}
		}
		c, ok := col[pt.series]
		if !ok {
			return Result{}, fmt.Errorf("%w: undeclared series %q", ErrShape, pt.series)
		}
		res.Datasets[c].Values[r] += pt.value
	}
	return res, nil
}

func keyLabel(p *compiler.Plan, key any) string {
	if key == nil {
		return UnknownLabel
	}
	return p.Label(portable.Label(key))
}

// compareKeys orders numbers numerically, everything else by label, and nulls
// last.
func compareKeys(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	fa, aNum := asFloat(a)
	fb, bNum := asFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(portable.Label(a), portable.Label(b))
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// rows charts a raw or filter-only listing. The label column is the plan's
// dimension, else the first non-numeric column, else the row number. Each
// numeric column (or just the measure) becomes a dataset.
func (n *Normalizer) rows(p *compiler.Plan, rs dataset.RowSet) (Result, error) {
	index := make(map[string]int, len(rs.Columns))
	for i, c := range rs.Columns {
		index[c] = i
	}
	typeOf := func(name string) dataset.Type {
		if c, ok := p.Columns.Lookup(name); ok {
			return c.Type
		}
		return dataset.TypeUnknown
	}

	labelCol := -1
	if p.Dimension != "" {
		i, ok := index[p.Dimension]
		if !ok {
			return Result{}, fmt.Errorf("%w: missing column %q", ErrShape, p.Dimension)
		}
		labelCol = i
	} else {
		for i, c := range rs.Columns {
			if !typeOf(c).Numeric() {
				labelCol = i
				break
			}
		}
	}

	var valueCols []int
	if p.Measure != "" {
		i, ok := index[p.Measure]
		if !ok {
			return Result{}, fmt.Errorf("%w: missing column %q", ErrShape, p.Measure)
		}
		valueCols = []int{i}
	} else {
		for i, c := range rs.Columns {
			if i != labelCol && typeOf(c).Numeric() {
				valueCols = append(valueCols, i)
			}
		}
	}
	if len(valueCols) == 0 {
		return Result{}, ErrNoNumericColumn
	}

	res := Result{Labels: make([]string, 0, len(rs.Rows)), Datasets: make([]Dataset, len(valueCols))}
	for j, c := range valueCols {
		res.Datasets[j] = Dataset{Label: rs.Columns[c], Values: make([]float64, 0, len(rs.Rows))}
	}
	for r, row := range rs.Rows {
		if len(row) < len(rs.Columns) {
			return Result{}, fmt.Errorf("%w: row %d has %d cells", ErrShape, r, len(row))
		}
		label := strconv.Itoa(r + 1)
		if labelCol >= 0 {
			label = keyLabel(p, n.cell(row[labelCol]))
		}
		res.Labels = append(res.Labels, label)
		for j, c := range valueCols {
			v, err := n.number(row[c])
			if err != nil {
				return Result{}, fmt.Errorf("row %d column %q: %w", r, rs.Columns[c], err)
			}
			res.Datasets[j].Values = append(res.Datasets[j].Values, v)
		}
	}
	return res, nil
}
