// Package compiler turns a validated intent into SQL for the embedded engine
// or a warehouse. Every value supplied by the model is rendered through
// Dialect.Literal; column names only come from the dataset schema.
package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/intent"
)

// Row caps.
const (
	// DefaultRawRowCap bounds raw passthrough queries.
	DefaultRawRowCap = 500
	// DefaultFilterRowLimit is the filter-only sample size when the intent
	// does not name one.
	DefaultFilterRowLimit = 100
)

// Output column aliases of grouped queries.
const (
	LabelColumn    = "label"
	SeriesColumn   = "series"
	ValueColumn    = "value"
	RowCountColumn = "row_count"
)

// ErrInvalidTarget is returned for a target without a relation or dialect.
var ErrInvalidTarget = errors.New("invalid compile target")

// Target is the backend a plan is compiled for.
type Target struct {
	Dialect Dialect
	// Relation is the already quoted FROM source.
	Relation string
	// SplitSeries compiles one query per series instead of a single query
	// grouped by the series column.
	SplitSeries bool
}

// Local targets the reader's bound view.
func Local(relation string) Target {
	return Target{Dialect: DuckDB, Relation: relation}
}

// Warehouse targets schema.table in d, one query per series.
func Warehouse(d Dialect, schema, table string) Target {
	return Target{Dialect: d, Relation: d.QualifiedName(schema, table), SplitSeries: true}
}

// Options overrides the row caps.
type Options struct {
	RawRowCap      int
	FilterRowLimit int
}

func (o Options) withDefaults() Options {
	if o.RawRowCap <= 0 {
		o.RawRowCap = DefaultRawRowCap
	}
	if o.FilterRowLimit <= 0 {
		o.FilterRowLimit = DefaultFilterRowLimit
	}
	return o
}

// Layout says how the rows of a plan's parts map onto chart series.
type Layout int

const (
	// LayoutGrouped parts return (label, value). With several parts each one
	// is a series.
	LayoutGrouped Layout = iota
	// LayoutCombined is a single part returning (label, series, value).
	LayoutCombined
	// LayoutRows parts return table rows.
	LayoutRows
)

func (l Layout) String() string {
	switch l {
	case LayoutGrouped:
		return "grouped"
	case LayoutCombined:
		return "combined"
	case LayoutRows:
		return "rows"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// Part is one query of a plan. Series is the series label it fills, empty
// for single-series plans.
type Part struct {
	SQL    string
	Series string
}

// Plan is a compiled intent.
type Plan struct {
	Query  intent.DataQuery
	Layout Layout
	Parts  []Part
	// Fallback counts the rows matching the filters. It is run when the
	// main query fails.
	Fallback string
	Bucket   intent.Bucket
	// Series lists the declared series labels in order; nil for single
	// series plans.
	Series []string
	// ValueLabel names the dataset of a single series grouped plan.
	ValueLabel string
	// Dimension labels rows of raw and filter-only plans; empty when none
	// was asked for.
	Dimension string
	// Measure restricts raw and filter-only datasets to one column.
	Measure string
	// Columns describes the selected columns of raw and filter-only plans.
	Columns dataset.Columns
}

// Label turns a grouping key into a chart label.
func (p *Plan) Label(key string) string {
	if p == nil || p.Bucket == intent.BucketNone {
		return key
	}
	return BucketLabel(p.Bucket, key)
}

// Compile builds a plan for v against t. cols is the schema the intent was
// validated against.
func Compile(v *intent.Validated, cols dataset.Columns, t Target, opts Options) (*Plan, error) {
	if v == nil {
		return nil, errors.New("compile: nil intent")
	}
	if !t.Dialect.Valid() || strings.TrimSpace(t.Relation) == "" {
		return nil, fmt.Errorf("%w: dialect %q relation %q", ErrInvalidTarget, t.Dialect, t.Relation)
	}
	opts = opts.withDefaults()
	c := &compilation{v: v, d: t.Dialect, rel: t.Relation}

	p := &Plan{Query: v.Query, Bucket: v.Bucket}
	if v.Series != nil {
		for _, lit := range v.Series.Values {
			p.Series = append(p.Series, lit.String())
		}
	}
	p.Fallback = c.fallback()

	switch v.Query {
	case intent.QueryGroup:
		if v.Dimension == nil {
			return nil, errors.New("compile: grouped query without a dimension")
		}
		p.ValueLabel = valueLabel(v)
		switch {
		case v.Series == nil:
			p.Layout = LayoutGrouped
			p.Parts = []Part{{SQL: c.grouped(nil)}}
		case t.SplitSeries:
			p.Layout = LayoutGrouped
			for i, lit := range v.Series.Values {
				p.Parts = append(p.Parts, Part{SQL: c.grouped(&lit), Series: p.Series[i]})
			}
		default:
			p.Layout = LayoutCombined
			p.Parts = []Part{{SQL: c.combined()}}
		}
	case intent.QueryFilterOnly, intent.QueryRaw:
		n := opts.RawRowCap
		if v.Query == intent.QueryFilterOnly {
			n = opts.FilterRowLimit
		}
		if v.Limit > 0 {
			n = v.Limit
		}
		if n > opts.RawRowCap {
			n = opts.RawRowCap
		}
		p.Layout = LayoutRows
		p.Series = nil
		if v.Dimension != nil {
			p.Dimension = v.Dimension.Name
		}
		if v.Measure != nil {
			p.Measure = v.Measure.Name
		}
		p.Columns = c.selected(cols)
		p.Parts = []Part{{SQL: c.rows(p.Columns, cols, n)}}
	default:
		return nil, fmt.Errorf("compile: unknown data query %q", v.Query)
	}
	return p, nil
}

func valueLabel(v *intent.Validated) string {
	if v.Measure == nil {
		return "Count"
	}
	if v.Aggregation == intent.AggSum {
		return v.Measure.Name
	}
	return fmt.Sprintf("%s of %s", aggName(v.Aggregation), v.Measure.Name)
}

func aggName(a intent.Aggregation) string {
	switch a {
	case intent.AggAvg:
		return "Average"
	case intent.AggCount:
		return "Count"
	case intent.AggMin:
		return "Minimum"
	case intent.AggMax:
		return "Maximum"
	}
	return "Total"
}

type compilation struct {
	v   *intent.Validated
	d   Dialect
	rel string
}

func (c *compilation) key() string {
	if c.v.Bucket != intent.BucketNone {
		return c.d.bucketKey(c.v.Dimension.Name, c.v.Bucket)
	}
	return c.d.QuoteIdent(c.v.Dimension.Name)
}

func (c *compilation) aggregate() string {
	agg := c.v.Aggregation
	if c.v.Measure == nil || agg == "" {
		return "COUNT(*)"
	}
	m := c.d.QuoteIdent(c.v.Measure.Name)
	if agg == intent.AggAvg && c.d == SQLServer {
		// AVG over an int column truncates in SQL Server.
		return "AVG(CAST(" + m + " AS float))"
	}
	return string(agg) + "(" + m + ")"
}

// grouped compiles SELECT key, AGG(measure) ... GROUP BY key ORDER BY key,
// restricted to one series value when series is set.
func (c *compilation) grouped(series *intent.Literal) string {
	key := c.key()
	conds := c.conditions()
	if series != nil {
		conds = append(conds, c.compare(c.v.Series.Column, intent.OpEq, []intent.Literal{*series}))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s AS %s, %s AS %s FROM %s",
		key, c.d.QuoteIdent(LabelColumn), c.aggregate(), c.d.QuoteIdent(ValueColumn), c.rel)
	writeWhere(&b, conds)
	fmt.Fprintf(&b, " GROUP BY %s ORDER BY %s", key, key)
	return b.String()
}

// combined compiles one query with the series column as a second grouping key.
func (c *compilation) combined() string {
	key := c.key()
	// The series column is rendered like its filter so row values match the
	// declared series labels (a TIMESTAMP column compares as a date).
	s := c.d.columnExpr(c.v.Series.Column)
	conds := append(c.conditions(), c.compare(c.v.Series.Column, intent.OpIn, c.v.Series.Values))
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s AS %s, %s AS %s, %s AS %s FROM %s",
		key, c.d.QuoteIdent(LabelColumn),
		s, c.d.QuoteIdent(SeriesColumn),
		c.aggregate(), c.d.QuoteIdent(ValueColumn), c.rel)
	writeWhere(&b, conds)
	fmt.Fprintf(&b, " GROUP BY %s, %s ORDER BY %s, %s", key, s, key, s)
	return b.String()
}

// selected picks the dimension and measure when the intent names them,
// otherwise every column.
func (c *compilation) selected(cols dataset.Columns) dataset.Columns {
	var out dataset.Columns
	if c.v.Dimension != nil {
		out = append(out, *c.v.Dimension)
	}
	if c.v.Measure != nil && (c.v.Dimension == nil || c.v.Measure.Name != c.v.Dimension.Name) {
		out = append(out, *c.v.Measure)
	}
	if len(out) == 0 {
		return append(dataset.Columns{}, cols...)
	}
	return out
}

func (c *compilation) rows(sel, all dataset.Columns, n int) string {
	list := "*"
	if len(sel) > 0 && len(sel) != len(all) {
		names := make([]string, len(sel))
		for i, col := range sel {
			names[i] = c.d.QuoteIdent(col.Name)
		}
		list = strings.Join(names, ", ")
	}
	conds := c.conditions()
	if c.v.Series != nil {
		conds = append(conds, c.compare(c.v.Series.Column, intent.OpIn, c.v.Series.Values))
	}
	var b strings.Builder
	b.WriteString(" FROM ")
	b.WriteString(c.rel)
	writeWhere(&b, conds)
	return c.d.limit(list, b.String(), n)
}

func (c *compilation) fallback() string {
	conds := c.conditions()
	if c.v.Series != nil {
		conds = append(conds, c.compare(c.v.Series.Column, intent.OpIn, c.v.Series.Values))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT COUNT(*) AS %s FROM %s", c.d.QuoteIdent(RowCountColumn), c.rel)
	writeWhere(&b, conds)
	return b.String()
}

func (c *compilation) conditions() []string {
	out := make([]string, 0, len(c.v.Filters))
	for _, f := range c.v.Filters {
		out = append(out, c.compare(f.Column, f.Operator, f.Values))
	}
	return out
}

func (c *compilation) compare(col dataset.Column, op intent.Operator, vals []intent.Literal) string {
	lhs := c.d.columnExpr(col)
	if op == intent.OpIn || len(vals) > 1 {
		lits := make([]string, len(vals))
		for i, l := range vals {
			lits[i] = c.d.Literal(l)
		}
		return lhs + " IN (" + strings.Join(lits, ", ") + ")"
	}
	sqlOp := string(op)
	if op == intent.OpNe {
		sqlOp = "<>"
	}
	return lhs + " " + sqlOp + " " + c.d.Literal(vals[0])
}

func writeWhere(b *strings.Builder, conds []string) {
	if len(conds) == 0 {
		return
	}
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(conds, " AND "))
}
