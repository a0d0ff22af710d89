// Package summary turns a schema and a few sample rows into a small,
// JSON-safe context object that can be embedded in a model prompt.
package summary

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/KaramelBytes/chartloom/internal/ai"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/logging"
	"github.com/KaramelBytes/chartloom/internal/portable"
)

// Options bounds the summary.
type Options struct {
	MaxRows      int // sample rows kept; capped at 10
	MaxCellChars int // longer strings are truncated
	MaxChars     int // budget for the rendered JSON
}

// DefaultOptions returns the bounds used when none are configured.
func DefaultOptions() Options {
	return Options{MaxRows: 10, MaxCellChars: 80, MaxChars: 8000}
}

// Context is the model-safe view of a dataset.
type Context struct {
	Dataset    string          `json:"dataset"`
	Columns    dataset.Columns `json:"columns"`
	SampleRows [][]any         `json:"sampleRows"`
	TotalRows  int64           `json:"totalRows"`
	Notes      []string        `json:"notes,omitempty"`
}

// Summarizer builds Contexts. It never fails: values that cannot be made
// portable are coerced or dropped with a logged warning.
type Summarizer struct {
	opts Options
	log  *zap.Logger
}

// New returns a Summarizer; zero option fields take their defaults.
func New(opts Options, log *zap.Logger) *Summarizer {
	def := DefaultOptions()
	if opts.MaxRows <= 0 || opts.MaxRows > def.MaxRows {
		opts.MaxRows = def.MaxRows
	}
	if opts.MaxCellChars <= 0 {
		opts.MaxCellChars = def.MaxCellChars
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = def.MaxChars
	}
	return &Summarizer{opts: opts, log: logging.OrNop(log)}
}

// Summarize aligns sample rows with cols and normalizes every cell.
func (s *Summarizer) Summarize(id string, cols dataset.Columns, sample dataset.Sample) Context {
	out := Context{Dataset: id, Columns: cols, SampleRows: [][]any{}, TotalRows: sample.TotalRows}
	if out.Columns == nil {
		out.Columns = dataset.Columns{}
	}

	// Sample columns may come in a different order than the schema.
	pos := make([]int, len(cols))
	index := make(map[string]int, len(sample.Columns))
	for i, c := range sample.Columns {
		index[c] = i
	}
	for i, c := range cols {
		j, ok := index[c.Name]
		if !ok {
			j = -1
		}
		pos[i] = j
	}

	dropped := 0
	for r, row := range sample.Rows {
		if r >= s.opts.MaxRows {
			break
		}
		cells := make([]any, len(cols))
		for i, j := range pos {
			if j < 0 || j >= len(row) {
				continue
			}
			v, note := portable.Value(row[j])
			if note != "" {
				s.log.Warn("sample value coerced",
					zap.String("dataset", id),
					zap.String("column", cols[i].Name),
					zap.String("note", note))
				if v == nil {
					dropped++
				}
			}
			if str, ok := v.(string); ok {
				v = truncate(str, s.opts.MaxCellChars)
			}
			cells[i] = v
		}
		out.SampleRows = append(out.SampleRows, cells)
	}
	if dropped > 0 {
		out.Notes = append(out.Notes, fmt.Sprintf("%d sample values could not be represented and were omitted", dropped))
	}
	return out
}

// Render serializes c within the character budget, dropping sample rows from
// the end until it fits. The column list is always kept.
func (s *Summarizer) Render(c Context) string {
	return s.RenderWithin(c, s.opts.MaxChars)
}

// RenderWithin is Render with an explicit budget.
func (s *Summarizer) RenderWithin(c Context, maxChars int) string {
	for {
		b, err := json.Marshal(c)
		if err != nil {
			s.log.Warn("summary serialization failed", zap.Error(err))
			c.SampleRows = [][]any{}
			c.Notes = append(c.Notes, "sample rows omitted")
			b, _ = json.Marshal(c)
			return string(b)
		}
		if len(b) <= maxChars || len(c.SampleRows) == 0 {
			return string(b)
		}
		c.SampleRows = c.SampleRows[:len(c.SampleRows)-1]
	}
}

// BudgetForModel returns a rendering budget for the model: the configured
// maximum, shrunk to a quarter of a small model's context window.
func (s *Summarizer) BudgetForModel(model string) int {
	budget := s.opts.MaxChars
	if info, ok := ai.LookupModel(model); ok && info.ContextTokens > 0 {
		// A quarter of the window at ~4 chars per token is ContextTokens chars.
		if quarter := info.ContextTokens; quarter < budget {
			budget = quarter
		}
	}
	return budget
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
