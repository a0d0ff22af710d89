// Package intent turns model output into a validated Query Intent. Model text
// is treated as untrusted input: it is parsed into a fixed structure and
// checked against the dataset's columns before anything is compiled.
package intent

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/KaramelBytes/chartloom/internal/failure"
)

// DataQuery is the query shape.
type DataQuery string

const (
	QueryRaw        DataQuery = "raw"
	QueryGroup      DataQuery = "group"
	QueryFilterOnly DataQuery = "filter-only"
)

// Aggregation is the aggregate function of a group query.
type Aggregation string

const (
	AggSum   Aggregation = "SUM"
	AggAvg   Aggregation = "AVG"
	AggCount Aggregation = "COUNT"
	AggMin   Aggregation = "MIN"
	AggMax   Aggregation = "MAX"
)

// NeedsNumeric reports whether the function only applies to numeric measures.
func (a Aggregation) NeedsNumeric() bool { return a != AggCount }

// Operator is a filter comparison.
type Operator string

const (
	OpEq  Operator = "="
	OpNe  Operator = "!="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="
	OpIn  Operator = "IN"
)

// ChartType is the requested visualization.
type ChartType string

const (
	ChartBar     ChartType = "bar"
	ChartLine    ChartType = "line"
	ChartPie     ChartType = "pie"
	ChartScatter ChartType = "scatter"
	ChartArea    ChartType = "area"
)

// Bucket is a calendar grouping for DATE dimensions.
type Bucket string

const (
	BucketNone    Bucket = ""
	BucketDay     Bucket = "day"
	BucketMonth   Bucket = "month"
	BucketQuarter Bucket = "quarter"
	BucketYear    Bucket = "year"
)

// Intent is the JSON object the model is asked to return.
type Intent struct {
	DataQuery   DataQuery   `json:"dataQuery"`
	Dimension   string      `json:"dimension,omitempty"`
	Bucket      Bucket      `json:"bucket,omitempty"`
	Measure     string      `json:"measure,omitempty"`
	Aggregation Aggregation `json:"aggregation,omitempty"`
	Filters     []Filter    `json:"filters,omitempty"`
	Series      *Series     `json:"series,omitempty"`
	ChartType   ChartType   `json:"chartType,omitempty"`
	Limit       int         `json:"limit,omitempty"`
	Explanation string      `json:"explanation,omitempty"`
}

// Filter is one model-supplied condition. Value is whatever JSON the model
// produced; it is only trusted after validation.
type Filter struct {
	Column   string   `json:"column"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Series asks for one dataset per listed value of Column.
type Series struct {
	Column string `json:"column"`
	Values []any  `json:"values"`
}

var operatorAliases = map[string]Operator{
	"=": OpEq, "==": OpEq, "eq": OpEq,
	"!=": OpNe, "<>": OpNe, "ne": OpNe,
	">": OpGt, "gt": OpGt, ">=": OpGte, "gte": OpGte,
	"<": OpLt, "lt": OpLt, "<=": OpLte, "lte": OpLte,
	"in": OpIn,
}

// Parse decodes raw model text. It strips Markdown code fences and, if the
// text is not a JSON object on its own, makes one repair pass that extracts
// the first balanced {...} substring.
func Parse(raw string) (*Intent, error) {
	text := stripFences(raw)
	in, err := decode(text)
	if err == nil {
		return in, nil
	}
	obj, ok := firstObject(text)
	if !ok {
		return nil, &failure.IntentParseError{Raw: raw, Err: err}
	}
	in, err = decode(obj)
	if err != nil {
		return nil, &failure.IntentParseError{Raw: raw, Err: err}
	}
	return in, nil
}

func decode(s string) (*Intent, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var in Intent
	if err := dec.Decode(&in); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	in.normalize()
	return &in, nil
}

func (in *Intent) normalize() {
	in.DataQuery = DataQuery(strings.ToLower(strings.TrimSpace(string(in.DataQuery))))
	in.Aggregation = Aggregation(strings.ToUpper(strings.TrimSpace(string(in.Aggregation))))
	in.ChartType = ChartType(strings.ToLower(strings.TrimSpace(string(in.ChartType))))
	in.Bucket = Bucket(strings.ToLower(strings.TrimSpace(string(in.Bucket))))
	for i := range in.Filters {
		op := strings.ToLower(strings.TrimSpace(string(in.Filters[i].Operator)))
		if alias, ok := operatorAliases[op]; ok {
			in.Filters[i].Operator = alias
		} else {
			in.Filters[i].Operator = Operator(op)
		}
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // language tag
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// firstObject returns the first balanced JSON object in s, honoring string
// literals and escapes.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// JSON renders the intent for logs and the compile command.
func (in *Intent) JSON() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(in)
	return strings.TrimSpace(buf.String())
}
