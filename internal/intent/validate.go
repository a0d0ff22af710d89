package intent

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/tabular"
)

// Literal is a filter or series value coerced to its column's type.
type Literal struct {
	Type dataset.Type
	Str  string
	Num  float64
	Bool bool
	Date time.Time
}

// String renders the literal as a chart label.
func (l Literal) String() string {
	switch l.Type {
	case dataset.TypeInteger, dataset.TypeFloat:
		return strconv.FormatFloat(l.Num, 'f', -1, 64)
	case dataset.TypeBoolean:
		return strconv.FormatBool(l.Bool)
	case dataset.TypeDate:
		return l.Date.Format("2006-01-02")
	}
	return l.Str
}

// Condition is a validated filter. Values has one element except for IN.
type Condition struct {
	Column   dataset.Column
	Operator Operator
	Values   []Literal
}

// SeriesSpec is a validated comparison: one dataset per value.
type SeriesSpec struct {
	Column dataset.Column
	Values []Literal
}

// Validated is an Intent that passed referential and type checks. Only
// Validated intents reach the compiler.
type Validated struct {
	Query       DataQuery
	Dimension   *dataset.Column
	Bucket      Bucket
	Measure     *dataset.Column
	Aggregation Aggregation
	Filters     []Condition
	Series      *SeriesSpec
	ChartType   ChartType
	Limit       int
	Explanation string
}

// Validate checks in against cols. Column names are matched exactly.
func Validate(in *Intent, cols dataset.Columns) (*Validated, error) {
	if in == nil {
		return nil, &failure.IntentValidationError{Reason: failure.ReasonUnsupported, Detail: "empty intent"}
	}
	v := &Validated{
		Query:       in.DataQuery,
		Bucket:      in.Bucket,
		Aggregation: in.Aggregation,
		ChartType:   in.ChartType,
		Limit:       in.Limit,
		Explanation: strings.TrimSpace(in.Explanation),
	}

	if v.Query == "" {
		switch {
		case in.Dimension != "" || in.Aggregation != "":
			v.Query = QueryGroup
		case len(in.Filters) > 0:
			v.Query = QueryFilterOnly
		default:
			v.Query = QueryRaw
		}
	}
	switch v.Query {
	case QueryRaw, QueryGroup, QueryFilterOnly:
	default:
		return nil, unsupported("unknown dataQuery %q", in.DataQuery)
	}

	var err error
	if in.Dimension != "" {
		if v.Dimension, err = lookup(cols, in.Dimension); err != nil {
			return nil, err
		}
	}
	if in.Measure != "" {
		if v.Measure, err = lookup(cols, in.Measure); err != nil {
			return nil, err
		}
	}
	for _, f := range in.Filters {
		c, err := validateFilter(cols, f)
		if err != nil {
			return nil, err
		}
		v.Filters = append(v.Filters, c)
	}
	if in.Series != nil && in.Series.Column != "" {
		if v.Series, err = validateSeries(cols, in.Series); err != nil {
			return nil, err
		}
	}

	if v.Query == QueryGroup {
		if err := checkGroup(v); err != nil {
			return nil, err
		}
	} else {
		v.Aggregation = ""
		v.Bucket = BucketNone
	}

	switch v.ChartType {
	case ChartBar, ChartLine, ChartPie, ChartScatter, ChartArea:
	default:
		v.ChartType = ChartBar
	}
	if v.Limit < 0 {
		v.Limit = 0
	}
	return v, nil
}

func checkGroup(v *Validated) error {
	if v.Dimension == nil {
		return unsupported("a grouped query needs a dimension")
	}
	switch v.Aggregation {
	case "":
		if v.Measure == nil {
			v.Aggregation = AggCount
		} else {
			v.Aggregation = AggSum
		}
	case AggSum, AggAvg, AggCount, AggMin, AggMax:
	default:
		return unsupported("unknown aggregation %q", v.Aggregation)
	}
	if v.Aggregation.NeedsNumeric() {
		if v.Measure == nil {
			return &failure.IntentValidationError{
				Reason: failure.ReasonIncompatibleAggregator,
				Detail: fmt.Sprintf("%s needs a numeric measure", v.Aggregation),
			}
		}
		if !v.Measure.Type.Numeric() {
			return &failure.IntentValidationError{
				Reason: failure.ReasonIncompatibleAggregator,
				Column: v.Measure.Name,
				Detail: fmt.Sprintf("%s needs a numeric column, %q is %s", v.Aggregation, v.Measure.Name, v.Measure.Type),
			}
		}
	}
	switch v.Bucket {
	case BucketNone:
	case BucketDay, BucketMonth, BucketQuarter, BucketYear:
		if v.Dimension.Type != dataset.TypeDate {
			return &failure.IntentValidationError{
				Reason: failure.ReasonTypeMismatch,
				Column: v.Dimension.Name,
				Detail: fmt.Sprintf("calendar bucket %q needs a DATE dimension, %q is %s", v.Bucket, v.Dimension.Name, v.Dimension.Type),
			}
		}
	default:
		return unsupported("unknown bucket %q", v.Bucket)
	}
	if v.Series != nil && v.Series.Column.Name == v.Dimension.Name {
		return unsupported("series column %q is also the dimension", v.Series.Column.Name)
	}
	return nil
}

func validateFilter(cols dataset.Columns, f Filter) (Condition, error) {
	col, err := lookup(cols, f.Column)
	if err != nil {
		return Condition{}, err
	}
	switch f.Operator {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn:
	default:
		return Condition{}, unsupported("unknown operator %q", f.Operator)
	}
	raw := []any{f.Value}
	if list, ok := f.Value.([]any); ok {
		if f.Operator != OpIn {
			return Condition{}, mismatch(col, "operator %s takes a single value", f.Operator)
		}
		raw = list
	}
	if len(raw) == 0 {
		return Condition{}, mismatch(col, "IN needs at least one value")
	}
	c := Condition{Column: *col, Operator: f.Operator}
	for _, r := range raw {
		lit, err := Coerce(*col, r)
		if err != nil {
			return Condition{}, err
		}
		c.Values = append(c.Values, lit)
	}
	return c, nil
}

func validateSeries(cols dataset.Columns, s *Series) (*SeriesSpec, error) {
	col, err := lookup(cols, s.Column)
	if err != nil {
		return nil, err
	}
	if len(s.Values) == 0 {
		return nil, unsupported("series on %q lists no values", s.Column)
	}
	spec := &SeriesSpec{Column: *col}
	for _, r := range s.Values {
		lit, err := Coerce(*col, r)
		if err != nil {
			return nil, err
		}
		spec.Values = append(spec.Values, lit)
	}
	return spec, nil
}

// Coerce converts a model-supplied value to col's type.
func Coerce(col dataset.Column, v any) (Literal, error) {
	if v == nil {
		return Literal{}, mismatch(&col, "null is not comparable")
	}
	switch col.Type {
	case dataset.TypeInteger, dataset.TypeFloat:
		f, ok := asNumber(v)
		if !ok {
			return Literal{}, mismatch(&col, "%v is not a number", v)
		}
		return Literal{Type: col.Type, Num: f}, nil
	case dataset.TypeDate:
		s, ok := v.(string)
		if !ok {
			return Literal{}, mismatch(&col, "%v is not a date", v)
		}
		t, ok := tabular.ParseDate(s)
		if !ok {
			return Literal{}, mismatch(&col, "%q is not a date", s)
		}
		return Literal{Type: dataset.TypeDate, Date: t}, nil
	case dataset.TypeBoolean:
		switch x := v.(type) {
		case bool:
			return Literal{Type: dataset.TypeBoolean, Bool: x}, nil
		case string:
			if b, ok := tabular.ParseBool(x); ok {
				return Literal{Type: dataset.TypeBoolean, Bool: b}, nil
			}
		case json.Number:
			if b, ok := tabular.ParseBool(x.String()); ok {
				return Literal{Type: dataset.TypeBoolean, Bool: b}, nil
			}
		}
		return Literal{}, mismatch(&col, "%v is not a boolean", v)
	}
	// STRING and UNKNOWN compare as text.
	switch x := v.(type) {
	case string:
		return Literal{Type: dataset.TypeString, Str: x}, nil
	case json.Number:
		return Literal{Type: dataset.TypeString, Str: x.String()}, nil
	case bool:
		return Literal{Type: dataset.TypeString, Str: strconv.FormatBool(x)}, nil
	case float64:
		return Literal{Type: dataset.TypeString, Str: strconv.FormatFloat(x, 'f', -1, 64)}, nil
	}
	return Literal{}, mismatch(&col, "%v is not a scalar", v)
}

func asNumber(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return 0, false
		}
	case float64:
		f = x
	case int:
		f = float64(x)
	case string:
		var ok bool
		if f, ok = tabular.ParseNumber(x); !ok {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func lookup(cols dataset.Columns, name string) (*dataset.Column, error) {
	c, ok := cols.Lookup(name)
	if !ok {
		return nil, &failure.IntentValidationError{
			Reason: failure.ReasonUnknownColumn,
			Column: name,
			Detail: "available: " + strings.Join(cols.Names(), ", "),
		}
	}
	return &c, nil
}

func mismatch(col *dataset.Column, format string, args ...any) error {
	return &failure.IntentValidationError{
		Reason: failure.ReasonTypeMismatch,
		Column: col.Name,
		Detail: fmt.Sprintf(format, args...),
	}
}

func unsupported(format string, args ...any) error {
	return &failure.IntentValidationError{Reason: failure.ReasonUnsupported, Detail: fmt.Sprintf(format, args...)}
}
