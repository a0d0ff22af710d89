// Package portable converts engine and driver values into JSON-safe scalars:
// numbers, strings, booleans, ISO-8601 dates and nil.
package portable

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/marcboeker/go-duckdb"
	"github.com/shopspring/decimal"
)

// MaxSafeInteger is the largest integer a float64 represents exactly (2^53-1).
const MaxSafeInteger = 1<<53 - 1

// Value converts v to a portable scalar. The returned note is non-empty when
// the conversion lost information (precision, dropped binary, stringified
// composite) and should be logged by the caller.
func Value(v any) (any, string) {
	switch x := v.(type) {
	case nil:
		return nil, ""
	case bool:
		return x, ""
	case string:
		if !utf8.ValidString(x) {
			return strings.ToValidUTF8(x, "�"), "invalid UTF-8 replaced"
		}
		return x, ""
	case []byte:
		if utf8.Valid(x) {
			return string(x), ""
		}
		return nil, fmt.Sprintf("binary value of %d bytes dropped", len(x))
	case int:
		return fromInt64(int64(x))
	case int8:
		return int64(x), ""
	case int16:
		return int64(x), ""
	case int32:
		return int64(x), ""
	case int64:
		return fromInt64(x)
	case uint:
		return fromUint64(uint64(x))
	case uint8:
		return int64(x), ""
	case uint16:
		return int64(x), ""
	case uint32:
		return int64(x), ""
	case uint64:
		return fromUint64(x)
	case *big.Int:
		if x == nil {
			return nil, ""
		}
		return fromBigInt(x)
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	case duckdb.Decimal:
		return FromDecimal(x.Value, -int32(x.Scale))
	case *duckdb.Decimal:
		if x == nil {
			return nil, ""
		}
		return FromDecimal(x.Value, -int32(x.Scale))
	case decimal.Decimal:
		return fromShopspring(x)
	case time.Time:
		return ISODate(x), ""
	case duckdb.Interval:
		return fmt.Sprintf("%d months %d days %dus", x.Months, x.Days, x.Micros), ""
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return fromFloat(f)
		}
		return x.String(), ""
	case fmt.Stringer:
		return x.String(), "stringified " + fmt.Sprintf("%T", v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), fmt.Sprintf("stringified %T", v)
	}
	return string(b), fmt.Sprintf("stringified %T", v)
}

// FromDecimal converts an unscaled integer with a base-10 exponent
// (value = unscaled * 10^exp) to a float64.
func FromDecimal(unscaled *big.Int, exp int32) (any, string) {
	if unscaled == nil {
		return nil, ""
	}
	return fromShopspring(decimal.NewFromBigInt(unscaled, exp))
}

// Number extracts a float64 from an already-portable or raw value. Strings
// are parsed; booleans and dates are not numbers.
func Number(v any) (float64, bool) {
	p, _ := Value(v)
	switch x := p.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Label renders a portable value as a chart label.
func Label(v any) string {
	p, _ := Value(v)
	switch x := p.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(p)
}

// ISODate formats a time as a date when it has no clock component, and as
// RFC 3339 otherwise.
func ISODate(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339Nano)
}

func fromInt64(x int64) (any, string) {
	if x > MaxSafeInteger || x < -MaxSafeInteger {
		return float64(x), fmt.Sprintf("integer %d exceeds safe range; precision may be lost", x)
	}
	return x, ""
}

func fromUint64(x uint64) (any, string) {
	if x > MaxSafeInteger {
		return float64(x), fmt.Sprintf("integer %d exceeds safe range; precision may be lost", x)
	}
	return int64(x), ""
}

func fromBigInt(x *big.Int) (any, string) {
	if x.IsInt64() {
		return fromInt64(x.Int64())
	}
	f, _ := new(big.Float).SetInt(x).Float64()
	if math.IsInf(f, 0) {
		return nil, fmt.Sprintf("integer %s out of float range dropped", x.String())
	}
	return f, fmt.Sprintf("integer %s exceeds safe range; precision may be lost", x.String())
}

func fromFloat(f float64) (any, string) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Sprintf("non-finite float %v dropped", f)
	}
	return f, ""
}

func fromShopspring(d decimal.Decimal) (any, string) {
	f, exact := d.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Sprintf("decimal %s out of float range dropped", d.String())
	}
	if !exact && d.Exponent() >= 0 && d.Abs().GreaterThan(decimal.NewFromInt(MaxSafeInteger)) {
		return f, fmt.Sprintf("decimal %s exceeds safe range; precision may be lost", d.String())
	}
	return f, ""
}
