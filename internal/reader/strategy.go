package reader

import (
	"errors"
	"strings"
)

// tier selects how forgiving a read is.
type tier int

const (
	// tierStrict infers column types and skips malformed rows.
	tierStrict tier = iota + 1
	// tierTolerant reads a UTF-8 repaired copy with every column as text.
	tierTolerant
)

func (t tier) String() string {
	switch t {
	case tierStrict:
		return "strict"
	case tierTolerant:
		return "tolerant"
	}
	return "unknown"
}

// errNoTolerantTier is returned by formats that have nothing to repair
// (binary containers such as Parquet).
var errNoTolerantTier = errors.New("format has no tolerant reader")

// withFallback runs attempt with the strict tier, and once more with the
// tolerant tier only when the strict attempt failed to decode its input.
// Any other failure is returned as is.
func withFallback(attempt func(tier) error) (tier, error) {
	err := attempt(tierStrict)
	if err == nil || !isDecodeError(err) {
		return tierStrict, err
	}
	return tierTolerant, attempt(tierTolerant)
}

var decodeMarkers = []string{
	"invalid unicode",
	"byte sequence",
	"invalid utf-8",
	"invalid utf8",
	"not utf-8",
}

// isDecodeError reports whether err comes from character decoding rather
// than from the query or the container format. Only the innermost error is
// matched, so wrapping context such as file paths cannot trigger a retry.
func isDecodeError(err error) bool {
	if err == nil {
		return false
	}
	var de *decodeError
	if errors.As(err, &de) {
		return true
	}
	for u := errors.Unwrap(err); u != nil; u = errors.Unwrap(err) {
		err = u
	}
	msg := strings.ToLower(err.Error())
	for _, m := range decodeMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// decodeError marks failures detected on the Go side of the read, such as a
// header that is not valid text.
type decodeError struct{ msg string }

func (e *decodeError) Error() string { return e.msg }
