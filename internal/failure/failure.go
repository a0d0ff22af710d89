// Package failure defines the error taxonomy surfaced by the chart pipeline.
// Error() carries internal detail for logs; UserMessage() is safe to show.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// UserFacing is implemented by every taxonomy error.
type UserFacing interface {
	error
	UserMessage() string
}

// DataSourceUnreadableError: the file is missing, empty or corrupt after both
// read tiers. Fatal to the request.
type DataSourceUnreadableError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DataSourceUnreadableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data source unreadable: %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("data source unreadable: %s: %s", e.Path, e.Reason)
}

func (e *DataSourceUnreadableError) Unwrap() error { return e.Err }

func (e *DataSourceUnreadableError) UserMessage() string {
	return "The dataset could not be read. Check that the file exists and is a valid CSV, JSON, Parquet or XLSX file."
}

// IntentParseError: the model output could not be parsed into a Query Intent.
type IntentParseError struct {
	Raw string
	Err error
}

func (e *IntentParseError) Error() string {
	return fmt.Sprintf("intent parse error: %v", e.Err)
}

func (e *IntentParseError) Unwrap() error { return e.Err }

func (e *IntentParseError) UserMessage() string {
	return "I couldn't understand that request. Try rephrasing it, for example \"total sales by month for 2016\"."
}

// Validation reasons.
const (
	ReasonUnknownColumn          = "unknown column"
	ReasonIncompatibleAggregator = "incompatible aggregation"
	ReasonTypeMismatch           = "type mismatch"
	ReasonUnsupported            = "unsupported query"
)

// IntentValidationError: the parsed intent failed semantic validation.
type IntentValidationError struct {
	Reason string
	Column string
	Detail string
}

func (e *IntentValidationError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("intent validation error: %s: %q: %s", e.Reason, e.Column, e.Detail)
	}
	return fmt.Sprintf("intent validation error: %s: %s", e.Reason, e.Detail)
}

func (e *IntentValidationError) UserMessage() string {
	switch e.Reason {
	case ReasonUnknownColumn:
		return fmt.Sprintf("The dataset has no column named %q. Try naming one of its columns.", e.Column)
	case ReasonIncompatibleAggregator:
		return fmt.Sprintf("Column %q isn't numeric, so it can only be counted.", e.Column)
	case ReasonTypeMismatch:
		return fmt.Sprintf("The filter value for %q doesn't match the column's type.", e.Column)
	}
	return "That request can't be charted from this dataset. Try a simpler question."
}

// IntentTimeoutError: the model call exceeded its bound. Retryable.
type IntentTimeoutError struct {
	Err error
}

func (e *IntentTimeoutError) Error() string {
	return fmt.Sprintf("intent request timed out: %v", e.Err)
}

func (e *IntentTimeoutError) Unwrap() error { return e.Err }

func (e *IntentTimeoutError) UserMessage() string {
	return "The assistant took too long to answer. Please try again."
}

// QueryExecutionError: the compiled query failed against the backend. The
// raw engine error is kept in Err and never shown to users.
type QueryExecutionError struct {
	Query string
	Err   error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query execution failed: %v", e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

func (e *QueryExecutionError) UserMessage() string {
	return "The chart query could not be run against this dataset."
}

// UserMessage maps any error to a message that is safe to show end users.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var uf UserFacing
	if errors.As(err, &uf) {
		return uf.UserMessage()
	}
	if errors.Is(err, context.Canceled) {
		return "The request was cancelled."
	}
	return "Something went wrong while building the chart."
}

// Retryable reports whether the caller may simply retry the same request.
func Retryable(err error) bool {
	var te *IntentTimeoutError
	return errors.As(err, &te)
}
