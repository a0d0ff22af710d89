package chart

import (
	"fmt"

	"github.com/KaramelBytes/chartloom/internal/failure"
)

// State is a step of one chart request.
type State string

const (
	StateReceived        State = "received"
	StateContextBuilt    State = "context-built"
	StateIntentRequested State = "intent-requested"
	StateIntentValidated State = "intent-validated"
	StateIntentRejected  State = "intent-rejected"
	StateQueryCompiled   State = "query-compiled"
	StateExecuted        State = "executed"
	StateExecutionFailed State = "execution-failed"
	StateNormalized      State = "normalized"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// RequestError is a terminal failure. State is the last state reached
// before the request failed.
type RequestError struct {
	State State
	Err   error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("chart request failed at %s: %v", e.State, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// UserMessage is safe to show end users; it never includes driver text.
func (e *RequestError) UserMessage() string { return failure.UserMessage(e.Err) }
