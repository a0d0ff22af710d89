package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserMessageNeverLeaksCause(t *testing.T) {
	driver := errors.New(`Binder Error: Referenced column "Slaes" not found in FROM clause`)
	err := fmt.Errorf("run: %w", &QueryExecutionError{Query: "SELECT 1", Err: driver})

	msg := UserMessage(err)
	require.NotEmpty(t, msg)
	require.NotContains(t, msg, "Binder")
	require.Contains(t, err.Error(), "Binder")

	var qe *QueryExecutionError
	require.ErrorAs(t, err, &qe)
	require.ErrorIs(t, err, driver)
}

func TestUserMessageValidationReasons(t *testing.T) {
	cases := map[string]string{
		ReasonUnknownColumn:          "no column named",
		ReasonIncompatibleAggregator: "only be counted",
		ReasonTypeMismatch:           "doesn't match",
	}
	for reason, want := range cases {
		err := &IntentValidationError{Reason: reason, Column: "Region"}
		if !strings.Contains(err.UserMessage(), want) {
			t.Fatalf("%s: got %q", reason, err.UserMessage())
		}
	}
}

func TestUserMessageFallbacks(t *testing.T) {
	require.Equal(t, "", UserMessage(nil))
	require.Contains(t, UserMessage(context.Canceled), "cancelled")
	require.Contains(t, UserMessage(errors.New("pq: password authentication failed")), "Something went wrong")
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(fmt.Errorf("x: %w", &IntentTimeoutError{Err: context.DeadlineExceeded})))
	require.False(t, Retryable(&IntentParseError{Err: errors.New("bad json")}))
}
