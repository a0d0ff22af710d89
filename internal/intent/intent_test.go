package intent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/chartloom/internal/ai"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
)

var salesCols = dataset.Columns{
	{Name: "State", Type: dataset.TypeString},
	{Name: "OrderDate", Type: dataset.TypeDate},
	{Name: "Sales", Type: dataset.TypeFloat},
}

const kentucky2016 = `{"dataQuery":"group","dimension":"OrderDate","bucket":"month","measure":"Sales","aggregation":"SUM",
"filters":[{"column":"State","operator":"=","value":"Kentucky"},
{"column":"OrderDate","operator":">=","value":"2016-01-01"},
{"column":"OrderDate","operator":"<=","value":"2016-12-31"}],
"chartType":"line","explanation":"Monthly Kentucky sales in 2016."}`

const kentucky2017 = `{"dataQuery":"group","dimension":"OrderDate","bucket":"month","measure":"Sales","aggregation":"SUM",
"filters":[{"column":"State","operator":"=","value":"Kentucky"},
{"column":"OrderDate","operator":">=","value":"2017-01-01"},
{"column":"OrderDate","operator":"<=","value":"2017-12-31"}],
"chartType":"line","explanation":"Monthly Kentucky sales in 2017."}`

type scripted struct {
	replies []string
	calls   [][]ai.Message
}

func (s *scripted) Complete(ctx context.Context, msgs []ai.Message) (string, error) {
	s.calls = append(s.calls, msgs)
	i := len(s.calls) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return s.replies[i], nil
}

type completerFunc func(ctx context.Context, msgs []ai.Message) (string, error)

func (f completerFunc) Complete(ctx context.Context, msgs []ai.Message) (string, error) {
	return f(ctx, msgs)
}

func TestParseRepairsWrappedOutput(t *testing.T) {
	cases := []string{
		kentucky2016,
		"```json\n" + kentucky2016 + "\n```",
		"Sure! Here is the query:\n" + kentucky2016 + "\nLet me know if you need anything else {ok}.",
	}
	for _, raw := range cases {
		in, err := Parse(raw)
		require.NoError(t, err, raw)
		require.Equal(t, QueryGroup, in.DataQuery)
		require.Len(t, in.Filters, 3)
	}
}

func TestParseHandlesBracesInStrings(t *testing.T) {
	in, err := Parse(`note: {"dataQuery":"raw","explanation":"uses a } and a \" inside"} trailing`)
	require.NoError(t, err)
	require.Equal(t, `uses a } and a " inside`, in.Explanation)
}

func TestParseFailure(t *testing.T) {
	for _, raw := range []string{"", "I cannot help with that.", `{"dataQuery": "group",`, `["not","an","object"]`} {
		_, err := Parse(raw)
		var pe *failure.IntentParseError
		require.ErrorAs(t, err, &pe, raw)
	}
}

func TestParseNormalizesSpelling(t *testing.T) {
	in, err := Parse(`{"dataQuery":"GROUP","aggregation":"sum","chartType":"Line","filters":[{"column":"State","operator":"==","value":"Ohio"},{"column":"State","operator":"in","value":["A","B"]}]}`)
	require.NoError(t, err)
	require.Equal(t, QueryGroup, in.DataQuery)
	require.Equal(t, AggSum, in.Aggregation)
	require.Equal(t, ChartLine, in.ChartType)
	require.Equal(t, OpEq, in.Filters[0].Operator)
	require.Equal(t, OpIn, in.Filters[1].Operator)
}

func TestValidateKentuckyScenario(t *testing.T) {
	in, err := Parse(kentucky2016)
	require.NoError(t, err)
	v, err := Validate(in, salesCols)
	require.NoError(t, err)

	require.Equal(t, "OrderDate", v.Dimension.Name)
	require.Equal(t, BucketMonth, v.Bucket)
	require.Equal(t, "Sales", v.Measure.Name)
	require.Equal(t, AggSum, v.Aggregation)
	require.Len(t, v.Filters, 3)
	require.Equal(t, "Kentucky", v.Filters[0].Values[0].Str)
	require.Equal(t, time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC), v.Filters[1].Values[0].Date)
	require.Equal(t, time.Date(2016, 12, 31, 0, 0, 0, 0, time.UTC), v.Filters[2].Values[0].Date)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		intent string
		reason string
		column string
	}{
		{"unknown dimension", `{"dataQuery":"group","dimension":"Region","measure":"Sales","aggregation":"SUM"}`, failure.ReasonUnknownColumn, "Region"},
		{"unknown filter column", `{"dataQuery":"filter-only","filters":[{"column":"state","operator":"=","value":"Ohio"}]}`, failure.ReasonUnknownColumn, "state"},
		{"sum over text", `{"dataQuery":"group","dimension":"OrderDate","measure":"State","aggregation":"SUM"}`, failure.ReasonIncompatibleAggregator, "State"},
		{"avg without measure", `{"dataQuery":"group","dimension":"State","aggregation":"AVG"}`, failure.ReasonIncompatibleAggregator, ""},
		{"text for number", `{"dataQuery":"filter-only","filters":[{"column":"Sales","operator":">","value":"lots"}]}`, failure.ReasonTypeMismatch, "Sales"},
		{"bad date", `{"dataQuery":"filter-only","filters":[{"column":"OrderDate","operator":">=","value":"last spring"}]}`, failure.ReasonTypeMismatch, "OrderDate"},
		{"bucket on text", `{"dataQuery":"group","dimension":"State","bucket":"month","aggregation":"COUNT"}`, failure.ReasonTypeMismatch, "State"},
		{"list for equals", `{"dataQuery":"filter-only","filters":[{"column":"State","operator":"=","value":["A","B"]}]}`, failure.ReasonTypeMismatch, "State"},
		{"unknown operator", `{"dataQuery":"filter-only","filters":[{"column":"State","operator":"LIKE","value":"K%"}]}`, failure.ReasonUnsupported, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in, err := Parse(tc.intent)
			require.NoError(t, err)
			_, err = Validate(in, salesCols)
			var ve *failure.IntentValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tc.reason, ve.Reason)
			require.Equal(t, tc.column, ve.Column)
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	in, err := Parse(`{"dataQuery":"group","dimension":"State","chartType":"radar"}`)
	require.NoError(t, err)
	v, err := Validate(in, salesCols)
	require.NoError(t, err)
	require.Equal(t, AggCount, v.Aggregation)
	require.Nil(t, v.Measure)
	require.Equal(t, ChartBar, v.ChartType)

	in, err = Parse(`{"dataQuery":"group","dimension":"OrderDate","measure":"State","aggregation":"COUNT"}`)
	require.NoError(t, err)
	_, err = Validate(in, salesCols)
	require.NoError(t, err, "COUNT accepts any column type")

	in, err = Parse(`{"filters":[{"column":"Sales","operator":"IN","value":["1,5", 2]}]}`)
	require.NoError(t, err)
	v, err = Validate(in, salesCols)
	require.NoError(t, err)
	require.Equal(t, QueryFilterOnly, v.Query)
	require.Equal(t, 1.5, v.Filters[0].Values[0].Num)
	require.Equal(t, 2.0, v.Filters[0].Values[1].Num)
}

func TestResolverRepromptsOnceWithReason(t *testing.T) {
	llm := &scripted{replies: []string{
		`{"dataQuery":"group","dimension":"Region","measure":"Sales","aggregation":"SUM"}`,
		kentucky2016,
	}}
	r := NewResolver(llm, Options{})
	v, raw, err := r.Resolve(context.Background(), Request{
		Prompt:  PromptInput{Dataset: "sales.csv", Context: "{}", Utterance: "Show me sales in Kentucky for 2016 by month"},
		Columns: salesCols,
	})
	require.NoError(t, err)
	require.NotNil(t, raw)
	require.Equal(t, BucketMonth, v.Bucket)
	require.Len(t, llm.calls, 2)
	last := llm.calls[1][len(llm.calls[1])-1]
	require.Equal(t, "user", last.Role)
	require.Contains(t, last.Content, "unknown column")
}

func TestResolverGivesUpAfterMaxAttempts(t *testing.T) {
	llm := &scripted{replies: []string{"no idea"}}
	r := NewResolver(llm, Options{MaxAttempts: 2})
	_, _, err := r.Resolve(context.Background(), Request{Prompt: PromptInput{Utterance: "x"}, Columns: salesCols})
	var pe *failure.IntentParseError
	require.ErrorAs(t, err, &pe)
	require.Len(t, llm.calls, 2)
}

func TestResolverCarriesPriorTurns(t *testing.T) {
	prior := []string{"Show me sales in Kentucky for 2016 by month"}
	llm := completerFunc(func(ctx context.Context, msgs []ai.Message) (string, error) {
		user := msgs[len(msgs)-1].Content
		if strings.Contains(user, "1. Show me sales in Kentucky for 2016 by month") &&
			strings.Contains(user, "Current request: actually make it 2017") {
			return kentucky2017, nil
		}
		return `{"dataQuery":"raw"}`, nil
	})
	r := NewResolver(llm, Options{})
	v, _, err := r.Resolve(context.Background(), Request{
		Prompt:  PromptInput{Dataset: "sales.csv", Context: "{}", Prior: prior, Utterance: "actually make it 2017"},
		Columns: salesCols,
	})
	require.NoError(t, err)
	require.Equal(t, QueryGroup, v.Query)
	require.Equal(t, "State", v.Filters[0].Column.Name)
	require.Equal(t, "Kentucky", v.Filters[0].Values[0].Str)
	require.Equal(t, 2017, v.Filters[1].Values[0].Date.Year())
	require.Equal(t, 2017, v.Filters[2].Values[0].Date.Year())
}

func TestResolverTimeout(t *testing.T) {
	llm := completerFunc(func(ctx context.Context, _ []ai.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r := NewResolver(llm, Options{Timeout: 20 * time.Millisecond})
	start := time.Now()
	_, _, err := r.Resolve(context.Background(), Request{Prompt: PromptInput{Utterance: "x"}, Columns: salesCols})
	var te *failure.IntentTimeoutError
	require.ErrorAs(t, err, &te)
	require.True(t, failure.Retryable(err))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestResolverCancellationPassesThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llm := completerFunc(func(ctx context.Context, _ []ai.Message) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})
	r := NewResolver(llm, Options{})
	_, _, err := r.Resolve(ctx, Request{Prompt: PromptInput{Utterance: "x"}, Columns: salesCols})
	require.True(t, errors.Is(err, context.Canceled))
}
