package chart

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/chartloom/internal/ai"
	"github.com/KaramelBytes/chartloom/internal/compiler"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/intent"
	"github.com/KaramelBytes/chartloom/internal/logging"
	"github.com/KaramelBytes/chartloom/internal/normalize"
	"github.com/KaramelBytes/chartloom/internal/reader"
	"github.com/KaramelBytes/chartloom/internal/storage"
	"github.com/KaramelBytes/chartloom/internal/warehouse"
)

const salesCSV = "State,OrderDate,Sales\n" +
	"Kentucky,2016-01-05,10.5\n" +
	"Kentucky,2016-01-20,12\n" +
	"Kentucky,2016-03-02,7\n" +
	"Kentucky,2017-02-01,100\n" +
	"Ohio,2016-01-07,5\n"

const kentucky2016 = `{"dataQuery":"group","dimension":"OrderDate","bucket":"month","measure":"Sales","aggregation":"SUM",
"filters":[{"column":"State","operator":"=","value":"Kentucky"},
{"column":"OrderDate","operator":">=","value":"2016-01-01"},
{"column":"OrderDate","operator":"<=","value":"2016-12-31"}],
"chartType":"line","explanation":"Monthly Kentucky sales in 2016."}`

const kentuckyVsOhio = `{"dataQuery":"group","dimension":"OrderDate","bucket":"month","measure":"Sales","aggregation":"SUM",
"filters":[{"column":"OrderDate","operator":">=","value":"2016-01-01"},{"column":"OrderDate","operator":"<=","value":"2016-12-31"}],
"series":{"column":"State","values":["Kentucky","Ohio"]},"chartType":"bar"}`

var salesCols = dataset.Columns{
	{Name: "State", Type: dataset.TypeString},
	{Name: "OrderDate", Type: dataset.TypeDate},
	{Name: "Sales", Type: dataset.TypeFloat},
}

type completerFunc func(ctx context.Context, msgs []ai.Message) (string, error)

func (f completerFunc) Complete(ctx context.Context, msgs []ai.Message) (string, error) {
	return f(ctx, msgs)
}

func reply(s string) ai.Completer {
	return completerFunc(func(context.Context, []ai.Message) (string, error) { return s, nil })
}

// recordingFetcher serves local paths and counts releases.
type recordingFetcher struct {
	mu       sync.Mutex
	fetched  []string
	released []string
}

func (f *recordingFetcher) Fetch(ctx context.Context, id string) (string, error) {
	p, err := storage.Local{}.Fetch(ctx, id)
	if err == nil {
		f.mu.Lock()
		f.fetched = append(f.fetched, p)
		f.mu.Unlock()
	}
	return p, err
}

func (f *recordingFetcher) Release(p string) error {
	f.mu.Lock()
	f.released = append(f.released, p)
	f.mu.Unlock()
	return nil
}

// fakeEngine stands in for the reader.
type fakeEngine struct {
	cols     dataset.Columns
	run      func(query string) (dataset.RowSet, error)
	executed []string
}

func (e *fakeEngine) DescribeSchema(context.Context, reader.Source) (dataset.Columns, error) {
	return e.cols, nil
}

func (e *fakeEngine) SampleRows(context.Context, reader.Source, int) (dataset.Sample, error) {
	return dataset.Sample{RowSet: dataset.RowSet{Columns: e.cols.Names(), Rows: [][]any{{"Kentucky", "2016-01-05", 10.5}}}, TotalRows: 5}, nil
}

func (e *fakeEngine) ExecuteAggregation(_ context.Context, _ reader.Source, q string) (dataset.RowSet, error) {
	e.executed = append(e.executed, q)
	return e.run(q)
}

func writeSales(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(p, []byte(salesCSV), 0o644))
	return p
}

func newService(t *testing.T, eng Engine, f storage.Fetcher, llm ai.Completer) *Service {
	t.Helper()
	svc, err := NewService(Options{
		Engine:   eng,
		Fetcher:  f,
		Resolver: intent.NewResolver(llm, intent.Options{Timeout: time.Second}),
		Logger:   logging.Nop(),
	})
	require.NoError(t, err)
	return svc
}

func realReader(t *testing.T) *reader.Reader {
	t.Helper()
	r, err := reader.New(reader.Options{TempDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestResolveKentuckyByMonth(t *testing.T) {
	path := writeSales(t)
	f := &recordingFetcher{}
	var prompt string
	llm := completerFunc(func(_ context.Context, msgs []ai.Message) (string, error) {
		prompt = msgs[len(msgs)-1].Content
		return kentucky2016, nil
	})
	svc := newService(t, realReader(t), f, llm)

	res, err := svc.ResolveChartQuery(context.Background(), dataset.Ref{ID: "sales", Location: path},
		"Show me sales in Kentucky for 2016 by month", nil)
	require.NoError(t, err)
	require.Equal(t, &Result{
		ChartType:   intent.ChartLine,
		Labels:      []string{"January 2016", "March 2016"},
		Datasets:    []normalize.Dataset{{Label: "Sales", Values: []float64{22.5, 7}}},
		Explanation: "Monthly Kentucky sales in 2016.",
	}, res)
	require.Contains(t, prompt, `"OrderDate"`)
	require.Contains(t, prompt, "Current request: Show me sales in Kentucky for 2016 by month")
	require.Equal(t, f.fetched, f.released)
}

func TestResolveSeriesComparison(t *testing.T) {
	path := writeSales(t)
	svc := newService(t, realReader(t), &recordingFetcher{}, reply(kentuckyVsOhio))

	res, err := svc.ResolveChartQuery(context.Background(), dataset.Ref{Location: path}, "Kentucky vs Ohio by month in 2016", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"January 2016", "March 2016"}, res.Labels)
	require.Equal(t, []normalize.Dataset{
		{Label: "Kentucky", Values: []float64{22.5, 7}},
		{Label: "Ohio", Values: []float64{5, 0}},
	}, res.Datasets)
	for _, ds := range res.Datasets {
		require.Len(t, ds.Values, len(res.Labels))
	}
}

func TestResolveSeriesOverTimestampColumn(t *testing.T) {
	p := filepath.Join(t.TempDir(), "visits.csv")
	require.NoError(t, os.WriteFile(p, []byte("Region,At,Sales\n"+
		"East,2016-01-05 10:00:00,10\n"+
		"West,2016-01-05 11:30:00,4\n"+
		"East,2016-01-06 09:15:00,3\n"), 0o644))
	svc := newService(t, realReader(t), &recordingFetcher{}, reply(`{"dataQuery":"group","dimension":"Region","measure":"Sales","aggregation":"SUM",
"series":{"column":"At","values":["2016-01-05","2016-01-06"]}}`))

	res, err := svc.ResolveChartQuery(context.Background(), dataset.Ref{Location: p}, "sales by region per day", nil)
	require.NoError(t, err)
	require.False(t, res.Degraded)
	require.Equal(t, []string{"East", "West"}, res.Labels)
	require.Equal(t, []normalize.Dataset{
		{Label: "2016-01-05", Values: []float64{10, 4}},
		{Label: "2016-01-06", Values: []float64{3, 0}},
	}, res.Datasets)
}

func TestResolveIsIdempotent(t *testing.T) {
	path := writeSales(t)
	svc := newService(t, realReader(t), &recordingFetcher{}, reply(kentucky2016))
	ref := dataset.Ref{Location: path}

	a, err := svc.ResolveChartQuery(context.Background(), ref, "q", nil)
	require.NoError(t, err)
	b, err := svc.ResolveChartQuery(context.Background(), ref, "q", nil)
	require.NoError(t, err)
	require.Equal(t, a.Labels, b.Labels)
	require.Equal(t, a.Datasets, b.Datasets)
}

func TestUnknownColumnNeverExecutes(t *testing.T) {
	eng := &fakeEngine{cols: salesCols, run: func(string) (dataset.RowSet, error) {
		t.Fatal("query executed for an invalid intent")
		return dataset.RowSet{}, nil
	}}
	f := &recordingFetcher{}
	svc := newService(t, eng, f, reply(`{"dataQuery":"group","dimension":"Region","measure":"Sales","aggregation":"SUM"}`))

	_, err := svc.ResolveChartQuery(context.Background(), dataset.Ref{Location: "/data/sales.csv"}, "sales by region", nil)
	var re *RequestError
	require.ErrorAs(t, err, &re)
	require.Equal(t, StateIntentRejected, re.State)
	var ve *failure.IntentValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, failure.ReasonUnknownColumn, ve.Reason)
	require.Contains(t, failure.UserMessage(err), `"Region"`)
	require.Empty(t, eng.executed)
	require.Equal(t, []string{"/data/sales.csv"}, f.released)
}

func TestExecutionFailureDegradesToRowCount(t *testing.T) {
	eng := &fakeEngine{cols: salesCols, run: func(q string) (dataset.RowSet, error) {
		if strings.Contains(q, "row_count") {
			return dataset.RowSet{Columns: []string{"row_count"}, Rows: [][]any{{int64(3)}}}, nil
		}
		return dataset.RowSet{}, &failure.QueryExecutionError{Query: q, Err: errors.New("Binder Error: No function matches sum(VARCHAR)")}
	}}
	svc := newService(t, eng, &recordingFetcher{}, reply(kentucky2016))

	res, err := svc.ResolveChartQuery(context.Background(), dataset.Ref{Location: "/data/sales.csv"}, "q", nil)
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Equal(t, []string{normalize.DegradedLabel}, res.Labels)
	require.Equal(t, []normalize.Dataset{{Label: normalize.DegradedDataset, Values: []float64{3}}}, res.Datasets)
	require.Contains(t, res.Explanation, "number of matching rows")
	require.Len(t, eng.executed, 2)
}

func TestExecutionFailureWithoutFallback(t *testing.T) {
	eng := &fakeEngine{cols: salesCols, run: func(q string) (dataset.RowSet, error) {
		return dataset.RowSet{}, &failure.QueryExecutionError{Query: q, Err: errors.New("IO Error: disk on fire")}
	}}
	f := &recordingFetcher{}
	svc := newService(t, eng, f, reply(kentucky2016))

	_, err := svc.ResolveChartQuery(context.Background(), dataset.Ref{Location: "/data/sales.csv"}, "q", nil)
	var re *RequestError
	require.ErrorAs(t, err, &re)
	require.Equal(t, StateExecutionFailed, re.State)
	var qe *failure.QueryExecutionError
	require.ErrorAs(t, err, &qe)
	require.NotContains(t, re.UserMessage(), "disk")
	require.Len(t, f.released, 1)
}

func TestIntentTimeoutIsRetryable(t *testing.T) {
	eng := &fakeEngine{cols: salesCols}
	llm := completerFunc(func(ctx context.Context, _ []ai.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	svc, err := NewService(Options{
		Engine:   eng,
		Fetcher:  &recordingFetcher{},
		Resolver: intent.NewResolver(llm, intent.Options{Timeout: 20 * time.Millisecond}),
	})
	require.NoError(t, err)

	_, err = svc.ResolveChartQuery(context.Background(), dataset.Ref{Location: "/data/sales.csv"}, "q", nil)
	var re *RequestError
	require.ErrorAs(t, err, &re)
	require.Equal(t, StateIntentRequested, re.State)
	require.True(t, failure.Retryable(err))
}

func TestUnreadableDataset(t *testing.T) {
	f := &recordingFetcher{}
	svc := newService(t, realReader(t), f, reply(kentucky2016))
	missing := filepath.Join(t.TempDir(), "gone.csv")

	_, err := svc.ResolveChartQuery(context.Background(), dataset.Ref{Location: missing}, "q", nil)
	var re *RequestError
	require.ErrorAs(t, err, &re)
	require.Equal(t, StateReceived, re.State)
	var du *failure.DataSourceUnreadableError
	require.ErrorAs(t, err, &du)
	require.Equal(t, []string{missing}, f.released)
}

type fakeWarehouse struct {
	queries []string
	closed  bool
}

func (w *fakeWarehouse) Dialect() compiler.Dialect { return compiler.Postgres }

func (w *fakeWarehouse) ValidateTarget(_ context.Context, schema, table string) (bool, error) {
	return schema == "public" && table == "sales", nil
}

func (w *fakeWarehouse) DescribeTable(context.Context, string, string) (dataset.Columns, error) {
	return salesCols, nil
}

func (w *fakeWarehouse) RunQuery(_ context.Context, q string) (dataset.RowSet, error) {
	w.queries = append(w.queries, q)
	switch {
	case strings.Contains(q, "row_count"):
		return dataset.RowSet{Columns: []string{"row_count"}, Rows: [][]any{{int64(5)}}}, nil
	case strings.Contains(q, "LIMIT"):
		return dataset.RowSet{Columns: salesCols.Names(), Rows: [][]any{{"Kentucky", "2016-01-05", 10.5}}}, nil
	case strings.Contains(q, "'Kentucky'"):
		return dataset.RowSet{Columns: []string{"label", "value"}, Rows: [][]any{{"2016-01", 22.5}, {"2016-03", 7.0}}}, nil
	case strings.Contains(q, "'Ohio'"):
		return dataset.RowSet{Columns: []string{"label", "value"}, Rows: [][]any{{"2016-01", 5.0}}}, nil
	}
	return dataset.RowSet{}, errors.New("unexpected query")
}

func (w *fakeWarehouse) Close() { w.closed = true }

func TestWarehouseSplitsSeries(t *testing.T) {
	wh := &fakeWarehouse{}
	svc, err := NewService(Options{
		Engine:   &fakeEngine{},
		Fetcher:  &recordingFetcher{},
		Resolver: intent.NewResolver(reply(kentuckyVsOhio), intent.Options{}),
		OpenWarehouse: func(_ context.Context, cfg warehouse.Config) (warehouse.Connector, error) {
			require.Equal(t, "postgres", cfg.Driver)
			return wh, nil
		},
	})
	require.NoError(t, err)

	ref := dataset.Ref{Warehouse: &dataset.WarehouseTarget{Driver: "postgres", DSN: "postgres://x", Schema: "public", Table: "sales"}}
	res, err := svc.ResolveChartQuery(context.Background(), ref, "Kentucky vs Ohio", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"January 2016", "March 2016"}, res.Labels)
	require.Equal(t, []normalize.Dataset{
		{Label: "Kentucky", Values: []float64{22.5, 7}},
		{Label: "Ohio", Values: []float64{5, 0}},
	}, res.Datasets)
	require.True(t, wh.closed)
	require.Contains(t, wh.queries[0], `FROM "public"."sales" LIMIT 10`)

	_, err = svc.ResolveChartQuery(context.Background(), dataset.Ref{Warehouse: &dataset.WarehouseTarget{Driver: "postgres", Schema: "public", Table: "missing"}}, "q", nil)
	var du *failure.DataSourceUnreadableError
	require.ErrorAs(t, err, &du)
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(Options{})
	require.Error(t, err)
}
