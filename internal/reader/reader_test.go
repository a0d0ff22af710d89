package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/transform"

	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
)

const salesCSV = `State,OrderDate,Sales
Kentucky,2016-01-05,10.5
Kentucky,2016-01-20,4.25
Kentucky,2016-02-03,7.75
Ohio,2016-01-09,3.5
`

func newTestReader(t *testing.T) *Reader {
	t.Helper()
	r, err := New(Options{TempDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func writeFile(t *testing.T, name string, body []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, body, 0o644))
	return p
}

func TestQuotePath(t *testing.T) {
	require.Equal(t, `'C:/data/o''brien.csv'`, QuotePath(`C:\data\o'brien.csv`))
	require.Equal(t, `'/tmp/a.csv'`, QuotePath("/tmp/a.csv"))
}

func TestWithFallbackTriggersOnlyOnDecodeErrors(t *testing.T) {
	var tiers []tier
	used, err := withFallback(func(t tier) error {
		tiers = append(tiers, t)
		if t == tierStrict {
			return errors.New("Invalid Input Error: Invalid unicode (byte sequence mismatch) detected")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, tierTolerant, used)
	require.Equal(t, []tier{tierStrict, tierTolerant}, tiers)

	tiers = nil
	used, err = withFallback(func(t tier) error {
		tiers = append(tiers, t)
		return errors.New("Binder Error: column not found")
	})
	require.Error(t, err)
	require.Equal(t, tierStrict, used)
	require.Len(t, tiers, 1)
}

func TestRepairUTF8(t *testing.T) {
	in := []byte("caf\xe9 ok \xe2\x9c\x93 \x93quoted\x94")
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(in), repairUTF8{}))
	require.NoError(t, err)
	require.Equal(t, "café ok ✓ “quoted”", string(out))
}

func TestEngineType(t *testing.T) {
	require.Equal(t, dataset.TypeFloat, EngineType("DECIMAL(18,3)"))
	require.Equal(t, dataset.TypeInteger, EngineType("BIGINT"))
	require.Equal(t, dataset.TypeDate, EngineType("TIMESTAMP"))
	require.Equal(t, dataset.TypeString, EngineType("VARCHAR"))
	require.Equal(t, dataset.TypeUnknown, EngineType("STRUCT(a INTEGER)"))
}

func TestDescribeSchemaIsStable(t *testing.T) {
	r := newTestReader(t)
	src := Source{Path: writeFile(t, "sales.csv", []byte(salesCSV))}
	want := dataset.Columns{
		{Name: "State", Type: dataset.TypeString},
		{Name: "OrderDate", Type: dataset.TypeDate},
		{Name: "Sales", Type: dataset.TypeFloat},
	}
	for i := 0; i < 3; i++ {
		cols, err := r.DescribeSchema(context.Background(), src)
		require.NoError(t, err)
		require.Equal(t, want, cols)
	}
}

func TestInvalidBytesStillReadable(t *testing.T) {
	r := newTestReader(t)
	body := []byte("City,Amount\nMontr\xe9al,10\nQu\xe9bec,5\nOttawa,7\nS\xff\xfeo Paulo,1\n")
	src := Source{Path: writeFile(t, "legacy.csv", body)}

	cols, err := r.DescribeSchema(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, []string{"City", "Amount"}, cols.Names())

	sample, err := r.SampleRows(context.Background(), src, 10)
	require.NoError(t, err)
	require.EqualValues(t, 4, sample.TotalRows)
	require.Len(t, sample.Rows, 4)
	require.Equal(t, "Montréal", sample.Rows[0][0])
	require.Equal(t, "Québec", sample.Rows[1][0])
}

func TestInvalidBytesInHeader(t *testing.T) {
	r := newTestReader(t)
	src := Source{Path: writeFile(t, "header.csv", []byte("Cit\xe9,Amount\nA,1\nB,2\n"))}

	cols, err := r.DescribeSchema(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, []string{"Cité", "Amount"}, cols.Names())

	sample, err := r.SampleRows(context.Background(), src, 10)
	require.NoError(t, err)
	require.EqualValues(t, 2, sample.TotalRows)
}

func TestValidUTF8(t *testing.T) {
	// A multi-byte rune split across the 64 KiB read boundary is still valid.
	long := append(bytes.Repeat([]byte("a"), 64<<10-1), []byte("é,✓\n")...)
	cases := []struct {
		name string
		body []byte
		want bool
	}{
		{"ascii", []byte("a,b\n1,2\n"), true},
		{"accents", []byte("City\nMontréal\n"), true},
		{"split rune", long, true},
		{"latin1", []byte("City\nMontr\xe9al\n"), false},
		{"truncated rune at end", []byte("City\n\xe2\x9c"), false},
	}
	for _, c := range cases {
		ok, err := validUTF8(writeFile(t, "v.csv", c.body))
		require.NoError(t, err, c.name)
		require.Equal(t, c.want, ok, c.name)
	}
}

func TestDecodeErrorIgnoresWrappingContext(t *testing.T) {
	inner := errors.New("Binder Error: column not found")
	require.False(t, isDecodeError(fmt.Errorf("read /data/encoding/x.csv: %w", inner)))
	require.False(t, isDecodeError(&viewError{inner}))

	bad := errors.New("Invalid Input Error: Invalid unicode (byte sequence mismatch) detected")
	require.True(t, isDecodeError(fmt.Errorf("read /data/x.csv: %w", &viewError{bad})))
	require.True(t, isDecodeError(&viewError{&decodeError{msg: "file is not valid UTF-8"}}))
}

func TestUnreadableSources(t *testing.T) {
	r := newTestReader(t)
	var unreadable *failure.DataSourceUnreadableError

	_, err := r.DescribeSchema(context.Background(), Source{Path: filepath.Join(t.TempDir(), "missing.csv")})
	require.ErrorAs(t, err, &unreadable)

	_, err = r.DescribeSchema(context.Background(), Source{Path: writeFile(t, "empty.csv", nil)})
	require.ErrorAs(t, err, &unreadable)

	_, err = r.DescribeSchema(context.Background(), Source{Path: writeFile(t, "bad.xlsx", []byte("not a zip"))})
	require.ErrorAs(t, err, &unreadable)

	_, err = r.DescribeSchema(context.Background(), Source{Path: writeFile(t, "dup.csv", []byte("a,b,a\n1,2,3\n"))})
	require.ErrorAs(t, err, &unreadable)
}

func TestDescribeSchemaHeaderOnly(t *testing.T) {
	r := newTestReader(t)
	cols, err := r.DescribeSchema(context.Background(), Source{Path: writeFile(t, "h.csv", []byte("a,b\n"))})
	require.NoError(t, err)
	require.Empty(t, cols)
}

func TestSampleRows(t *testing.T) {
	r := newTestReader(t)
	src := Source{Path: writeFile(t, "sales.csv", []byte(salesCSV))}

	_, err := r.SampleRows(context.Background(), src, 0)
	require.ErrorIs(t, err, ErrInvalidLimit)
	_, err = r.SampleRows(context.Background(), src, -3)
	require.ErrorIs(t, err, ErrInvalidLimit)

	s, err := r.SampleRows(context.Background(), src, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"State", "OrderDate", "Sales"}, s.Columns)
	require.Len(t, s.Rows, 2)
	require.EqualValues(t, 4, s.TotalRows)
	require.Equal(t, []any{"Kentucky", "2016-01-05", 10.5}, s.Rows[0])
}

func TestExecuteAggregationIsIdempotent(t *testing.T) {
	r := newTestReader(t)
	src := Source{Path: writeFile(t, "sales.csv", []byte(salesCSV))}
	q := `SELECT "State", SUM("Sales") FROM dataset GROUP BY "State" ORDER BY "State"`

	first, err := r.ExecuteAggregation(context.Background(), src, q)
	require.NoError(t, err)
	second, err := r.ExecuteAggregation(context.Background(), src, q)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first.Rows, 2)
	require.Equal(t, "Kentucky", first.Rows[0][0])
	require.InDelta(t, 22.5, first.Rows[0][1], 1e-9)
}

func TestExecuteAggregationFailureIsTyped(t *testing.T) {
	r := newTestReader(t)
	src := Source{Path: writeFile(t, "sales.csv", []byte(salesCSV))}
	_, err := r.ExecuteAggregation(context.Background(), src, `SELECT SUM("Nope") FROM dataset`)
	var qe *failure.QueryExecutionError
	require.ErrorAs(t, err, &qe)
	require.NotContains(t, failure.UserMessage(err), "Nope")
}

func TestSessionsAreReleased(t *testing.T) {
	r := newTestReader(t)
	src := Source{Path: writeFile(t, "sales.csv", []byte(salesCSV))}
	for i := 0; i < 20; i++ {
		_, _ = r.DescribeSchema(context.Background(), src)
		_, _ = r.ExecuteAggregation(context.Background(), src, "SELECT broken FROM")
	}
	require.Equal(t, 0, len(r.slots))
	require.Equal(t, 0, r.db.Stats().InUse)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	r := newTestReader(t)
	r.slots <- struct{}{}
	defer func() { <-r.slots }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestParquetAndJSON(t *testing.T) {
	r := newTestReader(t)
	jsonPath := writeFile(t, "rows.json", []byte(`[{"region":"East","units":3},{"region":"West","units":5}]`))
	cols, err := r.DescribeSchema(context.Background(), Source{Path: jsonPath})
	require.NoError(t, err)
	require.Equal(t, dataset.Columns{{Name: "region", Type: dataset.TypeString}, {Name: "units", Type: dataset.TypeInteger}}, cols)

	pq := filepath.Join(t.TempDir(), "rows.parquet")
	_, err = r.db.Exec("COPY (SELECT * FROM read_json_auto(" + QuotePath(jsonPath) + ")) TO " + QuotePath(pq) + " (FORMAT PARQUET)")
	require.NoError(t, err)
	rs, err := r.ExecuteAggregation(context.Background(), Source{Path: pq}, `SELECT SUM(units) FROM dataset`)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	require.EqualValues(t, 8, rs.Rows[0][0])
}
