package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/warehouse"
)

type fakeRows struct {
	cols []string
	data [][]any
	i    int
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *fakeRows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return append([]any{}, r.data[r.i-1]...), nil
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *bool:
			*p = row[i].(bool)
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

type fakeRow struct {
	v   any
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.v.(bool)
	return nil
}

type fakePool struct {
	rows   *fakeRows
	row    fakeRow
	err    error
	args   []any
	closed bool
}

func (p *fakePool) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	p.args = args
	if p.err != nil {
		return nil, p.err
	}
	return p.rows, nil
}

func (p *fakePool) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	p.args = args
	return p.row
}

func (p *fakePool) Close() { p.closed = true }

func TestValueConversions(t *testing.T) {
	require.Equal(t, 123.45, value(pgtype.Numeric{Int: big.NewInt(12345), Exp: -2, Valid: true}))
	require.Nil(t, value(pgtype.Numeric{Valid: false}))
	require.Nil(t, value(pgtype.Numeric{NaN: true, Valid: true}))
	require.Nil(t, value(pgtype.Numeric{Int: big.NewInt(1), InfinityModifier: pgtype.Infinity, Valid: true}))
	require.Equal(t, "00000000-0000-0000-0000-000000000001", value([16]byte{15: 1}))
	require.Equal(t, int64(7), value(int32(7)))
}

func TestDescribeAndValidate(t *testing.T) {
	pool := &fakePool{rows: &fakeRows{
		cols: []string{"column_name", "data_type"},
		data: [][]any{{"State", "text"}, {"OrderDate", "date"}, {"Sales", "numeric"}},
	}, row: fakeRow{v: true}}
	c := &Connector{pool: pool}

	cols, err := c.DescribeTable(context.Background(), "", "sales")
	require.NoError(t, err)
	require.Equal(t, []any{DefaultSchema, "sales"}, pool.args)
	require.Equal(t, dataset.Columns{
		{Name: "State", Type: dataset.TypeString},
		{Name: "OrderDate", Type: dataset.TypeDate},
		{Name: "Sales", Type: dataset.TypeFloat},
	}, cols)

	ok, err := c.ValidateTarget(context.Background(), "analytics", "sales")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []any{"analytics", "sales"}, pool.args)

	pool.rows = &fakeRows{}
	_, err = c.DescribeTable(context.Background(), "", "missing")
	require.ErrorIs(t, err, warehouse.ErrTargetNotFound)

	c.Close()
	require.True(t, pool.closed)
}

func TestRunQuery(t *testing.T) {
	pool := &fakePool{rows: &fakeRows{
		cols: []string{"label", "value"},
		data: [][]any{{"2016-01", pgtype.Numeric{Int: big.NewInt(225), Exp: -1, Valid: true}}},
	}}
	c := &Connector{pool: pool}
	rs, err := c.RunQuery(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, []string{"label", "value"}, rs.Columns)
	require.Equal(t, [][]any{{"2016-01", 22.5}}, rs.Rows)

	pool.err = errors.New(`ERROR: column "Sales" does not exist (SQLSTATE 42703)`)
	_, err = c.RunQuery(context.Background(), "SELECT bad")
	var qe *failure.QueryExecutionError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, "SELECT bad", qe.Query)
	require.NotContains(t, failure.UserMessage(err), "SQLSTATE")
}

func TestRegistered(t *testing.T) {
	require.Contains(t, warehouse.Drivers(), "postgres")
}
