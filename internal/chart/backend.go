package chart

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/KaramelBytes/chartloom/internal/compiler"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/intent"
	"github.com/KaramelBytes/chartloom/internal/reader"
	"github.com/KaramelBytes/chartloom/internal/warehouse"
)

// Engine is the Tabular File Reader as the pipeline uses it.
type Engine interface {
	DescribeSchema(ctx context.Context, src reader.Source) (dataset.Columns, error)
	SampleRows(ctx context.Context, src reader.Source, limit int) (dataset.Sample, error)
	ExecuteAggregation(ctx context.Context, src reader.Source, query string) (dataset.RowSet, error)
}

// backend is where one request reads its schema and runs its queries.
type backend interface {
	columns(ctx context.Context) (dataset.Columns, error)
	sample(ctx context.Context, limit int) (dataset.Sample, error)
	target() compiler.Target
	run(ctx context.Context, query string) (dataset.RowSet, error)
	close()
}

// fileBackend reads a fetched local file through the engine.
type fileBackend struct {
	engine  Engine
	src     reader.Source
	release func()
}

func (b *fileBackend) columns(ctx context.Context) (dataset.Columns, error) {
	return b.engine.DescribeSchema(ctx, b.src)
}

func (b *fileBackend) sample(ctx context.Context, limit int) (dataset.Sample, error) {
	return b.engine.SampleRows(ctx, b.src, limit)
}

func (b *fileBackend) target() compiler.Target { return compiler.Local(reader.Relation) }

func (b *fileBackend) run(ctx context.Context, query string) (dataset.RowSet, error) {
	return b.engine.ExecuteAggregation(ctx, b.src, query)
}

func (b *fileBackend) close() { b.release() }

// warehouseBackend queries a table through a connector opened for the request.
type warehouseBackend struct {
	conn   warehouse.Connector
	schema string
	table  string
	log    *zap.Logger
}

func (b *warehouseBackend) columns(ctx context.Context) (dataset.Columns, error) {
	ok, err := b.conn.ValidateTarget(ctx, b.schema, b.table)
	if err != nil {
		return nil, b.unreadable(err)
	}
	if !ok {
		return nil, b.unreadable(warehouse.ErrTargetNotFound)
	}
	cols, err := b.conn.DescribeTable(ctx, b.schema, b.table)
	if err != nil {
		return nil, b.unreadable(err)
	}
	return cols, nil
}

// sample reuses the compiler's raw plan: its part is the bounded sample and
// its fallback is the row count.
func (b *warehouseBackend) sample(ctx context.Context, limit int) (dataset.Sample, error) {
	p, err := compiler.Compile(&intent.Validated{Query: intent.QueryRaw}, nil, b.target(), compiler.Options{RawRowCap: limit})
	if err != nil {
		return dataset.Sample{}, err
	}
	rs, err := b.conn.RunQuery(ctx, p.Parts[0].SQL)
	if err != nil {
		return dataset.Sample{}, b.unreadable(err)
	}
	out := dataset.Sample{RowSet: rs, TotalRows: -1}
	count, err := b.conn.RunQuery(ctx, p.Fallback)
	if err == nil && len(count.Rows) == 1 && len(count.Rows[0]) == 1 {
		if n, ok := count.Rows[0][0].(int64); ok {
			out.TotalRows = n
		}
	} else if err != nil {
		b.log.Debug("warehouse row count", zap.Error(err))
	}
	return out, nil
}

func (b *warehouseBackend) target() compiler.Target {
	return compiler.Warehouse(b.conn.Dialect(), b.schema, b.table)
}

func (b *warehouseBackend) run(ctx context.Context, query string) (dataset.RowSet, error) {
	rs, err := b.conn.RunQuery(ctx, query)
	var qe *failure.QueryExecutionError
	if err != nil && !errors.As(err, &qe) && ctx.Err() == nil {
		err = &failure.QueryExecutionError{Query: query, Err: err}
	}
	return rs, err
}

func (b *warehouseBackend) close() { b.conn.Close() }

func (b *warehouseBackend) unreadable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &failure.DataSourceUnreadableError{
		Path:   fmt.Sprintf("%s.%s", b.schema, b.table),
		Reason: "warehouse table unavailable",
		Err:    err,
	}
}
