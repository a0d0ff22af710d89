// Package postgres is the Postgres warehouse connector, built on a pgx pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KaramelBytes/chartloom/internal/compiler"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/portable"
	"github.com/KaramelBytes/chartloom/internal/warehouse"
)

// DefaultSchema is used when a target names no schema.
const DefaultSchema = "public"

func init() {
	warehouse.Register("postgres", Open)
}

// querier is the subset of *pgxpool.Pool the connector uses.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connector implements warehouse.Connector for Postgres.
type Connector struct {
	pool querier
}

// Open creates a pool for cfg.DSN and checks connectivity.
func Open(ctx context.Context, cfg warehouse.Config) (warehouse.Connector, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Connector{pool: pool}, nil
}

func (c *Connector) Dialect() compiler.Dialect { return compiler.Postgres }

func (c *Connector) Close() { c.pool.Close() }

func (c *Connector) ValidateTarget(ctx context.Context, schema, table string) (bool, error) {
	var ok bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schemaOrDefault(schema), table).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: validate %s.%s: %w", schemaOrDefault(schema), table, err)
	}
	return ok, nil
}

func (c *Connector) DescribeTable(ctx context.Context, schema, table string) (dataset.Columns, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`,
		schemaOrDefault(schema), table)
	if err != nil {
		return nil, fmt.Errorf("postgres: describe %s.%s: %w", schemaOrDefault(schema), table, err)
	}
	defer rows.Close()

	var cols dataset.Columns
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("postgres: describe scan: %w", err)
		}
		cols = append(cols, dataset.Column{Name: name, Type: warehouse.ColumnType(dataType)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: describe rows: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", warehouse.ErrTargetNotFound, schemaOrDefault(schema), table)
	}
	return cols, nil
}

func (c *Connector) RunQuery(ctx context.Context, query string) (dataset.RowSet, error) {
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return dataset.RowSet{}, &failure.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := dataset.RowSet{Columns: make([]string, len(fields)), Rows: [][]any{}}
	for i, f := range fields {
		out.Columns[i] = f.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return dataset.RowSet{}, &failure.QueryExecutionError{Query: query, Err: err}
		}
		for i, v := range vals {
			vals[i] = value(v)
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return dataset.RowSet{}, &failure.QueryExecutionError{Query: query, Err: err}
	}
	return out, nil
}

// value converts pgx-specific values before the portable pass.
func value(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid || x.NaN || x.InfinityModifier != pgtype.Finite {
			return nil
		}
		p, _ := portable.FromDecimal(x.Int, x.Exp)
		return p
	case [16]byte:
		return uuid.UUID(x).String()
	}
	p, _ := portable.Value(v)
	return p
}

func schemaOrDefault(s string) string {
	if s == "" {
		return DefaultSchema
	}
	return s
}
