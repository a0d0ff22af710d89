// Package mssql is the SQL Server warehouse connector over database/sql.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/KaramelBytes/chartloom/internal/compiler"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/portable"
	"github.com/KaramelBytes/chartloom/internal/warehouse"

	_ "github.com/microsoft/go-mssqldb"
)

// DefaultSchema is used when a target names no schema.
const DefaultSchema = "dbo"

func init() {
	warehouse.Register("sqlserver", Open)
}

// Connector implements warehouse.Connector for SQL Server.
type Connector struct {
	db *sql.DB
}

// Open connects with the "sqlserver" driver and checks connectivity.
func Open(ctx context.Context, cfg warehouse.Config) (warehouse.Connector, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Connector{db: db}, nil
}

func (c *Connector) Dialect() compiler.Dialect { return compiler.SQLServer }

func (c *Connector) Close() {
	if c == nil || c.db == nil {
		return
	}
	_ = c.db.Close()
}

func (c *Connector) ValidateTarget(ctx context.Context, schema, table string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2`,
		schemaOrDefault(schema), table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("mssql: validate %s.%s: %w", schemaOrDefault(schema), table, err)
	}
	return n > 0, nil
}

func (c *Connector) DescribeTable(ctx context.Context, schema, table string) (dataset.Columns, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION`,
		schemaOrDefault(schema), table)
	if err != nil {
		return nil, fmt.Errorf("mssql: describe %s.%s: %w", schemaOrDefault(schema), table, err)
	}
	defer rows.Close()

	var cols dataset.Columns
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("mssql: describe scan: %w", err)
		}
		cols = append(cols, dataset.Column{Name: name, Type: warehouse.ColumnType(dataType)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mssql: describe rows: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", warehouse.ErrTargetNotFound, schemaOrDefault(schema), table)
	}
	return cols, nil
}

func (c *Connector) RunQuery(ctx context.Context, query string) (dataset.RowSet, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return dataset.RowSet{}, &failure.QueryExecutionError{Query: query, Err: err}
	}
	defer rows.Close()
	rs, err := scan(rows)
	if err != nil {
		return dataset.RowSet{}, &failure.QueryExecutionError{Query: query, Err: err}
	}
	return rs, nil
}

func scan(rows *sql.Rows) (dataset.RowSet, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return dataset.RowSet{}, err
	}
	out := dataset.RowSet{Columns: make([]string, len(types)), Rows: [][]any{}}
	for i, t := range types {
		out.Columns[i] = t.Name()
	}
	for rows.Next() {
		vals := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return dataset.RowSet{}, err
		}
		for i, v := range vals {
			vals[i] = value(types[i].DatabaseTypeName(), v)
		}
		out.Rows = append(out.Rows, vals)
	}
	return out, rows.Err()
}

// value converts a driver value. DECIMAL, NUMERIC and MONEY arrive as their
// text form in []byte.
func value(dbType string, v any) any {
	if b, ok := v.([]byte); ok {
		switch strings.ToUpper(dbType) {
		case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
			d, err := decimal.NewFromString(strings.TrimSpace(string(b)))
			if err != nil {
				return nil
			}
			p, _ := portable.Value(d)
			return p
		}
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
