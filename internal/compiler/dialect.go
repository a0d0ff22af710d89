package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/intent"
)

// Dialect selects SQL syntax for a backend.
type Dialect string

const (
	DuckDB    Dialect = "duckdb"
	Postgres  Dialect = "postgres"
	SQLServer Dialect = "sqlserver"
)

// Valid reports whether d is a known dialect.
func (d Dialect) Valid() bool {
	switch d {
	case DuckDB, Postgres, SQLServer:
		return true
	}
	return false
}

// QuoteIdent quotes a column or table name.
func (d Dialect) QuoteIdent(name string) string {
	if d == SQLServer {
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedName quotes schema.table; an empty schema yields just the table.
func (d Dialect) QualifiedName(schema, table string) string {
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

// QuoteString renders s as a string literal.
func (d Dialect) QuoteString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	q := "'" + strings.ReplaceAll(s, "'", "''") + "'"
	if d == SQLServer {
		return "N" + q
	}
	return q
}

// Literal renders a typed value. Nothing model-supplied reaches SQL except
// through this function.
func (d Dialect) Literal(l intent.Literal) string {
	switch l.Type {
	case dataset.TypeInteger, dataset.TypeFloat:
		return strconv.FormatFloat(l.Num, 'f', -1, 64)
	case dataset.TypeBoolean:
		if d == SQLServer {
			if l.Bool {
				return "1"
			}
			return "0"
		}
		if l.Bool {
			return "TRUE"
		}
		return "FALSE"
	case dataset.TypeDate:
		iso := l.Date.Format("2006-01-02")
		if d == SQLServer {
			return "CAST('" + iso + "' AS date)"
		}
		return "DATE '" + iso + "'"
	}
	return d.QuoteString(l.Str)
}

// columnExpr is the left-hand side used when comparing col to literals.
func (d Dialect) columnExpr(col dataset.Column) string {
	id := d.QuoteIdent(col.Name)
	switch col.Type {
	case dataset.TypeDate:
		return "CAST(" + id + " AS " + d.dateType() + ")"
	case dataset.TypeUnknown:
		return "CAST(" + id + " AS " + d.textType() + ")"
	}
	return id
}

func (d Dialect) dateType() string {
	if d == SQLServer {
		return "date"
	}
	return "DATE"
}

func (d Dialect) textType() string {
	switch d {
	case SQLServer:
		return "NVARCHAR(MAX)"
	case Postgres:
		return "TEXT"
	}
	return "VARCHAR"
}

// bucketKey returns an expression producing a sortable text key for the
// bucket: 2016-01-05, 2016-01, 2016-Q1 or 2016.
func (d Dialect) bucketKey(col string, b intent.Bucket) string {
	c := d.QuoteIdent(col)
	switch d {
	case Postgres:
		switch b {
		case intent.BucketDay:
			return "to_char(" + c + ", 'YYYY-MM-DD')"
		case intent.BucketMonth:
			return "to_char(" + c + ", 'YYYY-MM')"
		case intent.BucketQuarter:
			return "to_char(" + c + `, 'YYYY-"Q"Q')`
		case intent.BucketYear:
			return "to_char(" + c + ", 'YYYY')"
		}
	case SQLServer:
		dc := "CAST(" + c + " AS date)"
		switch b {
		case intent.BucketDay:
			return "CONVERT(char(10), " + dc + ", 126)"
		case intent.BucketMonth:
			return "CONVERT(char(7), " + dc + ", 126)"
		case intent.BucketQuarter:
			return "CONCAT(YEAR(" + dc + "), '-Q', DATEPART(quarter, " + dc + "))"
		case intent.BucketYear:
			return "CAST(YEAR(" + dc + ") AS varchar(4))"
		}
	default:
		dc := "CAST(" + c + " AS DATE)"
		switch b {
		case intent.BucketDay:
			return "strftime(" + dc + ", '%Y-%m-%d')"
		case intent.BucketMonth:
			return "strftime(" + dc + ", '%Y-%m')"
		case intent.BucketQuarter:
			return "CAST(year(" + dc + ") AS VARCHAR) || '-Q' || CAST(quarter(" + dc + ") AS VARCHAR)"
		case intent.BucketYear:
			return "CAST(year(" + dc + ") AS VARCHAR)"
		}
	}
	return c
}

// limit wraps a SELECT body with the dialect's row cap.
func (d Dialect) limit(selectList, rest string, n int) string {
	if d == SQLServer {
		return fmt.Sprintf("SELECT TOP %d %s%s", n, selectList, rest)
	}
	return fmt.Sprintf("SELECT %s%s LIMIT %d", selectList, rest, n)
}
