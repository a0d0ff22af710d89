// Package warehouse is the connector interface for installations that chart
// a remote table instead of an uploaded file. Backends live in subpackages
// and register themselves by driver name from init().
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/KaramelBytes/chartloom/internal/compiler"
	"github.com/KaramelBytes/chartloom/internal/dataset"
)

var (
	ErrUnknownDriver  = errors.New("unknown warehouse driver")
	ErrTargetNotFound = errors.New("warehouse table not found")
)

// Config selects and configures a backend.
type Config struct {
	Driver string
	DSN    string
}

// Connector runs compiled queries against one warehouse.
type Connector interface {
	// Dialect is the SQL flavour plans must be compiled for.
	Dialect() compiler.Dialect
	// ValidateTarget reports whether schema.table exists. An empty schema
	// means the backend's default schema.
	ValidateTarget(ctx context.Context, schema, table string) (bool, error)
	// DescribeTable returns the table's columns in ordinal order.
	DescribeTable(ctx context.Context, schema, table string) (dataset.Columns, error)
	// RunQuery executes query and returns portable rows. Failures are
	// *failure.QueryExecutionError.
	RunQuery(ctx context.Context, query string) (dataset.RowSet, error)
	// Close releases pooled connections. Call once.
	Close()
}

// Factory opens a connector.
type Factory func(ctx context.Context, cfg Config) (Connector, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds a backend under driver. Registering a driver twice panics.
func Register(driver string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if driver == "" {
		panic("warehouse: Register called with empty driver")
	}
	if f == nil {
		panic("warehouse: Register called with nil factory")
	}
	if _, exists := factories[driver]; exists {
		panic(fmt.Sprintf("warehouse: factory already registered for driver=%q", driver))
	}
	factories[driver] = f
}

// Open connects using the factory registered for cfg.Driver.
func Open(ctx context.Context, cfg Config) (Connector, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		return nil, fmt.Errorf("%w: empty driver", ErrUnknownDriver)
	}
	mu.RLock()
	f, ok := factories[driver]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownDriver, cfg.Driver, strings.Join(Drivers(), ", "))
	}
	return f(ctx, cfg)
}

// Drivers lists registered driver names, sorted.
func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ColumnType maps an information_schema data_type to a column type. It
// covers the Postgres and SQL Server spellings.
func ColumnType(dataType string) dataset.Type {
	t := strings.ToLower(strings.TrimSpace(dataType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "smallint", "integer", "int", "bigint", "tinyint", "int2", "int4", "int8",
		"smallserial", "serial", "bigserial":
		return dataset.TypeInteger
	case "numeric", "decimal", "real", "double precision", "float", "float4", "float8",
		"money", "smallmoney":
		return dataset.TypeFloat
	case "boolean", "bool", "bit":
		return dataset.TypeBoolean
	case "date", "timestamp", "timestamp without time zone", "timestamp with time zone",
		"timestamptz", "datetime", "datetime2", "smalldatetime", "datetimeoffset":
		return dataset.TypeDate
	case "text", "character varying", "varchar", "character", "char", "nchar", "nvarchar",
		"ntext", "citext", "uuid", "uniqueidentifier":
		return dataset.TypeString
	}
	return dataset.TypeUnknown
}
