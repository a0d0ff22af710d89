// Package reader is the Tabular File Reader: schema introspection, bounded
// sampling and query execution over local CSV, TSV, JSON, Parquet and XLSX
// files, backed by one embedded DuckDB instance per process.
package reader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/logging"
	"github.com/KaramelBytes/chartloom/internal/portable"
	"github.com/KaramelBytes/chartloom/internal/storage"
)

// Relation is the name compiled queries use for the dataset being read.
const Relation = "dataset"

// ErrInvalidLimit is returned by SampleRows for a non-positive limit.
var ErrInvalidLimit = errors.New("sample limit must be positive")

// Options configures a Reader.
type Options struct {
	// MaxConns bounds concurrent engine sessions. Defaults to 1.
	MaxConns int
	// TempDir receives XLSX extracts and repaired copies; defaults to os.TempDir().
	TempDir string
	Cleanup storage.CleanupPolicy
	Logger  *zap.Logger
}

// Reader owns the process-wide engine. Each operation acquires a scoped
// session and releases it before returning.
type Reader struct {
	db      *sql.DB
	slots   chan struct{}
	tempDir string
	cleanup storage.CleanupPolicy
	log     *zap.Logger
}

// New opens an in-memory engine.
func New(opts Options) (*Reader, error) {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 1
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Cleanup.Attempts <= 0 {
		opts.Cleanup = storage.DefaultCleanupPolicy()
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &Reader{
		db:      db,
		slots:   make(chan struct{}, opts.MaxConns),
		tempDir: opts.TempDir,
		cleanup: opts.Cleanup,
		log:     logging.OrNop(opts.Logger),
	}, nil
}

// Close releases the engine.
func (r *Reader) Close() error { return r.db.Close() }

// session is one scoped engine connection.
type session struct {
	conn *sql.Conn
	r    *Reader
}

// acquire waits for a free slot and checks out a dedicated connection.
func (r *Reader) acquire(ctx context.Context) (*session, error) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	conn, err := r.db.Conn(ctx)
	if err != nil {
		<-r.slots
		return nil, fmt.Errorf("acquire engine connection: %w", err)
	}
	return &session{conn: conn, r: r}, nil
}

// release drops the session's view and returns the connection. Safe to
// defer; it never panics on a broken connection.
func (s *session) release() {
	if _, err := s.conn.ExecContext(context.Background(), "DROP VIEW IF EXISTS "+Relation); err != nil {
		s.r.log.Debug("drop dataset view", zap.Error(err))
	}
	if err := s.conn.Close(); err != nil {
		s.r.log.Debug("close engine connection", zap.Error(err))
	}
	<-s.r.slots
}

func (r *Reader) removeTemp(path string) {
	if err := storage.Remove(path, r.cleanup); err != nil {
		r.log.Warn("temporary file cleanup failed", zap.String("path", path), zap.Error(err))
	}
}

// viewError marks a failure to bind the file, as opposed to a failure of the
// query run against it.
type viewError struct{ err error }

func (e *viewError) Error() string { return e.err.Error() }
func (e *viewError) Unwrap() error { return e.err }

// withSource prepares src, acquires a session, binds the file as the
// dataset view and calls fn, falling back to the tolerant tier on decode
// failures. Temporary files and the session are released on every path.
func (r *Reader) withSource(ctx context.Context, src Source, fn func(ctx context.Context, conn *sql.Conn) error) error {
	p, cleanup, err := r.prepare(src)
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.release()

	used, err := withFallback(func(t tier) error {
		rel, done, err := r.relation(p, t)
		defer done()
		if err != nil {
			return &viewError{err}
		}
		stmt := "CREATE OR REPLACE TEMP VIEW " + Relation + " AS SELECT * FROM " + rel
		if _, err := sess.conn.ExecContext(ctx, stmt); err != nil {
			return &viewError{err}
		}
		return fn(ctx, sess.conn)
	})
	if used == tierTolerant {
		r.log.Warn("read fell back to tolerant tier", zap.String("path", src.Path), zap.Bool("ok", err == nil))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var ve *viewError
		if errors.As(err, &ve) {
			return &failure.DataSourceUnreadableError{Path: src.Path, Reason: "engine could not read file", Err: ve.err}
		}
		return err
	}
	return nil
}

// DescribeSchema returns the Column Descriptor list. A file whose rows all
// fail to parse yields an empty list.
func (r *Reader) DescribeSchema(ctx context.Context, src Source) (dataset.Columns, error) {
	var cols dataset.Columns
	err := r.withSource(ctx, src, func(ctx context.Context, conn *sql.Conn) error {
		cols = nil
		desc, err := queryRows(ctx, conn, "DESCRIBE SELECT * FROM "+Relation)
		if err != nil {
			return unreadable(src, err)
		}
		n, err := countRows(ctx, conn)
		if err != nil {
			return unreadable(src, err)
		}
		if n == 0 {
			cols = dataset.Columns{}
			return nil
		}
		for _, row := range desc.Rows {
			if len(row) < 2 {
				continue
			}
			name, _ := row[0].(string)
			typ, _ := row[1].(string)
			cols = append(cols, dataset.Column{Name: name, Type: EngineType(typ)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := cols.CheckUnique(); err != nil {
		return nil, &failure.DataSourceUnreadableError{Path: src.Path, Reason: "duplicate column names", Err: err}
	}
	return cols, nil
}

// SampleRows returns at most limit rows plus the total row count.
func (r *Reader) SampleRows(ctx context.Context, src Source, limit int) (dataset.Sample, error) {
	if limit <= 0 {
		return dataset.Sample{}, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	var out dataset.Sample
	err := r.withSource(ctx, src, func(ctx context.Context, conn *sql.Conn) error {
		rs, err := queryRows(ctx, conn, fmt.Sprintf("SELECT * FROM %s LIMIT %d", Relation, limit))
		if err != nil {
			return unreadable(src, err)
		}
		n, err := countRows(ctx, conn)
		if err != nil {
			return unreadable(src, err)
		}
		out = dataset.Sample{RowSet: r.portableRows(rs), TotalRows: n}
		return nil
	})
	return out, err
}

// ExecuteAggregation runs a compiled query against the file, which is bound
// as the relation named Relation. Query failures are QueryExecutionErrors.
func (r *Reader) ExecuteAggregation(ctx context.Context, src Source, query string) (dataset.RowSet, error) {
	var out dataset.RowSet
	err := r.withSource(ctx, src, func(ctx context.Context, conn *sql.Conn) error {
		rs, err := queryRows(ctx, conn, query)
		if err != nil {
			return &failure.QueryExecutionError{Query: query, Err: err}
		}
		out = r.portableRows(rs)
		return nil
	})
	return out, err
}

func unreadable(src Source, err error) error {
	return &failure.DataSourceUnreadableError{Path: src.Path, Reason: "engine could not read file", Err: err}
}

func countRows(ctx context.Context, conn *sql.Conn) (int64, error) {
	var n int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+Relation).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func queryRows(ctx context.Context, conn *sql.Conn, query string) (dataset.RowSet, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return dataset.RowSet{}, err
	}
	defer rows.Close()
	return ScanRows(rows)
}

// ScanRows drains rows into a RowSet of raw driver values.
func ScanRows(rows *sql.Rows) (dataset.RowSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return dataset.RowSet{}, err
	}
	out := dataset.RowSet{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return dataset.RowSet{}, err
		}
		out.Rows = append(out.Rows, vals)
	}
	return out, rows.Err()
}

func (r *Reader) portableRows(rs dataset.RowSet) dataset.RowSet {
	for _, row := range rs.Rows {
		for i, v := range row {
			pv, note := portable.Value(v)
			if note != "" {
				r.log.Debug("value coerced", zap.String("column", rs.Columns[i]), zap.String("note", note))
			}
			row[i] = pv
		}
	}
	return rs
}

// EngineType maps a DuckDB type name to a column type.
func EngineType(t string) dataset.Type {
	t = strings.ToUpper(strings.TrimSpace(t))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "BOOLEAN", "BOOL":
		return dataset.TypeBoolean
	case "TINYINT", "SMALLINT", "INTEGER", "INT", "BIGINT", "HUGEINT",
		"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT", "UHUGEINT":
		return dataset.TypeInteger
	case "FLOAT", "REAL", "DOUBLE", "DECIMAL", "NUMERIC":
		return dataset.TypeFloat
	case "DATE", "TIMESTAMP", "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ",
		"TIMESTAMP_S", "TIMESTAMP_MS", "TIMESTAMP_NS", "DATETIME":
		return dataset.TypeDate
	case "VARCHAR", "TEXT", "STRING", "TIME", "UUID", "INTERVAL":
		return dataset.TypeString
	}
	return dataset.TypeUnknown
}
