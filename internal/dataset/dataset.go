// Package dataset holds the shared shapes that flow between the reader,
// compiler, normalizer and warehouse connectors.
package dataset

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Type is the coarse column type used for grouping, filtering and aggregation.
type Type string

const (
	TypeString  Type = "STRING"
	TypeInteger Type = "INTEGER"
	TypeFloat   Type = "FLOAT"
	TypeBoolean Type = "BOOLEAN"
	TypeDate    Type = "DATE"
	TypeUnknown Type = "UNKNOWN"
)

// Numeric reports whether SUM/AVG/MIN/MAX can be applied to the type.
func (t Type) Numeric() bool { return t == TypeInteger || t == TypeFloat }

// Column is a Column Descriptor.
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Columns is an ordered Column Descriptor list.
type Columns []Column

// Lookup returns the column with the exact (case-sensitive) name.
func (cs Columns) Lookup(name string) (Column, bool) {
	for _, c := range cs {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns column names in order.
func (cs Columns) Names() []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

// CheckUnique returns an error naming the first duplicated column.
func (cs Columns) CheckUnique() error {
	seen := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// RowSet is a column-ordered block of rows. Row values are positionally
// aligned with Columns.
type RowSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Sample is the result of a bounded sample read.
type Sample struct {
	RowSet
	TotalRows int64 `json:"totalRows"`
}

// FileType is the declared format of an uploaded dataset.
type FileType string

const (
	FileCSV     FileType = "csv"
	FileTSV     FileType = "tsv"
	FileJSON    FileType = "json"
	FileParquet FileType = "parquet"
	FileXLSX    FileType = "xlsx"
)

// DetectFileType guesses the type from a file name extension. It returns an
// empty FileType when the extension is not recognized.
func DetectFileType(name string) FileType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FileCSV
	case ".tsv", ".tab":
		return FileTSV
	case ".json", ".ndjson", ".jsonl":
		return FileJSON
	case ".parquet", ".pq":
		return FileParquet
	case ".xlsx":
		return FileXLSX
	}
	return ""
}

// Ref identifies the dataset a chart is built against. Exactly one of
// Location or Warehouse is set.
type Ref struct {
	ID string
	// Location is a local path or a remote-storage identifier (s3://bucket/key).
	Location string
	FileType FileType
	// Sheet selects an XLSX sheet by name; empty means the first sheet.
	Sheet     string
	Warehouse *WarehouseTarget
}

// WarehouseTarget points at a table behind a warehouse connector.
type WarehouseTarget struct {
	Driver string
	DSN    string
	Schema string
	Table  string
}

// ResolvedFileType returns the declared file type or the one implied by the
// location's extension.
func (r Ref) ResolvedFileType() FileType {
	if r.FileType != "" {
		return r.FileType
	}
	return DetectFileType(r.Location)
}
