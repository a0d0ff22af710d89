package reader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/tabular"
)

// Source is a local dataset file and how to read it.
type Source struct {
	Path string
	// Type is the declared format; empty means detect from the extension.
	Type dataset.FileType
	// Sheet selects an XLSX sheet; empty means the first one.
	Sheet string
}

// SourceFor binds a fetched local path to a dataset reference.
func SourceFor(ref dataset.Ref, localPath string) Source {
	ft := ref.FileType
	if ft == "" {
		ft = dataset.DetectFileType(localPath)
	}
	return Source{Path: localPath, Type: ft, Sheet: ref.Sheet}
}

// format renders the engine table function for one file type. tolerant is
// nil for formats that have no text to repair.
type format struct {
	strict   func(path string, delim rune) string
	tolerant func(path string, delim rune) string
	// delimited formats get their header checked for duplicate names.
	delimited bool
}

var formats = map[dataset.FileType]format{
	dataset.FileCSV: {
		strict:    func(p string, d rune) string { return readCSV(p, d, false) },
		tolerant:  func(p string, d rune) string { return readCSV(p, d, true) },
		delimited: true,
	},
	dataset.FileTSV: {
		strict:    func(p string, _ rune) string { return readCSV(p, '\t', false) },
		tolerant:  func(p string, _ rune) string { return readCSV(p, '\t', true) },
		delimited: true,
	},
	dataset.FileJSON: {
		strict:   func(p string, _ rune) string { return "read_json_auto(" + QuotePath(p) + ", ignore_errors=true)" },
		tolerant: func(p string, _ rune) string { return "read_json_auto(" + QuotePath(p) + ", ignore_errors=true)" },
	},
	dataset.FileParquet: {
		strict: func(p string, _ rune) string { return "read_parquet(" + QuotePath(p) + ")" },
	},
}

func readCSV(path string, delim rune, allText bool) string {
	var b strings.Builder
	b.WriteString("read_csv(")
	b.WriteString(QuotePath(path))
	b.WriteString(", header=true, ignore_errors=true, null_padding=true, delim=")
	if delim == '\t' {
		b.WriteString(`'\t'`)
	} else {
		b.WriteString("'" + strings.ReplaceAll(string(delim), "'", "''") + "'")
	}
	if allText {
		b.WriteString(", all_varchar=true")
	}
	b.WriteString(")")
	return b.String()
}

// QuotePath normalizes path separators to forward slashes and returns the
// path as a single-quoted SQL string literal.
func QuotePath(path string) string {
	p := strings.ReplaceAll(path, `\`, "/")
	return "'" + strings.ReplaceAll(p, "'", "''") + "'"
}

// prepared is a source ready for the engine.
type prepared struct {
	path  string
	ft    dataset.FileType
	fmt   format
	delim rune
	// invalidText is set when a text file is not valid UTF-8; the strict
	// tier would silently drop its rows.
	invalidText bool
}

// prepare checks that the file is readable and converts containers the
// engine cannot scan directly (XLSX) into a temporary CSV.
func (r *Reader) prepare(src Source) (*prepared, func(), error) {
	noop := func() {}
	info, err := os.Stat(src.Path)
	if err != nil {
		reason := "cannot open file"
		if errors.Is(err, os.ErrNotExist) {
			reason = "file not found"
		}
		return nil, noop, &failure.DataSourceUnreadableError{Path: src.Path, Reason: reason, Err: err}
	}
	if info.IsDir() {
		return nil, noop, &failure.DataSourceUnreadableError{Path: src.Path, Reason: "path is a directory"}
	}
	if info.Size() == 0 {
		return nil, noop, &failure.DataSourceUnreadableError{Path: src.Path, Reason: "file is empty"}
	}

	ft := src.Type
	if ft == "" {
		ft = dataset.DetectFileType(src.Path)
	}
	if ft == "" {
		ft = dataset.FileCSV
	}

	p := &prepared{path: src.Path, ft: ft}
	cleanup := noop
	if ft == dataset.FileXLSX {
		csvPath, err := r.extractSheet(src)
		if err != nil {
			return nil, noop, err
		}
		p.path, p.ft = csvPath, dataset.FileCSV
		cleanup = func() { r.removeTemp(csvPath) }
	}

	f, ok := formats[p.ft]
	if !ok {
		cleanup()
		return nil, noop, &failure.DataSourceUnreadableError{Path: src.Path, Reason: fmt.Sprintf("unsupported file type %q", ft)}
	}
	p.fmt = f
	if f.tolerant != nil {
		ok, err := validUTF8(p.path)
		if err != nil {
			cleanup()
			return nil, noop, &failure.DataSourceUnreadableError{Path: src.Path, Reason: "cannot read file", Err: err}
		}
		p.invalidText = !ok
	}
	if f.delimited {
		p.delim = tabular.SniffDelimiter(p.path)
		if p.ft == dataset.FileTSV {
			p.delim = '\t'
		}
		if err := checkHeader(p.path, p.delim); err != nil {
			cleanup()
			return nil, noop, &failure.DataSourceUnreadableError{Path: src.Path, Reason: "invalid header", Err: err}
		}
	}
	return p, cleanup, nil
}

func checkHeader(path string, delim rune) error {
	names, err := tabular.ReadHeader(path, delim)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	cols := make(dataset.Columns, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		cols = append(cols, dataset.Column{Name: n})
	}
	return cols.CheckUnique()
}

func (r *Reader) extractSheet(src Source) (string, error) {
	dst := filepath.Join(r.tempDir, "chartloom-sheet-"+uuid.NewString()+".csv")
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create sheet copy: %w", err)
	}
	_, err = tabular.ExtractSheetCSV(src.Path, src.Sheet, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		r.removeTemp(dst)
		return "", &failure.DataSourceUnreadableError{Path: src.Path, Reason: "corrupt or unsupported workbook", Err: err}
	}
	return dst, nil
}

// relation returns the table expression for the tier, plus a release func
// for any repaired copy the tolerant tier wrote.
func (r *Reader) relation(p *prepared, t tier) (string, func(), error) {
	if t == tierStrict {
		if p.invalidText {
			return "", func() {}, &decodeError{msg: "file is not valid UTF-8"}
		}
		return p.fmt.strict(p.path, p.delim), func() {}, nil
	}
	if p.fmt.tolerant == nil {
		return "", func() {}, errNoTolerantTier
	}
	repaired, err := writeRepairedCopy(p.path, r.tempDir)
	if err != nil {
		return "", func() {}, err
	}
	return p.fmt.tolerant(repaired, p.delim), func() { r.removeTemp(repaired) }, nil
}
