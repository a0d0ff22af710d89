package tabular

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"
)

// ErrSheetNotFound is returned when a requested sheet name is absent.
var ErrSheetNotFound = errors.New("sheet not found")

// ExtractSheetCSV writes one worksheet of an .xlsx workbook to dst as CSV.
// An empty sheetName selects the first sheet. Date-formatted numeric cells are
// written as ISO dates so the engine can infer a DATE column.
func ExtractSheetCSV(src string, sheetName string, dst io.Writer) (rows int, err error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("open xlsx: %w", err)
	}
	defer zr.Close()

	sheets := parseWorkbook(readZipFile(&zr.Reader, "xl/workbook.xml"))
	rels := parseRelationships(readZipFile(&zr.Reader, "xl/_rels/workbook.xml.rels"))
	target := ""
	for i, s := range sheets {
		if (sheetName == "" && i == 0) || strings.EqualFold(s.Name, sheetName) {
			target = normalizeRelPath(rels[s.RID])
			break
		}
	}
	if sheetName != "" && target == "" {
		names := make([]string, len(sheets))
		for i, s := range sheets {
			names[i] = s.Name
		}
		return 0, fmt.Errorf("%w: %q (available: %s)", ErrSheetNotFound, sheetName, strings.Join(names, ", "))
	}
	if target == "" {
		target = "xl/worksheets/sheet1.xml"
	}
	sheetXML := readZipFile(&zr.Reader, target)
	if sheetXML == nil {
		return 0, fmt.Errorf("xlsx: missing worksheet %s", target)
	}

	rr := &sheetRowReader{
		dec:       xml.NewDecoder(bytes.NewReader(sheetXML)),
		shared:    parseSharedStrings(readZipFile(&zr.Reader, "xl/sharedStrings.xml")),
		dateStyle: parseDateStyles(readZipFile(&zr.Reader, "xl/styles.xml")),
	}
	w := csv.NewWriter(dst)
	width := 0
	for {
		rec, ok := rr.Next()
		if !ok {
			break
		}
		if rows == 0 {
			width = len(rec)
		}
		if len(rec) < width {
			tmp := make([]string, width)
			copy(tmp, rec)
			rec = tmp
		}
		if err := w.Write(rec); err != nil {
			return rows, fmt.Errorf("write csv: %w", err)
		}
		rows++
	}
	w.Flush()
	return rows, w.Error()
}

type wbSheet struct {
	Name string
	RID  string
}

func parseWorkbook(data []byte) []wbSheet {
	var out []wbSheet
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "sheet" {
			continue
		}
		var s wbSheet
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "name":
				s.Name = a.Value
			case "id":
				s.RID = a.Value
			}
		}
		out = append(out, s)
	}
}

func parseRelationships(data []byte) map[string]string {
	out := map[string]string{}
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "Relationship" {
			continue
		}
		var id, target string
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "Id":
				id = a.Value
			case "Target":
				target = a.Value
			}
		}
		if id != "" && target != "" {
			out[id] = target
		}
	}
}

func readZipFile(zr *zip.Reader, name string) []byte {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil
		}
		defer rc.Close()
		b, _ := io.ReadAll(rc)
		return b
	}
	return nil
}

func parseSharedStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out []string
	var buf strings.Builder
	var inT bool
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		switch se := tok.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "si":
				buf.Reset()
			case "t":
				inT = true
			}
		case xml.EndElement:
			switch se.Name.Local {
			case "t":
				inT = false
			case "si":
				out = append(out, buf.String())
			}
		case xml.CharData:
			if inT {
				buf.Write(se)
			}
		}
	}
}

// parseDateStyles returns, per cellXfs index, whether the number format is a
// date format.
func parseDateStyles(data []byte) []bool {
	if len(data) == 0 {
		return nil
	}
	custom := map[int]bool{}
	var out []bool
	inXfs := false
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		switch se := tok.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "numFmt":
				var id int
				var code string
				for _, a := range se.Attr {
					switch a.Name.Local {
					case "numFmtId":
						id, _ = strconv.Atoi(a.Value)
					case "formatCode":
						code = a.Value
					}
				}
				custom[id] = isDateFormatCode(code)
			case "cellXfs":
				inXfs = true
			case "xf":
				if !inXfs {
					continue
				}
				id := -1
				for _, a := range se.Attr {
					if a.Name.Local == "numFmtId" {
						id, _ = strconv.Atoi(a.Value)
					}
				}
				out = append(out, isBuiltinDateFormat(id) || custom[id])
			}
		case xml.EndElement:
			if se.Name.Local == "cellXfs" {
				inXfs = false
			}
		}
	}
}

func isBuiltinDateFormat(id int) bool {
	return (id >= 14 && id <= 22) || (id >= 45 && id <= 47)
}

func isDateFormatCode(code string) bool {
	inQuote := false
	for _, r := range strings.ToLower(code) {
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == 'y' || r == 'd':
			return true
		}
	}
	return false
}

type sheetRowReader struct {
	dec       *xml.Decoder
	shared    []string
	dateStyle []bool
	curRow    []string
}

func (r *sheetRowReader) Next() ([]string, bool) {
	inRow := false
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, false
		}
		switch se := tok.(type) {
		case xml.StartElement:
			if se.Name.Local == "row" {
				inRow = true
				r.curRow = nil
			}
			if inRow && se.Name.Local == "c" {
				var ref, typ string
				style := -1
				for _, a := range se.Attr {
					switch a.Name.Local {
					case "r":
						ref = a.Value
					case "t":
						typ = a.Value
					case "s":
						style, _ = strconv.Atoi(a.Value)
					}
				}
				idx := colIndexFromRef(ref)
				if idx < 0 {
					idx = len(r.curRow)
				}
				val := r.readCellValue(typ, style)
				if len(r.curRow) <= idx {
					tmp := make([]string, idx+1)
					copy(tmp, r.curRow)
					r.curRow = tmp
				}
				r.curRow[idx] = val
			}
		case xml.EndElement:
			if se.Name.Local == "row" {
				return r.curRow, true
			}
		}
	}
}

func (r *sheetRowReader) readCellValue(typ string, style int) string {
	var val string
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return val
		}
		switch se := tok.(type) {
		case xml.StartElement:
			if se.Name.Local == "v" || se.Name.Local == "t" {
				var sb strings.Builder
				for {
					tk, er := r.dec.Token()
					if er != nil {
						break
					}
					if ed, ok := tk.(xml.EndElement); ok && (ed.Name.Local == "v" || ed.Name.Local == "t") {
						break
					}
					if ch, ok := tk.(xml.CharData); ok {
						sb.Write(ch)
					}
				}
				val += sb.String()
			}
		case xml.EndElement:
			if se.Name.Local != "c" {
				continue
			}
			switch typ {
			case "s":
				idx, err := strconv.Atoi(val)
				if err == nil && idx >= 0 && idx < len(r.shared) {
					return r.shared[idx]
				}
				return ""
			case "b":
				if val == "1" {
					return "true"
				}
				return "false"
			case "", "n":
				if style >= 0 && style < len(r.dateStyle) && r.dateStyle[style] {
					if serial, err := strconv.ParseFloat(val, 64); err == nil {
						return excelSerialDate(serial)
					}
				}
			}
			return val
		}
	}
}

var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

func excelSerialDate(serial float64) string {
	days := math.Floor(serial)
	frac := serial - days
	t := excelEpoch.AddDate(0, 0, int(days)).Add(time.Duration(frac * float64(24*time.Hour)).Round(time.Second))
	if frac == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02 15:04:05")
}

// colIndexFromRef maps "C12" to 2. It returns -1 for an empty reference.
func colIndexFromRef(ref string) int {
	idx := 0
	n := 0
	for _, c := range strings.ToUpper(ref) {
		if c < 'A' || c > 'Z' {
			break
		}
		idx = idx*26 + int(c-'A'+1)
		n++
	}
	if n == 0 {
		return -1
	}
	return idx - 1
}

// normalizeRelPath turns a workbook relationship target into a zip entry name.
func normalizeRelPath(rel string) string {
	if rel == "" {
		return ""
	}
	if strings.HasPrefix(rel, "/") {
		return strings.TrimPrefix(rel, "/")
	}
	if strings.HasPrefix(rel, "xl/") {
		return rel
	}
	return path.Join("xl", rel)
}
