package importer

// csv.go holds the byte- and cell-level helpers shared by the validator and
// the orchestrator: UTF-8 sanitation, BOM stripping, parsing, header
// location, and cell cleaning for Excel artifacts.

import (
	"bytes"
	"encoding/csv"
	"strings"
	"unicode/utf8"
)

// maxHeaderSearchRows bounds how far into the file the header row may sit.
// Vendor exports sometimes prepend title or report-date lines.
const maxHeaderSearchRows = 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// sanitizeUTF8 replaces invalid UTF-8 sequences with U+FFFD. Valid input is
// returned unchanged without copying.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('�')
			data = data[1:]
		} else {
			buf.WriteRune(r)
			data = data[size:]
		}
	}
	return buf.Bytes()
}

// parseRecords parses CSV bytes after BOM removal and UTF-8 sanitation.
// Ragged rows are tolerated here; column-count problems are reported per row
// later, not as parse failures.
func parseRecords(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	data = sanitizeUTF8(data)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.ReadAll()
}

// cleanCell trims whitespace and unwraps the Excel formula guard ="value".
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

// cleanHeader normalizes a header cell for matching: cleaned, lowercased,
// with interior whitespace collapsed to single underscores.
func cleanHeader(s string) string {
	s = strings.ToLower(cleanCell(s))
	s = strings.TrimPrefix(s, "\uFEFF")
	return strings.Join(strings.Fields(s), "_")
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// findHeaderRow returns the index of the first row that looks like a header:
// non-empty with more than one populated cell, or the first non-empty row if
// nothing better appears in the search window. Returns -1 when the file has
// no usable rows.
func findHeaderRow(records [][]string) int {
	limit := len(records)
	if limit > maxHeaderSearchRows {
		limit = maxHeaderSearchRows
	}

	first := -1
	for i := 0; i < limit; i++ {
		if isEmptyRow(records[i]) {
			continue
		}
		if first == -1 {
			first = i
		}
		populated := 0
		for _, c := range records[i] {
			if strings.TrimSpace(c) != "" {
				populated++
			}
		}
		if populated > 1 {
			return i
		}
	}
	return first
}

// FileHeader parses the file just far enough to return its header row. Used
// by preset matching, which needs headers but no job state.
func FileHeader(data []byte) ([]string, error) {
	records, err := parseRecords(data)
	if err != nil {
		return nil, &FileFormatError{Reason: err.Error()}
	}
	idx := findHeaderRow(records)
	if idx < 0 {
		return nil, &FileFormatError{Reason: "no rows found"}
	}
	return records[idx], nil
}

// sourceRow is one data row with its original 1-based line number preserved
// for diagnostics.
type sourceRow struct {
	Line  int
	Cells []string
}

// dataRows returns the non-empty rows following the header, keeping source
// line numbers (header line + offset, 1-based).
func dataRows(records [][]string, headerIdx int) []sourceRow {
	var rows []sourceRow
	for i, row := range records[headerIdx+1:] {
		if isEmptyRow(row) {
			continue
		}
		rows = append(rows, sourceRow{Line: headerIdx + i + 2, Cells: row})
	}
	return rows
}

// rowValues projects a row through the column mapping, producing canonical
// field name -> cleaned cell value. Columns without a mapped field are
// dropped; positions past the row's end read as empty.
func rowValues(row []string, mapping []DetectedColumn) map[string]string {
	values := make(map[string]string, len(mapping))
	for i, m := range mapping {
		if m.Field == "" {
			continue
		}
		if i < len(row) {
			values[m.Field] = cleanCell(row[i])
		} else {
			values[m.Field] = ""
		}
	}
	return values
}
