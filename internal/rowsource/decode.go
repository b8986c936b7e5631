package rowsource

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/clientbook/internal/model"
)

// ErrEmptySheet is returned when a file has no data rows.
var ErrEmptySheet = &UploadError{Reason: "spreadsheet is empty"}

// Decode reads the first sheet of data. The first row is the header; every
// later row becomes a RawRow keyed by header. Blank cells are "", date cells
// are time.Time, other numeric cells are float64 and fully blank rows are
// dropped.
func Decode(fileName string, data []byte) ([]model.RawRow, error) {
	format, err := DetectFormat(fileName)
	if err != nil {
		return nil, err
	}

	var grid [][]any
	switch format {
	case FormatXLSX:
		grid, err = readXLSX(data)
	case FormatCSV:
		grid, err = readCSV(data)
	}
	if err != nil {
		return nil, err
	}
	return toRows(grid)
}

func readXLSX(data []byte) ([][]any, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, uploadErrorf("failed to read workbook; make sure it is a valid .xlsx file")
	}
	if len(f.Sheets) == 0 {
		return nil, uploadErrorf("workbook has no sheets")
	}

	sheet := f.Sheets[0]
	grid := make([][]any, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			grid = append(grid, nil)
			continue
		}
		cells := make([]any, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cellValue(cell, f.Date1904)
		}
		grid = append(grid, cells)
	}
	return grid, nil
}

func cellValue(cell *xlsx.Cell, date1904 bool) any {
	if cell == nil {
		return ""
	}
	if cell.IsTime() {
		if t, err := cell.GetTime(date1904); err == nil {
			return t
		}
	}
	// Formatted text of large numbers is scientific notation, which would
	// mangle phone numbers stored as numbers.
	if cell.Type() == xlsx.CellTypeNumeric {
		if f, err := cell.Float(); err == nil {
			return f
		}
	}
	return strings.TrimSpace(cell.String())
}

func readCSV(data []byte) ([][]any, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var grid [][]any
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, uploadErrorf("failed to read CSV: %v", err)
		}
		cells := make([]any, len(record))
		for i, field := range record {
			cells[i] = strings.TrimSpace(field)
		}
		grid = append(grid, cells)
	}
	return grid, nil
}

func toRows(grid [][]any) ([]model.RawRow, error) {
	// Leading blank rows come before the header.
	for len(grid) > 0 && blank(grid[0]) {
		grid = grid[1:]
	}
	if len(grid) == 0 {
		return nil, ErrEmptySheet
	}

	header := make([]string, len(grid[0]))
	for i, h := range grid[0] {
		header[i] = headerText(h)
	}

	var rows []model.RawRow
	for _, cells := range grid[1:] {
		if blank(cells) {
			continue
		}
		r := make(model.RawRow, len(header))
		for i, h := range header {
			if h == "" {
				continue
			}
			if _, dup := r[h]; dup {
				// First column wins for repeated headers.
				continue
			}
			var v any = ""
			if i < len(cells) && cells[i] != nil {
				v = cells[i]
			}
			r[h] = v
		}
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return nil, ErrEmptySheet
	}
	return rows, nil
}

func headerText(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func blank(cells []any) bool {
	for _, c := range cells {
		switch x := c.(type) {
		case nil:
		case string:
			if strings.TrimSpace(x) != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}
