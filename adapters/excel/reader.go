// Package excel loads XLSX and CSV files into in-memory batches.
package excel

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dataexpect/adapters/memory"
	"dataexpect/internal"

	"github.com/xuri/excelize/v2"
)

// DataReader handles reading Excel and CSV files
type DataReader struct {
	filePath string
	fileType string // "xlsx" or "csv"
	config   ReaderConfig
	logger   *internal.Logger
}

// NewDataReader creates a reader; the file type follows the extension.
func NewDataReader(filePath string, config ReaderConfig) *DataReader {
	ext := strings.ToLower(filepath.Ext(filePath))
	fileType := "xlsx"
	if ext == ".csv" {
		fileType = "csv"
	}
	return &DataReader{
		filePath: filePath,
		fileType: fileType,
		config:   config,
		logger:   internal.DefaultLogger.With("DataReader"),
	}
}

// ReadTable reads the file and coerces every cell.
func (r *DataReader) ReadTable() (*memory.Table, error) {
	data, err := r.ReadData()
	if err != nil {
		return nil, err
	}
	nulls := make(map[string]bool, len(r.config.NullTokens))
	for _, tok := range r.config.NullTokens {
		nulls[strings.ToLower(tok)] = true
	}

	rows := make([][]any, len(data.Rows))
	for i, raw := range data.Rows {
		row := make([]any, len(data.Headers))
		for j, cell := range raw {
			row[j] = r.coerce(cell, nulls)
		}
		rows[i] = row
	}
	t, err := memory.NewTable(data.Headers, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to build table from %s: %w", r.filePath, err)
	}
	return t, nil
}

// ReadData reads data from Excel or CSV files as raw strings
func (r *DataReader) ReadData() (*RawData, error) {
	r.logger.Debug("reading %s file: %s", r.fileType, r.filePath)

	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s file not found: %s", strings.ToUpper(r.fileType), r.filePath)
	}

	switch r.fileType {
	case "csv":
		return r.readCSVData()
	case "xlsx":
		return r.readExcelData()
	default:
		return nil, fmt.Errorf("unsupported file type: %s", r.fileType)
	}
}

func (r *DataReader) readExcelData() (*RawData, error) {
	startTime := time.Now()
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheet := r.config.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	r.logger.Debug("sheet %q read in %.2fms (%d rows)", sheet, float64(time.Since(startTime).Nanoseconds())/1e6, len(rows))

	if len(rows) < 1 {
		return nil, fmt.Errorf("sheet %q has no header row", sheet)
	}
	return r.processRows(rows)
}

func (r *DataReader) readCSVData() (*RawData, error) {
	file, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}
	if len(rows) < 1 {
		return nil, fmt.Errorf("CSV file has no header row")
	}
	return r.processRows(rows)
}

// processRows trims headers and pads short rows. excelize drops trailing
// empty cells, so ragged rows are normal.
func (r *DataReader) processRows(rows [][]string) (*RawData, error) {
	headers := make([]string, len(rows[0]))
	seen := make(map[string]bool, len(headers))
	for i, header := range rows[0] {
		h := strings.TrimSpace(header)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		if seen[h] {
			return nil, fmt.Errorf("duplicate column %q", h)
		}
		seen[h] = true
		headers[i] = h
	}

	data := make([][]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		padded := make([]string, len(headers))
		for j := 0; j < len(row) && j < len(headers); j++ {
			padded[j] = strings.TrimSpace(row[j])
		}
		data = append(data, padded)
	}

	r.logger.Info("%s file processed (%d columns, %d rows)", strings.ToUpper(r.fileType), len(headers), len(data))
	return &RawData{Headers: headers, Rows: data}, nil
}

// coerce picks the narrowest type for one cell: null, integer, float,
// boolean, time, then string.
func (r *DataReader) coerce(cell string, nulls map[string]bool) any {
	if nulls[strings.ToLower(cell)] {
		return nil
	}
	if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	switch strings.ToLower(cell) {
	case "true":
		return true
	case "false":
		return false
	}
	if r.config.ParseTimes {
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, cell); err == nil {
				return ts
			}
		}
	}
	return cell
}
