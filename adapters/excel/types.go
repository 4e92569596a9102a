package excel

// RawData is a sheet or CSV file before cell coercion.
type RawData struct {
	Headers []string   // Column headers
	Rows    [][]string // Data rows, padded to len(Headers)
}
