package excel

// ReaderConfig controls how cells become typed values.
type ReaderConfig struct {
	// Sheet is the worksheet to read; empty means the first sheet.
	Sheet string `json:"sheet"`
	// NullTokens are cell texts read as null, compared case-insensitively.
	NullTokens []string `json:"null_tokens"`
	// ParseTimes turns RFC 3339 and date-only cells into time.Time.
	ParseTimes bool `json:"parse_times"`
}

// DefaultReaderConfig reads the first sheet and treats empty, NA and NULL
// cells as null.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		NullTokens: []string{"", "na", "n/a", "null", "nan"},
		ParseTimes: true,
	}
}
