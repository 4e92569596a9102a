package excel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestReadTable_CSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.csv")
	content := "order_id,quantity,price,paid,created,note\n" +
		"1,3,9.5,true,2024-01-02,first\n" +
		"2,NA,12,false,2024-01-03,\n" +
		"3,-1,7.25,TRUE,not a date\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tbl, err := NewDataReader(path, DefaultReaderConfig()).ReadTable()
	require.NoError(t, err)

	assert.Equal(t, []string{"order_id", "quantity", "price", "paid", "created", "note"}, tbl.Columns())
	assert.Equal(t, 3, tbl.Len())

	tests := []struct {
		row    int
		column string
		want   any
	}{
		{0, "order_id", int64(1)},
		{0, "price", 9.5},
		{0, "paid", true},
		{0, "created", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{0, "note", "first"},
		{1, "quantity", nil},
		{1, "price", int64(12)},
		{1, "note", nil},
		{2, "quantity", int64(-1)},
		{2, "created", "not a date"},
		{2, "note", nil},
	}
	for _, tt := range tests {
		v, ok := tbl.Value(tt.row, tt.column)
		require.True(t, ok, "%d/%s", tt.row, tt.column)
		assert.Equal(t, tt.want, v, "%d/%s", tt.row, tt.column)
	}
}

func TestReadTable_XLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"order_id", "status"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{1, "paid"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{2}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	tbl, err := NewDataReader(path, DefaultReaderConfig()).ReadTable()
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())

	v, _ := tbl.Value(0, "status")
	assert.Equal(t, "paid", v)
	v, _ = tbl.Value(1, "status")
	assert.Nil(t, v)
}

func TestReadData_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewDataReader(filepath.Join(dir, "missing.csv"), DefaultReaderConfig()).ReadData()
	assert.ErrorContains(t, err, "not found")

	dup := filepath.Join(dir, "dup.csv")
	require.NoError(t, os.WriteFile(dup, []byte("a,a\n1,2\n"), 0o644))
	_, err = NewDataReader(dup, DefaultReaderConfig()).ReadData()
	assert.ErrorContains(t, err, "duplicate column")
}
