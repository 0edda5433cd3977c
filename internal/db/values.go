package db

import (
	"strings"

	"github.com/katasec/dstream-ingester-capture/internal/schema"
)

var binaryTypes = []string{"BINARY", "VARBINARY", "BLOB", "IMAGE", "BIT", "GEOMETRY", "POINT", "POLYGON", "LINESTRING"}

// IsBinaryType reports whether a column type holds raw bytes rather than text
func IsBinaryType(colType string) bool {
	t := strings.ToUpper(colType)
	for _, b := range binaryTypes {
		if strings.Contains(t, b) {
			return true
		}
	}
	return false
}

// NormalizeValue converts driver values for emission. Byte slices of non-binary
// columns become strings; binary columns keep their bytes, copied out of the driver's buffer.
func NormalizeValue(colType string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if IsBinaryType(colType) {
		return append([]byte(nil), b...)
	}
	return string(b)
}

// NormalizeRow normalizes a positional row in place against the table's column types
func NormalizeRow(ts *schema.TableSchema, row []any) []any {
	for i := range row {
		if i < len(ts.Columns) {
			row[i] = NormalizeValue(ts.Columns[i].Type, row[i])
		}
	}
	return row
}
