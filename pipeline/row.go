// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package pipeline

import (
	"fmt"
)

// Row is a positional row. Element i holds a value of the Go type matching
// field i of the schema (bool, int32, int64, float32, float64, string,
// []byte) or nil for null.
type Row []any

// Size model constants. They describe a fixed, deterministic estimate of a
// row's heap footprint so that accounting never depends on allocator state.
const (
	RowOverhead   = 24 // slice header
	ValueOverhead = 16 // interface header
)

// ValueSize returns the payload bytes charged for one value.
func ValueSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int32, float32:
		return 4
	case int64, float64:
		return 8
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	default:
		return 8
	}
}

// FixedValueSize is the payload charged for a value of a fixed-width type,
// and -1 for variable-width types.
func FixedValueSize(dt DataType) int64 {
	switch dt {
	case DataTypeBool:
		return 1
	case DataTypeInt32, DataTypeFloat32:
		return 4
	case DataTypeInt64, DataTypeFloat64:
		return 8
	default:
		return -1
	}
}

// RowSize returns the accounted size of a row.
func RowSize(row Row) int64 {
	n := int64(RowOverhead)
	for _, v := range row {
		n += ValueOverhead + ValueSize(v)
	}
	return n
}

// RowsSize sums RowSize over rows.
func RowsSize(rows []Row) int64 {
	var n int64
	for _, r := range rows {
		n += RowSize(r)
	}
	return n
}

// CheckValue verifies that v is acceptable for the given field.
func CheckValue(f Field, v any) error {
	if v == nil {
		if !f.Nullable {
			return fmt.Errorf("column %q is not nullable", f.Name)
		}
		return nil
	}
	ok := false
	switch f.Type {
	case DataTypeBool:
		_, ok = v.(bool)
	case DataTypeInt32:
		_, ok = v.(int32)
	case DataTypeInt64:
		_, ok = v.(int64)
	case DataTypeFloat32:
		_, ok = v.(float32)
	case DataTypeFloat64:
		_, ok = v.(float64)
	case DataTypeUtf8:
		_, ok = v.(string)
	case DataTypeBinary:
		_, ok = v.([]byte)
	}
	if !ok {
		return fmt.Errorf("column %q expects %s, got %T", f.Name, f.Type, v)
	}
	return nil
}

// CheckRow verifies a row against a schema.
func CheckRow(s *Schema, row Row) error {
	if len(row) != s.Len() {
		return fmt.Errorf("row has %d values, schema has %d fields", len(row), s.Len())
	}
	for i, v := range row {
		if err := CheckValue(s.fields[i], v); err != nil {
			return err
		}
	}
	return nil
}
