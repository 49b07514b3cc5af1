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
	"strings"
)

// DataType is the declared type of a column.
type DataType int

const (
	DataTypeUnknown DataType = iota
	DataTypeBool
	DataTypeInt32
	DataTypeInt64
	DataTypeFloat32
	DataTypeFloat64
	DataTypeUtf8
	DataTypeBinary
)

func (dt DataType) String() string {
	switch dt {
	case DataTypeBool:
		return "Boolean"
	case DataTypeInt32:
		return "Int32"
	case DataTypeInt64:
		return "Int64"
	case DataTypeFloat32:
		return "Float32"
	case DataTypeFloat64:
		return "Float64"
	case DataTypeUtf8:
		return "Utf8"
	case DataTypeBinary:
		return "Binary"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether the type is an integer or float type.
func (dt DataType) IsNumeric() bool {
	switch dt {
	case DataTypeInt32, DataTypeInt64, DataTypeFloat32, DataTypeFloat64:
		return true
	}
	return false
}

// ParseDataType maps a pipeline-file type name to a DataType. Unrecognized
// names are treated as Utf8.
func ParseDataType(name string) DataType {
	switch strings.TrimSpace(name) {
	case "Boolean", "bool":
		return DataTypeBool
	case "Int32", "i32":
		return DataTypeInt32
	case "Int64", "i64":
		return DataTypeInt64
	case "Float32", "f32":
		return DataTypeFloat32
	case "Float64", "f64":
		return DataTypeFloat64
	case "Binary", "bytes":
		return DataTypeBinary
	default:
		return DataTypeUtf8
	}
}

// Field describes one column.
type Field struct {
	Name     string
	Type     DataType
	Nullable bool
}

// Schema is an ordered, immutable list of fields.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema builds a schema. Field names must be unique and non-empty.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has no name", i)
		}
		if f.Type == DataTypeUnknown {
			return nil, fmt.Errorf("field %q has no type", f.Name)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		s.fields[i] = f
		s.index[f.Name] = i
	}
	return s, nil
}

// MustSchema is NewSchema for static schemas; it panics on error.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of fields.
func (s *Schema) Len() int { return len(s.fields) }

// Field returns the i'th field.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Fields returns a copy of the fields.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Index returns the position of the named field.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Indexes resolves several names at once.
func (s *Schema) Indexes(names []string) ([]int, error) {
	out := make([]int, len(names))
	for i, n := range names {
		idx, ok := s.index[n]
		if !ok {
			return nil, fmt.Errorf("column %q not found in schema %s", n, s)
		}
		out[i] = idx
	}
	return out, nil
}

// Append returns a new schema with extra fields at the end.
func (s *Schema) Append(fields ...Field) (*Schema, error) {
	all := make([]Field, 0, len(s.fields)+len(fields))
	all = append(all, s.fields...)
	all = append(all, fields...)
	return NewSchema(all...)
}

// Select returns a new schema with the named fields in the given order.
func (s *Schema) Select(names []string) (*Schema, error) {
	idx, err := s.Indexes(names)
	if err != nil {
		return nil, err
	}
	fields := make([]Field, len(idx))
	for i, j := range idx {
		fields[i] = s.fields[j]
	}
	return NewSchema(fields...)
}

func (s *Schema) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range s.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
		sb.WriteByte(':')
		sb.WriteString(f.Type.String())
		if f.Nullable {
			sb.WriteByte('?')
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
