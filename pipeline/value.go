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
	"bytes"
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Compare orders two values of the same column. Null sorts before every
// value; NaN sorts after every number. Values of mismatched types compare by
// type rank so that ordering stays total.
func Compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case int32:
		if y, ok := b.(int32); ok {
			return cmp.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return compareFloat(x, y)
		}
	case float32:
		if y, ok := b.(float32); ok {
			return compareFloat(float64(x), float64(y))
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	return cmp.Compare(typeRank(a), typeRank(b))
}

func compareFloat(x, y float64) int {
	xn, yn := math.IsNaN(x), math.IsNaN(y)
	switch {
	case xn && yn:
		return 0
	case xn:
		return 1
	case yn:
		return -1
	}
	return cmp.Compare(x, y)
}

func typeRank(v any) int {
	switch v.(type) {
	case bool:
		return 1
	case int32:
		return 2
	case int64:
		return 3
	case float32:
		return 4
	case float64:
		return 5
	case string:
		return 6
	case []byte:
		return 7
	default:
		return 8
	}
}

// Equal reports whether two values compare equal.
func Equal(a, b any) bool {
	return Compare(a, b) == 0
}

// ParseValue converts text into a value of the given type. The empty string
// parses as null for every type but Utf8.
func ParseValue(dt DataType, s string) (any, error) {
	if s == "" && dt != DataTypeUtf8 {
		return nil, nil
	}
	switch dt {
	case DataTypeBool:
		v, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s", s, dt)
		}
		return v, nil
	case DataTypeInt32:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s", s, dt)
		}
		return int32(v), nil
	case DataTypeInt64:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s", s, dt)
		}
		return v, nil
	case DataTypeFloat32:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s", s, dt)
		}
		return float32(v), nil
	case DataTypeFloat64:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s", s, dt)
		}
		return v, nil
	case DataTypeBinary:
		return []byte(s), nil
	default:
		return s, nil
	}
}

// FormatValue renders a value as text, the inverse of ParseValue.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
