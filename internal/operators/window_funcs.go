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

package operators

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// ErrArithmeticOverflow is wrapped by every *OverflowError.
var ErrArithmeticOverflow = errors.New("arithmetic overflow")

// OverflowError reports a window aggregate that left the range of its
// accumulator type.
type OverflowError struct {
	Function  string
	Column    string
	Type      pipeline.DataType
	Partition string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("arithmetic overflow: %s(%s) exceeded %s range in partition %s",
		e.Function, e.Column, e.Type, e.Partition)
}

func (e *OverflowError) Unwrap() error { return ErrArithmeticOverflow }

// FuncKind is a window function.
type FuncKind int

const (
	FuncRowNumber FuncKind = iota + 1
	FuncRank
	FuncDenseRank
	FuncCount
	FuncSum
	FuncMin
	FuncMax
)

var funcNames = map[FuncKind]string{
	FuncRowNumber: "row_number",
	FuncRank:      "rank",
	FuncDenseRank: "dense_rank",
	FuncCount:     "count",
	FuncSum:       "sum",
	FuncMin:       "min",
	FuncMax:       "max",
}

func (k FuncKind) String() string {
	if name, ok := funcNames[k]; ok {
		return name
	}
	return fmt.Sprintf("func(%d)", int(k))
}

// ParseFuncKind maps a function name to its kind. Unknown names are an
// error.
func ParseFuncKind(name string) (FuncKind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for k, v := range funcNames {
		if v == n {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown window function %q", name)
}

// needsColumn reports whether the function reads a column value.
func (k FuncKind) needsColumn() bool {
	return k == FuncSum || k == FuncMin || k == FuncMax
}

// WindowFunc is one computed output column.
type WindowFunc struct {
	Alias  string
	Kind   FuncKind
	Column string
}

type boundFunc struct {
	WindowFunc
	col int // -1 when the function reads no column
	dt  pipeline.DataType
}

func (f boundFunc) outputField() pipeline.Field {
	switch f.Kind {
	case FuncRowNumber, FuncRank, FuncDenseRank, FuncCount:
		return pipeline.Field{Name: f.Alias, Type: pipeline.DataTypeInt64}
	default:
		return pipeline.Field{Name: f.Alias, Type: f.dt, Nullable: true}
	}
}

// evaluator computes running window values over one partition, one row at
// a time, in partition order.
type evaluator struct {
	plan      *windowPlan
	partition string
	n         int64
	rank      int64
	dense     int64
	prev      pipeline.Row
	counts    []int64
	vals      []any
}

func newEvaluator(plan *windowPlan, partition string) *evaluator {
	return &evaluator{
		plan:      plan,
		partition: partition,
		counts:    make([]int64, len(plan.funcs)),
		vals:      make([]any, len(plan.funcs)),
	}
}

// next returns row extended with the function values.
func (e *evaluator) next(row pipeline.Row) (pipeline.Row, error) {
	e.n++
	if e.prev == nil || e.plan.peers.compare(e.prev, row) != 0 {
		e.rank = e.n
		e.dense++
	}
	e.prev = row

	out := make(pipeline.Row, len(row), len(row)+len(e.plan.funcs))
	copy(out, row)
	for i, f := range e.plan.funcs {
		switch f.Kind {
		case FuncRowNumber:
			out = append(out, e.n)
		case FuncRank:
			out = append(out, e.rank)
		case FuncDenseRank:
			out = append(out, e.dense)
		case FuncCount:
			if f.col < 0 || row[f.col] != nil {
				e.counts[i]++
			}
			out = append(out, e.counts[i])
		case FuncSum:
			if v := row[f.col]; v != nil {
				sum, ok := addChecked(e.vals[i], v)
				if !ok {
					return nil, &OverflowError{Function: f.Kind.String(), Column: f.Column, Type: f.dt, Partition: e.partition}
				}
				e.vals[i] = sum
			}
			out = append(out, e.vals[i])
		case FuncMin, FuncMax:
			if v := row[f.col]; v != nil {
				c := pipeline.Compare(v, e.vals[i])
				if e.vals[i] == nil || (f.Kind == FuncMin && c < 0) || (f.Kind == FuncMax && c > 0) {
					e.vals[i] = v
				}
			}
			out = append(out, e.vals[i])
		}
	}
	return out, nil
}

// addChecked adds v to acc in v's own width. A nil acc starts the sum. It
// reports false on integer overflow or when finite floats sum to infinity.
func addChecked(acc, v any) (any, bool) {
	switch x := v.(type) {
	case int32:
		if acc == nil {
			return x, true
		}
		a := acc.(int32)
		s := a + x
		if (x > 0 && s < a) || (x < 0 && s > a) {
			return nil, false
		}
		return s, true
	case int64:
		if acc == nil {
			return x, true
		}
		a := acc.(int64)
		s := a + x
		if (x > 0 && s < a) || (x < 0 && s > a) {
			return nil, false
		}
		return s, true
	case float32:
		if acc == nil {
			return x, true
		}
		a := acc.(float32)
		s := a + x
		if math.IsInf(float64(s), 0) && !math.IsInf(float64(a), 0) && !math.IsInf(float64(x), 0) {
			return nil, false
		}
		return s, true
	case float64:
		if acc == nil {
			return x, true
		}
		a := acc.(float64)
		s := a + x
		if math.IsInf(s, 0) && !math.IsInf(a, 0) && !math.IsInf(x, 0) {
			return nil, false
		}
		return s, true
	default:
		return nil, false
	}
}
