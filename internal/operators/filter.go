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
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// CompareOp is a filter comparison.
type CompareOp string

const (
	OpEq CompareOp = "=="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

func (op CompareOp) match(c int) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

// Filter keeps rows where `Column Op Literal` holds. Null never matches.
type Filter struct {
	Column  string
	Op      CompareOp
	Literal string

	bound schemaCache[filterPred]
}

type filterPred struct {
	col int
	val any
}

var _ Operator = (*Filter)(nil)

// ParseFilter parses an expression such as `id > 10` or `name == "bob"`.
func ParseFilter(expr string) (*Filter, error) {
	for i := 0; i < len(expr); i++ {
		var op CompareOp
		switch {
		case strings.HasPrefix(expr[i:], "=="), strings.HasPrefix(expr[i:], "!="),
			strings.HasPrefix(expr[i:], "<="), strings.HasPrefix(expr[i:], ">="):
			op = CompareOp(expr[i : i+2])
		case expr[i] == '<' || expr[i] == '>':
			op = CompareOp(expr[i : i+1])
		default:
			continue
		}
		col := strings.TrimSpace(expr[:i])
		lit, err := unquote(strings.TrimSpace(expr[i+len(op):]))
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", expr, err)
		}
		if col == "" {
			return nil, fmt.Errorf("filter %q: missing column", expr)
		}
		return &Filter{Column: col, Op: op, Literal: lit}, nil
	}
	return nil, fmt.Errorf("filter %q: expected `column op literal` with op one of == != < <= > >=", expr)
}

func unquote(s string) (string, error) {
	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"':
			return strconv.Unquote(s)
		case s[0] == '\'' && s[len(s)-1] == '\'':
			return s[1 : len(s)-1], nil
		}
	}
	return s, nil
}

func (f *Filter) Name() string { return "filter" }

func (f *Filter) String() string {
	return fmt.Sprintf("%s %s %q", f.Column, f.Op, f.Literal)
}

func (f *Filter) OutputSchema(in *pipeline.Schema) (*pipeline.Schema, error) {
	if _, err := f.bind(in); err != nil {
		return nil, err
	}
	return in, nil
}

func (f *Filter) bind(in *pipeline.Schema) (filterPred, error) {
	j, ok := in.Index(f.Column)
	if !ok {
		return filterPred{}, fmt.Errorf("filter: column %q not found in schema %s", f.Column, in)
	}
	dt := in.Field(j).Type
	v, err := pipeline.ParseValue(dt, f.Literal)
	if err != nil {
		return filterPred{}, fmt.Errorf("filter: literal for %s: %w", f.Column, err)
	}
	if v == nil {
		return filterPred{}, fmt.Errorf("filter: empty literal for %s column %s", dt, f.Column)
	}
	return filterPred{col: j, val: v}, nil
}

func (f *Filter) Run(ctx context.Context, env Env, in <-chan *pipeline.RowBatch, out chan<- *pipeline.RowBatch) error {
	return runStreaming(ctx, env, f.Name(), in, out, func(b *pipeline.RowBatch) (*pipeline.Schema, []pipeline.Row, error) {
		pred, err := f.bound.get(b.Schema(), f.bind)
		if err != nil {
			return nil, nil, err
		}
		var rows []pipeline.Row
		for _, row := range b.Rows() {
			v := row[pred.col]
			if v != nil && f.Op.match(pipeline.Compare(v, pred.val)) {
				rows = append(rows, row)
			}
		}
		return b.Schema(), rows, nil
	})
}
