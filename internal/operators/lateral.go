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
	"strings"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// LateralExplode emits one row per element of a delimited Utf8 column,
// with the trimmed element appended as Alias. Null and empty values, and
// empty elements, produce no rows.
type LateralExplode struct {
	Column    string
	Alias     string
	Delimiter string

	bound schemaCache[explodePlan]
}

type explodePlan struct {
	out *pipeline.Schema
	col int
}

var _ Operator = (*LateralExplode)(nil)

func NewLateralExplode(column, alias, delimiter string) (*LateralExplode, error) {
	if column == "" || alias == "" {
		return nil, fmt.Errorf("lateral needs a column and an alias")
	}
	if delimiter == "" {
		delimiter = ","
	}
	return &LateralExplode{Column: column, Alias: alias, Delimiter: delimiter}, nil
}

func (l *LateralExplode) Name() string { return "lateral" }

func (l *LateralExplode) OutputSchema(in *pipeline.Schema) (*pipeline.Schema, error) {
	p, err := l.bind(in)
	if err != nil {
		return nil, err
	}
	return p.out, nil
}

func (l *LateralExplode) bind(in *pipeline.Schema) (explodePlan, error) {
	j, ok := in.Index(l.Column)
	if !ok {
		return explodePlan{}, fmt.Errorf("lateral: column %q not found in schema %s", l.Column, in)
	}
	if dt := in.Field(j).Type; dt != pipeline.DataTypeUtf8 {
		return explodePlan{}, fmt.Errorf("lateral: column %q is %s, want Utf8", l.Column, dt)
	}
	out, err := in.Append(pipeline.Field{Name: l.Alias, Type: pipeline.DataTypeUtf8})
	if err != nil {
		return explodePlan{}, fmt.Errorf("lateral: %w", err)
	}
	return explodePlan{out: out, col: j}, nil
}

func (l *LateralExplode) Run(ctx context.Context, env Env, in <-chan *pipeline.RowBatch, out chan<- *pipeline.RowBatch) error {
	return runStreaming(ctx, env, l.Name(), in, out, func(b *pipeline.RowBatch) (*pipeline.Schema, []pipeline.Row, error) {
		p, err := l.bound.get(b.Schema(), l.bind)
		if err != nil {
			return nil, nil, err
		}
		var rows []pipeline.Row
		for _, row := range b.Rows() {
			s, _ := row[p.col].(string)
			if s == "" {
				continue
			}
			for elem := range strings.SplitSeq(s, l.Delimiter) {
				elem = strings.TrimSpace(elem)
				if elem == "" {
					continue
				}
				r := make(pipeline.Row, len(row), len(row)+1)
				copy(r, row)
				rows = append(rows, append(r, elem))
			}
		}
		return p.out, rows, nil
	})
}
