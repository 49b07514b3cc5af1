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
	"slices"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// Project keeps the named columns, in the given order.
type Project struct {
	Columns []string

	bound schemaCache[projection]
}

type projection struct {
	out *pipeline.Schema
	idx []int
}

var _ Operator = (*Project)(nil)

func NewProject(columns []string) (*Project, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("project needs at least one column")
	}
	return &Project{Columns: slices.Clone(columns)}, nil
}

func (p *Project) Name() string { return "project" }

func (p *Project) OutputSchema(in *pipeline.Schema) (*pipeline.Schema, error) {
	pr, err := p.bind(in)
	if err != nil {
		return nil, err
	}
	return pr.out, nil
}

func (p *Project) bind(in *pipeline.Schema) (projection, error) {
	idx, err := in.Indexes(p.Columns)
	if err != nil {
		return projection{}, fmt.Errorf("project: %w", err)
	}
	out, err := in.Select(p.Columns)
	if err != nil {
		return projection{}, fmt.Errorf("project: %w", err)
	}
	return projection{out: out, idx: idx}, nil
}

func (p *Project) Run(ctx context.Context, env Env, in <-chan *pipeline.RowBatch, out chan<- *pipeline.RowBatch) error {
	return runStreaming(ctx, env, p.Name(), in, out, func(b *pipeline.RowBatch) (*pipeline.Schema, []pipeline.Row, error) {
		pr, err := p.bound.get(b.Schema(), p.bind)
		if err != nil {
			return nil, nil, err
		}
		rows := make([]pipeline.Row, b.Len())
		for i, row := range b.Rows() {
			r := make(pipeline.Row, len(pr.idx))
			for k, j := range pr.idx {
				r[k] = row[j]
			}
			rows[i] = r
		}
		return pr.out, rows, nil
	})
}
