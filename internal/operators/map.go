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

// Rename gives column From the name To.
type Rename struct {
	From string
	To   string
}

// Map renames columns. Values and column order are unchanged.
type Map struct {
	Renames []Rename

	bound schemaCache[*pipeline.Schema]
}

var _ Operator = (*Map)(nil)

// ParseMap parses a list like "a AS x, b AS y". A clause without AS keeps
// the column as it is.
func ParseMap(expr string) (*Map, error) {
	var renames []Rename
	for clause := range strings.SplitSeq(expr, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return nil, fmt.Errorf("map: empty clause in %q", expr)
		}
		fields := strings.Fields(clause)
		switch {
		case len(fields) == 1:
			continue
		case len(fields) == 3 && strings.EqualFold(fields[1], "as"):
			renames = append(renames, Rename{From: fields[0], To: fields[2]})
		default:
			return nil, fmt.Errorf("map: invalid clause %q, want \"column AS alias\"", clause)
		}
	}
	return NewMap(renames)
}

func NewMap(renames []Rename) (*Map, error) {
	seen := make(map[string]bool, len(renames))
	for _, r := range renames {
		if r.From == "" || r.To == "" {
			return nil, fmt.Errorf("map: rename needs a column and an alias")
		}
		if seen[r.From] {
			return nil, fmt.Errorf("map: column %q renamed twice", r.From)
		}
		seen[r.From] = true
	}
	return &Map{Renames: renames}, nil
}

func (m *Map) Name() string { return "map" }

func (m *Map) String() string {
	parts := make([]string, len(m.Renames))
	for i, r := range m.Renames {
		parts[i] = r.From + " AS " + r.To
	}
	return strings.Join(parts, ", ")
}

func (m *Map) OutputSchema(in *pipeline.Schema) (*pipeline.Schema, error) {
	return m.bind(in)
}

func (m *Map) bind(in *pipeline.Schema) (*pipeline.Schema, error) {
	fields := in.Fields()
	for _, r := range m.Renames {
		i, ok := in.Index(r.From)
		if !ok {
			return nil, fmt.Errorf("map: unknown column %q", r.From)
		}
		fields[i].Name = r.To
	}
	out, err := pipeline.NewSchema(fields...)
	if err != nil {
		return nil, fmt.Errorf("map: %w", err)
	}
	return out, nil
}

func (m *Map) Run(ctx context.Context, env Env, in <-chan *pipeline.RowBatch, out chan<- *pipeline.RowBatch) error {
	return runStreaming(ctx, env, m.Name(), in, out, func(b *pipeline.RowBatch) (*pipeline.Schema, []pipeline.Row, error) {
		schema, err := m.bound.get(b.Schema(), m.bind)
		if err != nil {
			return nil, nil, err
		}
		return schema, b.Rows(), nil
	})
}
