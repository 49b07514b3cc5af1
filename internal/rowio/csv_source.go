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

package rowio

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// CSVSource reads a CSV file with a header row. Columns are matched to the
// schema by name; file columns not in the schema are ignored and schema
// columns missing from the file read as null.
type CSVSource struct {
	path   string
	f      *os.File
	r      *csv.Reader
	schema *pipeline.Schema
	cols   []int // schema position -> file column, -1 when absent
	line   int
}

func OpenCSV(path string, schema *pipeline.Schema) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bufio.NewReaderSize(f, 256<<10))
	r.ReuseRecord = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		_ = f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: missing header row", path)
		}
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	byName := make(map[string]int, len(header))
	for i, h := range header {
		byName[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}

	s := &CSVSource{path: path, f: f, r: r, schema: schema, line: 1}
	s.cols = make([]int, schema.Len())
	for i := range s.cols {
		field := schema.Field(i)
		j, ok := byName[field.Name]
		if !ok {
			if !field.Nullable {
				_ = f.Close()
				return nil, fmt.Errorf("%s: non-nullable column %q not in header", path, field.Name)
			}
			j = -1
		}
		s.cols[i] = j
	}
	return s, nil
}

func (s *CSVSource) Schema() *pipeline.Schema { return s.schema }

// Read returns up to max rows, or io.EOF once the file is exhausted.
func (s *CSVSource) Read(ctx context.Context, max int) ([]pipeline.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := make([]pipeline.Row, 0, max)
	for len(rows) < max {
		rec, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		s.line++
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.path, err)
		}
		row := make(pipeline.Row, len(s.cols))
		for i, j := range s.cols {
			if j < 0 || j >= len(rec) {
				continue
			}
			field := s.schema.Field(i)
			v, err := pipeline.ParseValue(field.Type, rec[j])
			if err != nil {
				return nil, fmt.Errorf("%s:%d: column %s: %w", s.path, s.line, field.Name, err)
			}
			row[i] = v
		}
		if err := pipeline.CheckRow(s.schema, row); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", s.path, s.line, err)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

func (s *CSVSource) Close() error { return s.f.Close() }
