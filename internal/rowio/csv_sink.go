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
	"context"
	"encoding/base64"
	"encoding/csv"
	"fmt"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// CSVSink writes a header row and then one record per row. Nulls are
// empty cells and Binary is base64.
type CSVSink struct {
	out    *stagedFile
	w      *csv.Writer
	schema *pipeline.Schema
	rec    []string
	rows   int64
}

func CreateCSV(path string, schema *pipeline.Schema) (*CSVSink, error) {
	out, err := createStaged(path)
	if err != nil {
		return nil, err
	}
	s := &CSVSink{out: out, w: csv.NewWriter(out), schema: schema, rec: make([]string, schema.Len())}
	for i := range s.rec {
		s.rec[i] = schema.Field(i).Name
	}
	if err := s.w.Write(s.rec); err != nil {
		_ = out.abort()
		return nil, err
	}
	return s, nil
}

func (s *CSVSink) Write(ctx context.Context, b *pipeline.RowBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, row := range b.Rows() {
		for i, v := range row {
			if bs, ok := v.([]byte); ok {
				s.rec[i] = base64.StdEncoding.EncodeToString(bs)
				continue
			}
			s.rec[i] = pipeline.FormatValue(v)
		}
		if err := s.w.Write(s.rec); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	s.rows += int64(b.Len())
	return nil
}

func (s *CSVSink) Rows() int64 { return s.rows }

func (s *CSVSink) Commit(_ context.Context) error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		_ = s.out.abort()
		return err
	}
	return s.out.commit()
}

func (s *CSVSink) Abort(_ context.Context) error { return s.out.abort() }
