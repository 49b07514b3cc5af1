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
	"fmt"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	out    *stagedFile
	schema *pipeline.Schema
	buf    []byte
	rows   int64
}

func CreateJSONL(path string, schema *pipeline.Schema) (*JSONLSink, error) {
	out, err := createStaged(path)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{out: out, schema: schema}, nil
}

func (s *JSONLSink) Write(ctx context.Context, b *pipeline.RowBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, row := range b.Rows() {
		s.buf = pipeline.AppendJSON(s.buf[:0], s.schema, row)
		s.buf = append(s.buf, '\n')
		if _, err := s.out.Write(s.buf); err != nil {
			return fmt.Errorf("write jsonl: %w", err)
		}
	}
	s.rows += int64(b.Len())
	return nil
}

func (s *JSONLSink) Rows() int64 { return s.rows }

func (s *JSONLSink) Commit(_ context.Context) error { return s.out.commit() }

func (s *JSONLSink) Abort(_ context.Context) error { return s.out.abort() }
