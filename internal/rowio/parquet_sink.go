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
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// parquetNode maps a column to a parquet node. Every column is written as
// optional; nullability is enforced upstream.
func parquetNode(f pipeline.Field) (parquet.Node, error) {
	dict := func(n parquet.Node) parquet.Node {
		return parquet.Encoded(n, &parquet.RLEDictionary)
	}
	switch f.Type {
	case pipeline.DataTypeBool:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType)), nil
	case pipeline.DataTypeInt32:
		return parquet.Optional(parquet.Int(32)), nil
	case pipeline.DataTypeInt64:
		return parquet.Optional(parquet.Int(64)), nil
	case pipeline.DataTypeFloat32:
		return parquet.Optional(parquet.Leaf(parquet.FloatType)), nil
	case pipeline.DataTypeFloat64:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType)), nil
	case pipeline.DataTypeUtf8:
		return parquet.Optional(dict(parquet.String())), nil
	case pipeline.DataTypeBinary:
		return parquet.Optional(parquet.Leaf(parquet.ByteArrayType)), nil
	default:
		return nil, fmt.Errorf("column %s: unsupported type %s", f.Name, f.Type)
	}
}

func parquetSchema(schema *pipeline.Schema) (*parquet.Schema, error) {
	group := make(parquet.Group, schema.Len())
	for _, f := range schema.Fields() {
		node, err := parquetNode(f)
		if err != nil {
			return nil, err
		}
		group[f.Name] = node
	}
	return parquet.NewSchema("emsqrt", group), nil
}

func writerOptions(tmpdir string, schema *parquet.Schema) []parquet.WriterOption {
	return []parquet.WriterOption{
		schema,
		parquet.Compression(&parquet.Zstd),
		parquet.PageBufferSize(32 * 1024),
		parquet.MaxRowsPerRowGroup(80_000),
		parquet.ColumnPageBuffers(
			parquet.NewFileBufferPool(tmpdir, "buffers.*"),
		),
	}
}

// ParquetSink writes a zstd-compressed parquet file. Column pages are
// buffered in temp files rather than in memory.
// Columns appear in name order in the file.
type ParquetSink struct {
	out    *stagedFile
	pw     *parquet.GenericWriter[map[string]any]
	schema *pipeline.Schema
	recs   []map[string]any
	rows   int64
}

func CreateParquet(path string, schema *pipeline.Schema) (*ParquetSink, error) {
	ps, err := parquetSchema(schema)
	if err != nil {
		return nil, err
	}
	wc, err := parquet.NewWriterConfig(writerOptions(os.TempDir(), ps)...)
	if err != nil {
		return nil, fmt.Errorf("parquet writer config: %w", err)
	}
	out, err := createStaged(path)
	if err != nil {
		return nil, err
	}
	return &ParquetSink{
		out:    out,
		pw:     parquet.NewGenericWriter[map[string]any](out, wc),
		schema: schema,
	}, nil
}

func (s *ParquetSink) Write(ctx context.Context, b *pipeline.RowBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.recs = s.recs[:0]
	for _, row := range b.Rows() {
		rec := make(map[string]any, len(row))
		for i, v := range row {
			if v != nil {
				rec[s.schema.Field(i).Name] = v
			}
		}
		s.recs = append(s.recs, rec)
	}
	if _, err := s.pw.Write(s.recs); err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	clear(s.recs)
	s.rows += int64(b.Len())
	return nil
}

func (s *ParquetSink) Rows() int64 { return s.rows }

func (s *ParquetSink) Commit(_ context.Context) error {
	if err := s.pw.Close(); err != nil {
		_ = s.out.abort()
		return fmt.Errorf("close parquet: %w", err)
	}
	return s.out.commit()
}

func (s *ParquetSink) Abort(_ context.Context) error {
	if s.out.done {
		return nil
	}
	_ = s.pw.Close()
	return s.out.abort()
}
