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
	"log/slog"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// mapFunc turns one input batch into output rows for schema out.
type mapFunc func(b *pipeline.RowBatch) (out *pipeline.Schema, rows []pipeline.Row, err error)

// runStreaming drives a stateless operator. Each input batch is released
// once its output rows are built, before the output is admitted.
func runStreaming(ctx context.Context, env Env, name string, in <-chan *pipeline.RowBatch, out chan<- *pipeline.RowBatch, fn mapFunc) error {
	var rowsIn, rowsOut int64
	defer func() {
		env.logger().Debug("Operator finished",
			slog.String("operator", name),
			slog.Int64("rowsIn", rowsIn),
			slog.Int64("rowsOut", rowsOut))
	}()

	bs := env.batchSize()
	for {
		var b *pipeline.RowBatch
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-in:
			if !ok {
				return nil
			}
			b = next
		}

		rowsIn += int64(b.Len())
		schema, rows, err := fn(b)
		b.Release()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		for len(rows) > 0 {
			n := min(len(rows), bs)
			if err := emitNew(ctx, out, env, schema, rows[:n:n], name+".out"); err != nil {
				return err
			}
			rowsOut += int64(n)
			rows = rows[n:]
		}
	}
}

// schemaCache resolves per-schema state once and reuses it while the input
// schema pointer stays the same.
type schemaCache[T any] struct {
	schema *pipeline.Schema
	val    T
}

func (c *schemaCache[T]) get(schema *pipeline.Schema, build func(*pipeline.Schema) (T, error)) (T, error) {
	if c.schema == schema {
		return c.val, nil
	}
	v, err := build(schema)
	if err != nil {
		var zero T
		return zero, err
	}
	c.schema, c.val = schema, v
	return v, nil
}
