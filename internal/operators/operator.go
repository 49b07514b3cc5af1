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

// Package operators implements the row operators of a pipeline. Operators
// are push-style stages connected by channels of admitted RowBatches. The
// stateful ones (Sort, Window) keep their state inside a single
// membudget.Reservation and spill through a spill.Manager when the budget
// runs short.
package operators

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cardinalhq/emsqrt/internal/membudget"
	"github.com/cardinalhq/emsqrt/internal/spill"
	"github.com/cardinalhq/emsqrt/pipeline"
)

// Env is what a running operator may use.
type Env struct {
	Budget    *membudget.Budget
	Spill     *spill.Manager
	BatchSize int
	Logger    *slog.Logger

	// Scratch, when set, was reserved for this stage before any batch was
	// admitted. An operator with a fixed scratch buffer takes it over.
	Scratch *membudget.Reservation
}

func (e Env) batchSize() int {
	if e.BatchSize <= 0 {
		return 1024
	}
	return e.BatchSize
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Operator is one pipeline stage. Run consumes in until it is closed, and
// owns every batch it receives: each one is either released or forwarded.
// Batches sent on out must be admitted. Run does not close out.
type Operator interface {
	Name() string
	OutputSchema(in *pipeline.Schema) (*pipeline.Schema, error)
	Run(ctx context.Context, env Env, in <-chan *pipeline.RowBatch, out chan<- *pipeline.RowBatch) error
}

// ScratchUser is implemented by operators that hold a fixed, non-spillable
// buffer for their whole run. The runner reserves ScratchBytes for each of
// them up front and hands it over in Env.Scratch.
type ScratchUser interface {
	ScratchBytes(capacity int64) int64
}

// send delivers b or releases it when ctx ends first.
func send(ctx context.Context, out chan<- *pipeline.RowBatch, b *pipeline.RowBatch) error {
	select {
	case out <- b:
		return nil
	case <-ctx.Done():
		b.Release()
		return ctx.Err()
	}
}

// emitFrom builds a batch from rows, moves exactly its size out of res,
// and sends it. The caller must already hold at least that much in res.
func emitFrom(ctx context.Context, out chan<- *pipeline.RowBatch, schema *pipeline.Schema, rows []pipeline.Row, res *membudget.Reservation) error {
	b := pipeline.NewRowBatch(schema, rows)
	part, err := res.Split(b.ByteSize())
	if err != nil {
		return fmt.Errorf("split output reservation: %w", err)
	}
	if err := b.Admit(part); err != nil {
		part.Release()
		return err
	}
	return send(ctx, out, b)
}

// emitNew builds a batch from rows and admits it with a blocking
// reservation. Streaming operators use it; progress is guaranteed by the
// downstream consumer.
func emitNew(ctx context.Context, out chan<- *pipeline.RowBatch, env Env, schema *pipeline.Schema, rows []pipeline.Row, tag string) error {
	if len(rows) == 0 {
		return nil
	}
	b := pipeline.NewRowBatch(schema, rows)
	if err := pipeline.Admit(ctx, env.Budget, b, tag); err != nil {
		return err
	}
	return send(ctx, out, b)
}

// blockBytesFor picks the spill block size for a budget: a sixteenth of
// capacity, between 64 bytes and 256 KiB. A row larger than a block is
// written as a block of its own.
func blockBytesFor(capacity int64) int64 {
	const lo, hi = 64, 256 << 10
	return min(max(capacity/16, lo), hi)
}
