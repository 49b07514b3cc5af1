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

package operators_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/emsqrt/internal/membudget"
	"github.com/cardinalhq/emsqrt/internal/operators"
	"github.com/cardinalhq/emsqrt/internal/spill"
	"github.com/cardinalhq/emsqrt/pipeline"
)

type harness struct {
	budget *membudget.Budget
	spill  *spill.Manager
	logs   *syncBuffer
	batch  int
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newHarness(t *testing.T, capacity int64, batch int) *harness {
	t.Helper()
	target, err := spill.NewLocalTarget(t.TempDir())
	require.NoError(t, err)
	return newHarnessWithTarget(t, capacity, batch, target)
}

func newHarnessWithTarget(t *testing.T, capacity int64, batch int, target spill.Target) *harness {
	t.Helper()
	budget, err := membudget.New(capacity)
	require.NoError(t, err)
	mgr := spill.NewManager(target, spill.WithCodec(spill.CodecLZ4))
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return &harness{budget: budget, spill: mgr, logs: &syncBuffer{}, batch: batch}
}

func (h *harness) env() operators.Env {
	return operators.Env{
		Budget:    h.budget,
		Spill:     h.spill,
		BatchSize: h.batch,
		Logger:    slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

// run feeds rows through op in batches and collects everything it emits.
func (h *harness) run(t *testing.T, op operators.Operator, schema *pipeline.Schema, rows []pipeline.Row) ([]pipeline.Row, error) {
	t.Helper()
	var got []pipeline.Row
	err := h.stream(t, op, schema, len(rows),
		func(i int) pipeline.Row { return rows[i] },
		func(row pipeline.Row) { got = append(got, row) })
	return got, err
}

// stream feeds n generated rows through op and hands every emitted row to
// sink. Emitted batches are released as soon as they are read. It checks
// that no memory or spill handles are left behind.
func (h *harness) stream(t *testing.T, op operators.Operator, schema *pipeline.Schema, n int, gen func(int) pipeline.Row, sink func(pipeline.Row)) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	in := make(chan *pipeline.RowBatch)
	out := make(chan *pipeline.RowBatch)

	go func() {
		defer close(in)
		for start := 0; start < n; start += h.batch {
			rows := make([]pipeline.Row, 0, h.batch)
			for i := start; i < min(start+h.batch, n); i++ {
				rows = append(rows, gen(i))
			}
			b := pipeline.NewRowBatch(schema, rows)
			if err := pipeline.Admit(ctx, h.budget, b, "test.source"); err != nil {
				return
			}
			select {
			case in <- b:
			case <-ctx.Done():
				b.Release()
				return
			}
		}
	}()

	errc := make(chan error, 1)
	go func() {
		defer close(out)
		err := op.Run(ctx, h.env(), in, out)
		if err != nil {
			cancel()
		}
		for b := range in {
			b.Release()
		}
		errc <- err
	}()

	for b := range out {
		for _, row := range b.Rows() {
			sink(row)
		}
		b.Release()
	}
	err := <-errc
	require.Zero(t, h.budget.Used(), "budget leaked")
	require.Zero(t, h.spill.Outstanding(), "spill handles leaked")
	return err
}
