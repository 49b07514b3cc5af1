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
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cardinalhq/emsqrt/internal/membudget"
	"github.com/cardinalhq/emsqrt/internal/spill"
	"github.com/cardinalhq/emsqrt/pipeline"
	"github.com/cardinalhq/emsqrt/pipeline/rowcodec"
)

const maxFanIn = 64

// Sort is a stable external merge sort. Rows equal on the key keep their
// input order.
type Sort struct {
	keys []SortKey
}

var (
	_ Operator    = (*Sort)(nil)
	_ ScratchUser = (*Sort)(nil)
)

func NewSort(keys []SortKey) (*Sort, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("sort needs at least one key")
	}
	return &Sort{keys: slices.Clone(keys)}, nil
}

func (s *Sort) Name() string { return "sort" }

func (s *Sort) Keys() []SortKey { return slices.Clone(s.keys) }

func (s *Sort) ScratchBytes(capacity int64) int64 { return blockBytesFor(capacity) }

func (s *Sort) OutputSchema(in *pipeline.Schema) (*pipeline.Schema, error) {
	if _, err := newRowOrder(in, s.keys); err != nil {
		return nil, err
	}
	return in, nil
}

func (s *Sort) Run(ctx context.Context, env Env, in <-chan *pipeline.RowBatch, out chan<- *pipeline.RowBatch) (err error) {
	st, err := newSortState(ctx, env, s.keys)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := st.consume(ctx, in); err != nil {
		return err
	}
	return st.finish(ctx, out)
}

// blockRef is one spilled block of a run.
type blockRef struct {
	handle spill.Handle
	bytes  int64 // accounted bytes of the rows in the block
	rows   int
}

type sortState struct {
	env        Env
	keys       []SortKey
	order      rowOrder
	schema     *pipeline.Schema
	log        *slog.Logger
	blockBytes int64
	spiller    *blockSpiller

	// res holds buffered entries during run generation; mres holds loaded
	// blocks during merging.
	res  *membudget.Reservation
	mres *membudget.Reservation

	entries  []sortEntry
	resident int64
	seq      uint64

	runs [][]blockRef

	rowsIn, rowsOut int64
	spilledRuns     int
	waves           int
	started         time.Time
}

func newSortState(ctx context.Context, env Env, keys []SortKey) (*sortState, error) {
	sp, err := newBlockSpiller(ctx, env, "sort")
	if err != nil {
		return nil, err
	}
	return &sortState{
		env:        env,
		keys:       keys,
		log:        env.logger().With(slog.String("operator", "sort")),
		blockBytes: sp.blockBytes,
		spiller:    sp,
		res:        env.Budget.NewReservation("sort.buffer"),
		mres:       env.Budget.NewReservation("sort.merge"),
		started:    time.Now(),
	}, nil
}

func (st *sortState) bind(schema *pipeline.Schema) error {
	if st.schema == schema {
		return nil
	}
	if st.schema != nil && st.schema.String() != schema.String() {
		return fmt.Errorf("sort: schema changed from %s to %s", st.schema, schema)
	}
	order, err := newRowOrder(schema, st.keys)
	if err != nil {
		return err
	}
	st.schema, st.order = schema, order
	return nil
}

func (st *sortState) consume(ctx context.Context, in <-chan *pipeline.RowBatch) error {
	for {
		var pressure <-chan struct{}
		if st.resident > 0 {
			pressure = st.env.Budget.Pressure()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pressure:
			if err := st.spillRun(ctx); err != nil {
				return err
			}
		case b, ok := <-in:
			if !ok {
				return nil
			}
			if err := st.add(ctx, b); err != nil {
				return err
			}
		}
	}
}

func (st *sortState) add(ctx context.Context, b *pipeline.RowBatch) error {
	if err := st.bind(b.Schema()); err != nil {
		b.Release()
		return err
	}
	rows := b.Rows()
	overhead := int64(len(rows)) * entryOverhead
	size := b.ByteSize() + overhead

	stolen, err := b.Steal(st.res)
	if err != nil {
		return err
	}
	need := size
	if stolen {
		need = overhead
	} else {
		defer b.Release()
	}
	if err := st.reserve(ctx, need, !stolen); err != nil {
		if stolen && errors.Is(err, membudget.ErrBudgetExceeded) {
			return st.spillBatch(ctx, rows, b.ByteSize())
		}
		return err
	}

	for _, row := range rows {
		st.entries = append(st.entries, sortEntry{row: row, seq: st.seq})
		st.seq++
	}
	st.resident += size
	st.rowsIn += int64(len(rows))
	return nil
}

// reserve grows the buffer reservation, spilling the buffer when the
// budget is short. With wait set it then waits for other stages to
// release memory; otherwise the shortfall is returned to the caller.
func (st *sortState) reserve(ctx context.Context, n int64, wait bool) error {
	err := st.res.Grow(n)
	if err == nil || !errors.Is(err, membudget.ErrBudgetExceeded) {
		return err
	}
	if st.resident > 0 {
		if err := st.spillRun(ctx); err != nil {
			return err
		}
		if err = st.res.Grow(n); err == nil || !errors.Is(err, membudget.ErrBudgetExceeded) {
			return err
		}
	}
	if !wait {
		return err
	}
	if err := st.res.GrowWait(ctx, n); err != nil {
		return fmt.Errorf("sort: %w", err)
	}
	return nil
}

// spillRun sorts the buffer, writes it as one run, and releases its bytes.
func (st *sortState) spillRun(ctx context.Context) error {
	if len(st.entries) == 0 {
		return nil
	}
	slices.SortStableFunc(st.entries, st.order.compareEntries)

	w := st.newBlockWriter(nil)
	for _, e := range st.entries {
		if err := w.add(ctx, rowcodec.Record{Seq: e.seq, Row: e.row}); err != nil {
			return err
		}
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	st.runs = append(st.runs, w.blocks)
	st.spilledRuns++

	st.log.Debug("Spilled sort run",
		slog.Int("rows", len(st.entries)),
		slog.Int64("bytes", st.resident),
		slog.Int("blocks", len(w.blocks)),
		slog.Int("runs", len(st.runs)))

	st.res.Shrink(st.resident)
	st.entries = nil
	st.resident = 0
	return nil
}

// spillBatch writes a batch the sort owns straight out as a run of its
// own. The rows are sorted in place, so nothing beyond the bytes the batch
// already holds is needed.
func (st *sortState) spillBatch(ctx context.Context, rows []pipeline.Row, held int64) error {
	slices.SortStableFunc(rows, st.order.compare)

	w := st.newBlockWriter(nil)
	for i, row := range rows {
		if err := w.add(ctx, rowcodec.Record{Seq: st.seq + uint64(i), Row: row}); err != nil {
			return err
		}
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	st.seq += uint64(len(rows))
	st.runs = append(st.runs, w.blocks)
	st.spilledRuns++
	st.rowsIn += int64(len(rows))

	st.log.Debug("Spilled sort batch",
		slog.Int("rows", len(rows)),
		slog.Int64("bytes", held),
		slog.Int("runs", len(st.runs)))

	st.res.Shrink(held)
	return nil
}

func (st *sortState) finish(ctx context.Context, out chan<- *pipeline.RowBatch) error {
	if len(st.runs) == 0 {
		return st.emitInMemory(ctx, out)
	}
	if err := st.spillRun(ctx); err != nil {
		return err
	}
	fanIn := st.fanIn()
	for len(st.runs) > fanIn {
		if err := st.mergeWave(ctx, fanIn); err != nil {
			return err
		}
	}
	return st.mergeFinal(ctx, out)
}

// fanIn is how many runs may be merged at once: one resident block per run
// plus the same again for output, within the headroom left.
func (st *sortState) fanIn() int {
	n := st.env.Budget.Available() / (2 * st.blockBytes)
	return int(min(max(n, 2), maxFanIn))
}

func (st *sortState) emitInMemory(ctx context.Context, out chan<- *pipeline.RowBatch) error {
	if len(st.entries) == 0 {
		return nil
	}
	slices.SortStableFunc(st.entries, st.order.compareEntries)

	bs := st.env.batchSize()
	for start := 0; start < len(st.entries); start += bs {
		chunk := st.entries[start:min(start+bs, len(st.entries))]
		rows := make([]pipeline.Row, len(chunk))
		for i, e := range chunk {
			rows[i] = e.row
			chunk[i] = sortEntry{}
		}
		if err := emitFrom(ctx, out, st.schema, rows, st.res); err != nil {
			return err
		}
		st.res.Shrink(int64(len(rows)) * entryOverhead)
		st.rowsOut += int64(len(rows))
	}
	st.entries = nil
	st.resident = 0
	return nil
}

// mergeWave merges the first fanIn runs into one new run.
func (st *sortState) mergeWave(ctx context.Context, fanIn int) error {
	inputs := st.runs[:fanIn]
	rest := slices.Clone(st.runs[fanIn:])

	w := st.newBlockWriter(st.mres.Shrink)
	if err := st.merge(ctx, inputs, func(rec rowcodec.Record) error {
		return w.add(ctx, rec)
	}); err != nil {
		return err
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	st.runs = append(rest, w.blocks)
	st.waves++
	st.log.Debug("Merged sort wave",
		slog.Int("fanIn", fanIn),
		slog.Int("runsLeft", len(st.runs)),
		slog.Int("wave", st.waves))
	return nil
}

// mergeFinal cuts an output batch at the batch size or at one block of
// accounted bytes, whichever comes first, so the merge never holds more
// than a block of rows on behalf of the stage downstream.
func (st *sortState) mergeFinal(ctx context.Context, out chan<- *pipeline.RowBatch) error {
	bs := st.env.batchSize()
	var (
		rows  = make([]pipeline.Row, 0, bs)
		bytes int64
	)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if err := emitFrom(ctx, out, st.schema, rows, st.mres); err != nil {
			return err
		}
		st.mres.Shrink(int64(len(rows)) * entryOverhead)
		st.rowsOut += int64(len(rows))
		rows = make([]pipeline.Row, 0, bs)
		bytes = 0
		return nil
	}
	err := st.merge(ctx, st.runs, func(rec rowcodec.Record) error {
		rows = append(rows, rec.Row)
		bytes += pipeline.RowSize(rec.Row) + entryOverhead
		if len(rows) == bs || bytes >= st.blockBytes {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	st.runs = nil
	return flush()
}

// merge streams the records of runs in (key, seq) order into fn. Blocks
// are loaded into mres one at a time per run and their handles deleted as
// soon as they are read.
func (st *sortState) merge(ctx context.Context, runs [][]blockRef, fn func(rowcodec.Record) error) error {
	h := &cursorHeap{order: st.order}
	for _, run := range runs {
		c := &runCursor{blocks: run}
		ok, err := st.loadNext(ctx, c)
		if err != nil {
			return err
		}
		if ok {
			h.items = append(h.items, c)
		}
	}
	heap.Init(h)

	for h.Len() > 0 {
		c := h.items[0]
		rec := c.recs[c.pos]
		c.recs[c.pos] = rowcodec.Record{}
		c.pos++
		if err := fn(rec); err != nil {
			return err
		}
		if c.pos == len(c.recs) {
			ok, err := st.loadNext(ctx, c)
			if err != nil {
				return err
			}
			if !ok {
				heap.Pop(h)
				continue
			}
		}
		heap.Fix(h, 0)
	}
	return nil
}

func (st *sortState) loadNext(ctx context.Context, c *runCursor) (bool, error) {
	if c.next >= len(c.blocks) {
		c.recs, c.pos = nil, 0
		return false, nil
	}
	blk := c.blocks[c.next]
	c.next++

	if err := st.mres.GrowWait(ctx, blk.bytes); err != nil {
		return false, fmt.Errorf("sort: load block: %w", err)
	}
	recs, err := st.spiller.take(ctx, blk.handle, blk.rows)
	if err != nil {
		return false, err
	}
	c.recs, c.pos = recs, 0
	return true, nil
}

func (st *sortState) close(ctx context.Context) error {
	err := st.spiller.close(ctx)
	st.res.Release()
	st.mres.Release()
	st.entries = nil

	st.log.Debug("Sort finished",
		slog.Int64("rowsIn", st.rowsIn),
		slog.Int64("rowsOut", st.rowsOut),
		slog.Int("spilledRuns", st.spilledRuns),
		slog.Int("waves", st.waves),
		slog.Duration("elapsed", time.Since(st.started)))

	if err != nil {
		st.log.Warn("Sort cleanup failed", slog.Any("error", err))
	}
	return err
}

// blockWriter cuts a stream of records into spilled blocks of at most
// blockBytes accounted bytes.
type blockWriter struct {
	st      *sortState
	recs    []rowcodec.Record
	bytes   int64
	blocks  []blockRef
	onFlush func(int64)
}

func (st *sortState) newBlockWriter(onFlush func(int64)) *blockWriter {
	return &blockWriter{st: st, onFlush: onFlush}
}

func (w *blockWriter) add(ctx context.Context, rec rowcodec.Record) error {
	size := pipeline.RowSize(rec.Row) + entryOverhead
	if len(w.recs) > 0 && w.bytes+size > w.st.blockBytes {
		if err := w.flush(ctx); err != nil {
			return err
		}
	}
	w.recs = append(w.recs, rec)
	w.bytes += size
	return nil
}

func (w *blockWriter) flush(ctx context.Context) error {
	if len(w.recs) == 0 {
		return nil
	}
	h, err := w.st.spiller.put(ctx, w.recs)
	if err != nil {
		return err
	}
	w.blocks = append(w.blocks, blockRef{handle: h, bytes: w.bytes, rows: len(w.recs)})
	if w.onFlush != nil {
		w.onFlush(w.bytes)
	}
	clear(w.recs)
	w.recs = w.recs[:0]
	w.bytes = 0
	return nil
}

type runCursor struct {
	blocks []blockRef
	next   int
	recs   []rowcodec.Record
	pos    int
}

type cursorHeap struct {
	items []*runCursor
	order rowOrder
}

func (h *cursorHeap) Len() int { return len(h.items) }

func (h *cursorHeap) Less(i, j int) bool {
	a := h.items[i].recs[h.items[i].pos]
	b := h.items[j].recs[h.items[j].pos]
	return h.order.compareEntries(sortEntry{row: a.Row, seq: a.Seq}, sortEntry{row: b.Row, seq: b.Seq}) < 0
}

func (h *cursorHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *cursorHeap) Push(x any) { h.items = append(h.items, x.(*runCursor)) }

func (h *cursorHeap) Pop() any {
	n := len(h.items)
	c := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	return c
}
