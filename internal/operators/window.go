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
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/cardinalhq/emsqrt/internal/membudget"
	"github.com/cardinalhq/emsqrt/internal/spill"
	"github.com/cardinalhq/emsqrt/pipeline"
	"github.com/cardinalhq/emsqrt/pipeline/rowcodec"
)

// WindowConfig describes a window stage.
type WindowConfig struct {
	Partitions []string
	// OrderBy defines peers for rank and dense_rank. The window does not
	// sort; a Sort on (Partitions..., OrderBy...) must run upstream.
	OrderBy []SortKey
	Funcs   []WindowFunc
	// Clustered promises that each partition's rows arrive contiguously,
	// so a partition is complete as soon as the key changes.
	Clustered bool
}

// Window evaluates running window functions per partition in input order
// and appends one column per function.
type Window struct {
	cfg WindowConfig
}

var (
	_ Operator    = (*Window)(nil)
	_ ScratchUser = (*Window)(nil)
)

func NewWindow(cfg WindowConfig) (*Window, error) {
	if len(cfg.Funcs) == 0 {
		return nil, fmt.Errorf("window needs at least one function")
	}
	seen := make(map[string]bool, len(cfg.Funcs))
	for _, f := range cfg.Funcs {
		if f.Alias == "" {
			return nil, fmt.Errorf("window function %s needs an alias", f.Kind)
		}
		if seen[f.Alias] {
			return nil, fmt.Errorf("duplicate window alias %q", f.Alias)
		}
		seen[f.Alias] = true
		if _, ok := funcNames[f.Kind]; !ok {
			return nil, fmt.Errorf("unknown window function %s", f.Kind)
		}
		if f.Kind.needsColumn() && f.Column == "" {
			return nil, fmt.Errorf("window function %s(%s) needs a column", f.Kind, f.Alias)
		}
	}
	return &Window{cfg: cfg}, nil
}

func (w *Window) Name() string { return "window" }

func (w *Window) Config() WindowConfig { return w.cfg }

func (w *Window) ScratchBytes(capacity int64) int64 { return blockBytesFor(capacity) }

func (w *Window) OutputSchema(in *pipeline.Schema) (*pipeline.Schema, error) {
	plan, err := newWindowPlan(in, w.cfg)
	if err != nil {
		return nil, err
	}
	return plan.out, nil
}

// windowPlan is a WindowConfig resolved against an input schema.
type windowPlan struct {
	in, out *pipeline.Schema
	partIdx []int
	peers   rowOrder
	funcs   []boundFunc
	// extra is the fixed upper bound charged per row for computed columns.
	extra int64
}

func newWindowPlan(in *pipeline.Schema, cfg WindowConfig) (*windowPlan, error) {
	partIdx, err := in.Indexes(cfg.Partitions)
	if err != nil {
		return nil, fmt.Errorf("window partitions: %w", err)
	}
	peers, err := newRowOrder(in, cfg.OrderBy)
	if err != nil {
		return nil, fmt.Errorf("window order_by: %w", err)
	}
	p := &windowPlan{in: in, partIdx: partIdx, peers: peers}

	fields := make([]pipeline.Field, 0, len(cfg.Funcs))
	for _, f := range cfg.Funcs {
		bf := boundFunc{WindowFunc: f, col: -1}
		if f.Column != "" {
			j, ok := in.Index(f.Column)
			if !ok {
				return nil, fmt.Errorf("window function %s: unknown column %q", f.Kind, f.Column)
			}
			bf.col = j
			bf.dt = in.Field(j).Type
			if f.Kind.needsColumn() && !bf.dt.IsNumeric() {
				return nil, fmt.Errorf("window function %s needs a numeric column, %s is %s", f.Kind, f.Column, bf.dt)
			}
		}
		p.funcs = append(p.funcs, bf)
		fields = append(fields, bf.outputField())
		p.extra += pipeline.ValueOverhead + 8
	}
	if p.out, err = in.Append(fields...); err != nil {
		return nil, fmt.Errorf("window output: %w", err)
	}
	return p, nil
}

// estimate is the bytes reserved for a row: its output size, with computed
// columns at their widest.
func (p *windowPlan) estimate(row pipeline.Row) int64 {
	return pipeline.RowSize(row) + p.extra
}

// keyOf encodes the partition columns of row.
func (p *windowPlan) keyOf(row pipeline.Row) (string, pipeline.Row, error) {
	key := make(pipeline.Row, len(p.partIdx))
	for i, j := range p.partIdx {
		key[i] = row[j]
	}
	enc, err := rowcodec.AppendRecord(nil, 0, key)
	if err != nil {
		return "", nil, err
	}
	return string(enc), key, nil
}

// describe renders a partition key for error messages.
func (p *windowPlan) describe(key pipeline.Row) string {
	if len(key) == 0 {
		return "(all rows)"
	}
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = p.in.Field(p.partIdx[i]).Name + "=" + pipeline.FormatValue(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// partition holds one partition's rows. Spilled chunks always precede the
// resident rows in partition order.
type partition struct {
	key    string
	keyRow pipeline.Row
	chunks []chunkRef
	rows   []pipeline.Row
	bytes  int64 // reserved for rows
}

type chunkRef struct {
	handle spill.Handle
	rows   int
	bytes  int64
}

type windowState struct {
	env     Env
	cfg     WindowConfig
	plan    *windowPlan
	log     *slog.Logger
	spiller *blockSpiller
	res     *membudget.Reservation

	// Clustered mode keeps only cur. Unclustered mode keeps every open
	// partition, in first-seen order.
	cur   *partition
	parts map[string]*partition
	order []*partition

	resident      int64
	rowsIn        int64
	rowsOut       int64
	spilledChunks int
}

func (w *Window) Run(ctx context.Context, env Env, in <-chan *pipeline.RowBatch, out chan<- *pipeline.RowBatch) (err error) {
	sp, err := newBlockSpiller(ctx, env, "window")
	if err != nil {
		return err
	}
	st := &windowState{
		env:     env,
		cfg:     w.cfg,
		log:     env.logger().With(slog.String("operator", "window")),
		spiller: sp,
		res:     env.Budget.NewReservation("window.rows"),
		parts:   make(map[string]*partition),
	}
	defer func() {
		cerr := st.spiller.close(ctx)
		st.res.Release()
		st.log.Debug("Window finished",
			slog.Int64("rowsIn", st.rowsIn),
			slog.Int64("rowsOut", st.rowsOut),
			slog.Int("spilledChunks", st.spilledChunks))
		if cerr != nil {
			st.log.Warn("Window cleanup failed", slog.Any("error", cerr))
			if err == nil {
				err = cerr
			}
		}
	}()

	for {
		var pressure <-chan struct{}
		if st.resident > 0 {
			pressure = env.Budget.Pressure()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pressure:
			if err := st.spillLargest(ctx, 0); err != nil {
				return err
			}
		case b, ok := <-in:
			if !ok {
				return st.finish(ctx, out)
			}
			if err := st.add(ctx, b, out); err != nil {
				return err
			}
		}
	}
}

func (st *windowState) bind(schema *pipeline.Schema) error {
	if st.plan != nil {
		if st.plan.in == schema {
			return nil
		}
		if st.plan.in.String() != schema.String() {
			return fmt.Errorf("window: schema changed from %s to %s", st.plan.in, schema)
		}
	}
	plan, err := newWindowPlan(schema, st.cfg)
	if err != nil {
		return err
	}
	st.plan = plan
	return nil
}

func (st *windowState) add(ctx context.Context, b *pipeline.RowBatch, out chan<- *pipeline.RowBatch) error {
	if err := st.bind(b.Schema()); err != nil {
		b.Release()
		return err
	}
	rows := b.Rows()
	sizes := make([]int64, len(rows))
	var total int64
	for i, row := range rows {
		sizes[i] = st.plan.estimate(row)
		total += sizes[i]
	}

	stolen, err := b.Steal(st.res)
	if err != nil {
		return err
	}
	need := total
	if stolen {
		need -= b.ByteSize()
	} else {
		defer b.Release()
	}
	if err := st.reserve(ctx, need, !stolen); err != nil {
		if stolen && errors.Is(err, membudget.ErrBudgetExceeded) {
			return st.spillBatch(ctx, rows, sizes, b.ByteSize(), out)
		}
		return err
	}

	for i, row := range rows {
		key, keyRow, err := st.plan.keyOf(row)
		if err != nil {
			return err
		}
		p, err := st.partitionFor(ctx, key, keyRow, out)
		if err != nil {
			return err
		}
		p.rows = append(p.rows, row)
		p.bytes += sizes[i]
		st.resident += sizes[i]
	}
	st.rowsIn += int64(len(rows))
	return nil
}

// partitionFor returns the open partition for key. In clustered mode a new
// key completes and emits the current partition first.
func (st *windowState) partitionFor(ctx context.Context, key string, keyRow pipeline.Row, out chan<- *pipeline.RowBatch) (*partition, error) {
	if st.cfg.Clustered {
		if st.cur != nil && st.cur.key == key {
			return st.cur, nil
		}
		if st.cur != nil {
			done := st.cur
			st.cur = nil
			if err := st.emit(ctx, done, out); err != nil {
				return nil, err
			}
		}
		st.cur = &partition{key: key, keyRow: keyRow}
		return st.cur, nil
	}
	if p, ok := st.parts[key]; ok {
		return p, nil
	}
	p := &partition{key: key, keyRow: keyRow}
	st.parts[key] = p
	st.order = append(st.order, p)
	return p, nil
}

func (st *windowState) open() []*partition {
	if st.cfg.Clustered {
		if st.cur == nil {
			return nil
		}
		return []*partition{st.cur}
	}
	return st.order
}

// reserve grows the row reservation. When the budget is short resident
// partitions are spilled, largest first and then all of them. With wait
// set it then waits for other stages to release memory; otherwise the
// shortfall is returned to the caller.
func (st *windowState) reserve(ctx context.Context, n int64, wait bool) error {
	if n <= 0 {
		st.res.Shrink(-n)
		return nil
	}
	err := st.res.Grow(n)
	if err == nil || !errors.Is(err, membudget.ErrBudgetExceeded) {
		return err
	}
	if st.resident > 0 {
		if err := st.spillLargest(ctx, n); err != nil {
			return err
		}
		if st.res.Grow(n) == nil {
			return nil
		}
		if err := st.spillLargest(ctx, 0); err != nil {
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
		return fmt.Errorf("window: %w", err)
	}
	return nil
}

// spillBatch writes the rows of a batch the window owns straight into
// chunks of their partitions. Every open partition was spilled first, so
// the chunks still precede any resident rows.
func (st *windowState) spillBatch(ctx context.Context, rows []pipeline.Row, sizes []int64, held int64, out chan<- *pipeline.RowBatch) error {
	var (
		p     *partition
		recs  []rowcodec.Record
		bytes int64
	)
	flush := func() error {
		if len(recs) == 0 {
			return nil
		}
		h, err := st.spiller.put(ctx, recs)
		if err != nil {
			return err
		}
		p.chunks = append(p.chunks, chunkRef{handle: h, rows: len(recs), bytes: bytes})
		st.spilledChunks++
		recs, bytes = recs[:0], 0
		return nil
	}
	for i, row := range rows {
		key, keyRow, err := st.plan.keyOf(row)
		if err != nil {
			return err
		}
		if p == nil || p.key != key || bytes+sizes[i] > st.spiller.blockBytes {
			if err := flush(); err != nil {
				return err
			}
			if p, err = st.partitionFor(ctx, key, keyRow, out); err != nil {
				return err
			}
		}
		recs = append(recs, rowcodec.Record{Seq: uint64(len(recs)), Row: row})
		bytes += sizes[i]
	}
	if err := flush(); err != nil {
		return err
	}
	st.rowsIn += int64(len(rows))
	st.res.Shrink(held)
	return nil
}

// spillLargest spills resident partitions, largest first, until at least
// want bytes were freed. want <= 0 spills them all.
func (st *windowState) spillLargest(ctx context.Context, want int64) error {
	cands := make([]*partition, 0, len(st.open()))
	for _, p := range st.open() {
		if len(p.rows) > 0 {
			cands = append(cands, p)
		}
	}
	slices.SortStableFunc(cands, func(a, b *partition) int { return cmp.Compare(b.bytes, a.bytes) })

	var freed int64
	for _, p := range cands {
		if want > 0 && freed >= want {
			break
		}
		freed += p.bytes
		if err := st.spillPartition(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// spillPartition moves a partition's resident rows into chunks appended
// after its existing ones.
func (st *windowState) spillPartition(ctx context.Context, p *partition) error {
	var (
		recs  []rowcodec.Record
		bytes int64
	)
	flush := func() error {
		if len(recs) == 0 {
			return nil
		}
		h, err := st.spiller.put(ctx, recs)
		if err != nil {
			return err
		}
		p.chunks = append(p.chunks, chunkRef{handle: h, rows: len(recs), bytes: bytes})
		st.spilledChunks++
		recs, bytes = recs[:0], 0
		return nil
	}
	for i, row := range p.rows {
		size := st.plan.estimate(row)
		if len(recs) > 0 && bytes+size > st.spiller.blockBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		recs = append(recs, rowcodec.Record{Seq: uint64(i), Row: row})
		bytes += size
	}
	if err := flush(); err != nil {
		return err
	}

	st.log.Debug("Spilled window partition",
		slog.String("partition", st.plan.describe(p.keyRow)),
		slog.Int("rows", len(p.rows)),
		slog.Int64("bytes", p.bytes),
		slog.Int("chunks", len(p.chunks)))

	st.res.Shrink(p.bytes)
	st.resident -= p.bytes
	p.rows = nil
	p.bytes = 0
	return nil
}

func (st *windowState) finish(ctx context.Context, out chan<- *pipeline.RowBatch) error {
	if st.cfg.Clustered {
		if st.cur == nil {
			return nil
		}
		done := st.cur
		st.cur = nil
		return st.emit(ctx, done, out)
	}
	for len(st.order) > 0 {
		p := st.order[0]
		if err := st.emit(ctx, p, out); err != nil {
			return err
		}
		st.order[0] = nil
		st.order = st.order[1:]
		delete(st.parts, p.key)
	}
	return nil
}

// emit evaluates a complete partition and sends its output rows. The
// partition stays visible to spillLargest until its resident rows are
// taken, so loading a chunk may spill them behind the remaining chunks.
func (st *windowState) emit(ctx context.Context, p *partition, out chan<- *pipeline.RowBatch) error {
	bs := st.env.batchSize()
	ev := newEvaluator(st.plan, st.plan.describe(p.keyRow))

	var (
		pend    = make([]pipeline.Row, 0, bs)
		pendRes int64
	)
	flush := func() error {
		if len(pend) == 0 {
			return nil
		}
		exact := pipeline.RowsSize(pend)
		if err := emitFrom(ctx, out, st.plan.out, pend, st.res); err != nil {
			return err
		}
		st.res.Shrink(pendRes - exact)
		st.rowsOut += int64(len(pend))
		pend = make([]pipeline.Row, 0, bs)
		pendRes = 0
		return nil
	}
	process := func(row pipeline.Row, size int64) error {
		o, err := ev.next(row)
		if err != nil {
			return err
		}
		pend = append(pend, o)
		pendRes += size
		if len(pend) == bs {
			return flush()
		}
		return nil
	}

	if st.cfg.Clustered {
		st.cur = p
	}
	for i := 0; i < len(p.chunks); i++ {
		c := p.chunks[i]
		if err := st.load(ctx, c.bytes, flush); err != nil {
			return err
		}
		recs, err := st.spiller.take(ctx, c.handle, c.rows)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := process(rec.Row, st.plan.estimate(rec.Row)); err != nil {
				return err
			}
		}
	}
	p.chunks = nil
	if st.cfg.Clustered {
		st.cur = nil
	}

	rows := p.rows
	st.resident -= p.bytes
	p.rows, p.bytes = nil, 0
	for _, row := range rows {
		if err := process(row, st.plan.estimate(row)); err != nil {
			return err
		}
	}
	return flush()
}

// load reserves room to restore a chunk. When the budget is short it
// spills resident rows, then hands pending output downstream, then waits.
func (st *windowState) load(ctx context.Context, n int64, flush func() error) error {
	err := st.res.Grow(n)
	if err == nil || !errors.Is(err, membudget.ErrBudgetExceeded) {
		return err
	}
	if st.resident > 0 {
		if err := st.spillLargest(ctx, n); err != nil {
			return err
		}
		if st.res.Grow(n) == nil {
			return nil
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := st.res.GrowWait(ctx, n); err != nil {
		return fmt.Errorf("window: load chunk: %w", err)
	}
	return nil
}
