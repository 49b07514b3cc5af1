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

// Package runner wires a source, a chain of operators, and a sink into
// concurrent stages that share one memory budget and one spill manager.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/emsqrt/config"
	"github.com/cardinalhq/emsqrt/internal/logctx"
	"github.com/cardinalhq/emsqrt/internal/membudget"
	"github.com/cardinalhq/emsqrt/internal/operators"
	"github.com/cardinalhq/emsqrt/internal/spill"
	"github.com/cardinalhq/emsqrt/pipeline"
)

// staleRunAge is how old a leftover local run directory must be before a
// new runner removes it.
const staleRunAge = 24 * time.Hour

// Source produces rows. Read returns io.EOF once exhausted; it may return
// rows together with io.EOF.
type Source interface {
	Schema() *pipeline.Schema
	Read(ctx context.Context, max int) ([]pipeline.Row, error)
	Close() error
}

// Sink consumes batches. Nothing written becomes visible before Commit.
// Abort discards everything written so far.
type Sink interface {
	Write(ctx context.Context, b *pipeline.RowBatch) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Stats describes one completed run.
type Stats struct {
	RunID         string
	RowsIn        int64
	RowsOut       int64
	Spills        int64
	SpilledBytes  int64
	StoredBytes   int64
	RestoredBytes int64
	PeakReserved  int64
	Duration      time.Duration
}

// Runner executes a single pipeline. It is not reusable: Run closes the
// spill manager on the way out.
type Runner struct {
	cfg    *config.EngineConfig
	budget *membudget.Budget
	spill  *spill.Manager
	log    *slog.Logger
	depth  int
	ran    atomic.Bool
}

type Option func(*Runner)

// WithLogger sets the base logger. The run ID is attached to it.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithSpillManager supplies a ready manager instead of opening the
// configured target.
func WithSpillManager(m *spill.Manager) Option {
	return func(r *Runner) { r.spill = m }
}

// New creates the budget and the spill manager described by cfg.
func New(ctx context.Context, cfg *config.EngineConfig, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	budget, err := membudget.New(cfg.MemoryCap)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:    cfg,
		budget: budget,
		log:    slog.Default(),
		depth:  cfg.MaxParallelTasks,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.spill == nil {
		m, err := spill.Open(ctx, cfg.SpillTarget(),
			spill.WithRetryPolicy(cfg.SpillRetry),
			spill.WithCodec(cfg.SpillCodec),
			spill.WithMaxConcurrency(cfg.MaxSpillConcurrency),
		)
		if err != nil {
			return nil, fmt.Errorf("open spill target: %w", err)
		}
		r.spill = m
	}
	if lt, ok := r.spill.Target().(*spill.LocalTarget); ok {
		lt.SweepOrphans(staleRunAge)
	}
	r.log = r.log.With(slog.String("runID", r.spill.RunID()))
	return r, nil
}

func (r *Runner) Budget() *membudget.Budget { return r.budget }
func (r *Runner) Spill() *spill.Manager     { return r.spill }

// Check resolves the schema of every stage without running anything.
func Check(in *pipeline.Schema, ops []operators.Operator) (*pipeline.Schema, error) {
	schema := in
	for i, op := range ops {
		out, err := op.OutputSchema(schema)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i+1, op.Name(), err)
		}
		schema = out
	}
	return schema, nil
}

// Run streams src through ops into sink. The sink is committed only when
// every stage succeeds and aborted otherwise. Run closes src.
func (r *Runner) Run(ctx context.Context, src Source, ops []operators.Operator, sink Sink) (Stats, error) {
	if !r.ran.CompareAndSwap(false, true) {
		return Stats{}, errors.New("runner already used")
	}
	start := time.Now()
	ctx = logctx.WithLogger(ctx, r.log)
	stats := Stats{RunID: r.spill.RunID()}

	runErr := r.run(ctx, src, ops, sink, &stats)
	cleanupErr := r.finish(ctx, src, sink, runErr)

	sp := r.spill.Stats()
	stats.Spills = sp.Spills
	stats.SpilledBytes = sp.BytesSpilled
	stats.StoredBytes = sp.BytesStored
	stats.RestoredBytes = sp.BytesRestored
	stats.PeakReserved = r.budget.Peak()
	stats.Duration = time.Since(start)
	recordRun(ctx, stats, runErr == nil && cleanupErr == nil)

	if used := r.budget.Used(); used != 0 {
		r.log.Error("Memory budget leak after run", slog.Int64("usedBytes", used))
	}

	switch {
	case runErr != nil:
		if cleanupErr != nil {
			r.log.Error("Cleanup after failed run also failed", slog.Any("error", cleanupErr))
		}
		return stats, runErr
	case cleanupErr != nil:
		return stats, cleanupErr
	}
	r.log.Info("Pipeline finished",
		slog.Int64("rowsIn", stats.RowsIn),
		slog.Int64("rowsOut", stats.RowsOut),
		slog.Int64("spills", stats.Spills),
		slog.Int64("peakReservedBytes", stats.PeakReserved),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

func (r *Runner) run(ctx context.Context, src Source, ops []operators.Operator, sink Sink, stats *Stats) error {
	if _, err := Check(src.Schema(), ops); err != nil {
		return err
	}

	env := operators.Env{
		Budget:    r.budget,
		Spill:     r.spill,
		BatchSize: r.cfg.BatchSize,
		Logger:    r.log,
	}

	scratch, err := r.reserveScratch(ops)
	if err != nil {
		return err
	}
	defer func() {
		for _, res := range scratch {
			res.Release()
		}
	}()

	chans := make([]chan *pipeline.RowBatch, len(ops)+1)
	for i := range chans {
		chans[i] = make(chan *pipeline.RowBatch, r.depth)
	}

	var rowsIn, rowsOut atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chans[0])
		if err := r.produce(gCtx, src, chans[0], &rowsIn); err != nil {
			return fmt.Errorf("source failed: %w", err)
		}
		return nil
	})

	for i, op := range ops {
		in, out := chans[i], chans[i+1]
		g.Go(func() error {
			defer close(out)
			opCtx := logctx.With(gCtx, slog.Int("stage", i+1), slog.String("op", op.Name()))
			opEnv := env
			opEnv.Logger = logctx.FromContext(opCtx)
			opEnv.Scratch = scratch[i]
			err := op.Run(opCtx, opEnv, in, out)
			drain(in)
			if err != nil {
				opEnv.Logger.Error("Operator failed", slog.Any("error", err))
				return fmt.Errorf("stage %d (%s) failed: %w", i+1, op.Name(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		last := chans[len(ops)]
		var err error
		for b := range last {
			if err == nil {
				if err = gCtx.Err(); err == nil {
					err = sink.Write(gCtx, b)
				}
				if err == nil {
					rowsOut.Add(int64(b.Len()))
				}
			}
			b.Release()
			if err != nil && !errors.Is(err, context.Canceled) {
				// stop pulling new work; upstream unblocks on cancellation
				drain(last)
				return fmt.Errorf("sink failed: %w", err)
			}
		}
		return err
	})

	err = g.Wait()
	for _, ch := range chans {
		drain(ch)
	}
	stats.RowsIn = rowsIn.Load()
	stats.RowsOut = rowsOut.Load()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// reserveScratch takes the fixed buffers of every stage that needs one
// before the source admits anything, so a stage started late never finds
// the budget already filled by batches in flight.
func (r *Runner) reserveScratch(ops []operators.Operator) ([]*membudget.Reservation, error) {
	scratch := make([]*membudget.Reservation, len(ops))
	for i, op := range ops {
		su, ok := op.(operators.ScratchUser)
		if !ok {
			continue
		}
		res, err := r.budget.TryReserve(su.ScratchBytes(r.budget.Capacity()), op.Name()+".scratch")
		if err != nil {
			for _, held := range scratch[:i] {
				held.Release()
			}
			return nil, fmt.Errorf("stage %d (%s): %w", i+1, op.Name(), err)
		}
		scratch[i] = res
	}
	return scratch, nil
}

// produce reads src in batch-size chunks and admits each before sending.
func (r *Runner) produce(ctx context.Context, src Source, out chan<- *pipeline.RowBatch, rows *atomic.Int64) error {
	schema := src.Schema()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, readErr := src.Read(ctx, r.cfg.BatchSize)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		if len(batch) > 0 {
			b := pipeline.NewRowBatch(schema, batch)
			if err := pipeline.Admit(ctx, r.budget, b, "source"); err != nil {
				return err
			}
			select {
			case out <- b:
				rows.Add(int64(len(batch)))
			case <-ctx.Done():
				b.Release()
				return ctx.Err()
			}
		}
		if readErr != nil {
			return nil
		}
	}
}

// finish commits or aborts the sink, closes the source, and tears down the
// spill manager. It reports every cleanup failure together.
func (r *Runner) finish(ctx context.Context, src Source, sink Sink, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	var merr *multierror.Error

	if runErr == nil {
		if err := sink.Commit(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("commit sink: %w", err))
			if aerr := sink.Abort(ctx); aerr != nil {
				merr = multierror.Append(merr, fmt.Errorf("abort sink: %w", aerr))
			}
		}
	} else {
		r.log.Error("Pipeline failed, aborting sink", slog.Any("error", runErr))
		if err := sink.Abort(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("abort sink: %w", err))
		}
	}
	if err := src.Close(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("close source: %w", err))
	}
	if err := r.spill.Close(ctx); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("close spill manager: %w", err))
	}
	return merr.ErrorOrNil()
}

func drain(ch <-chan *pipeline.RowBatch) {
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return
			}
			b.Release()
		default:
			return
		}
	}
}
