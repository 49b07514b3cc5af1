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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/emsqrt/config"
	"github.com/cardinalhq/emsqrt/internal/logctx"
	"github.com/cardinalhq/emsqrt/internal/planner"
	"github.com/cardinalhq/emsqrt/internal/runner"
)

func init() {
	var pipelinePath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline file",
		RunE: func(c *cobra.Command, _ []string) error {
			servicename := "emsqrt"
			doneCtx, doneFx, err := setupTelemetry(servicename)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			start := time.Now()
			err = runPipeline(doneCtx, c, pipelinePath)
			recordCommand(doneCtx, "run", start, err)
			return err
		},
	}
	cmd.Flags().StringVar(&pipelinePath, "pipeline", "", "pipeline YAML file")
	addEngineFlags(cmd)
	rootCmd.AddCommand(cmd)
}

func runPipeline(ctx context.Context, c *cobra.Command, path string) error {
	cfg, plan, err := loadPipeline(c, path)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "emsqrt.run", trace.WithAttributes(
		attribute.String("pipeline", path),
		attribute.Int("stages", len(plan.Stages)),
	))
	defer span.End()
	ll := slog.Default().With(slog.String("pipeline", path))
	ctx = logctx.WithLogger(ctx, ll)

	stats, err := execute(ctx, cfg, plan, ll)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return err
	}
	span.SetAttributes(
		attribute.Int64("rows_in", stats.RowsIn),
		attribute.Int64("rows_out", stats.RowsOut),
		attribute.Int64("spills", stats.Spills),
	)
	return printStats(c.OutOrStdout(), cfg, stats)
}

// execute opens the plan's files and runs it. Whatever was opened is
// closed or aborted on every failure path.
func execute(ctx context.Context, cfg *config.EngineConfig, plan *planner.Plan, ll *slog.Logger) (runner.Stats, error) {
	src, err := plan.OpenSource()
	if err != nil {
		return runner.Stats{}, fmt.Errorf("open source: %w", err)
	}
	sink, err := plan.CreateSink()
	if err != nil {
		return runner.Stats{}, errors.Join(fmt.Errorf("create sink: %w", err), src.Close())
	}
	r, err := runner.New(ctx, cfg, runner.WithLogger(ll))
	if err != nil {
		return runner.Stats{}, errors.Join(err, src.Close(), sink.Abort(ctx))
	}
	ll.Info("Starting pipeline",
		slog.String("source", plan.SourcePath),
		slog.String("destination", plan.SinkPath),
		slog.String("memoryCap", humanize.IBytes(uint64(cfg.MemoryCap))))
	return r.Run(ctx, src, plan.Operators(), sink)
}

func printStats(out io.Writer, cfg *config.EngineConfig, s runner.Stats) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"run", s.RunID},
		{"rows in", humanize.Comma(s.RowsIn)},
		{"rows out", humanize.Comma(s.RowsOut)},
		{"spills", humanize.Comma(s.Spills)},
		{"spilled", fmt.Sprintf("%s (%s stored)", humanize.IBytes(uint64(s.SpilledBytes)), humanize.IBytes(uint64(s.StoredBytes)))},
		{"peak reserved", fmt.Sprintf("%s of %s", humanize.IBytes(uint64(s.PeakReserved)), humanize.IBytes(uint64(cfg.MemoryCap)))},
		{"duration", s.Duration.Round(time.Millisecond).String()},
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", r[0], r[1]); err != nil {
			return err
		}
	}
	return w.Flush()
}
