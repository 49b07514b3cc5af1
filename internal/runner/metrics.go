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

package runner

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	runCounter      metric.Int64Counter
	rowCounter      metric.Int64Counter
	runDuration     metric.Float64Histogram
	peakReservedHWM metric.Int64Gauge
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/emsqrt/internal/runner")

	var err error
	runCounter, err = meter.Int64Counter(
		"emsqrt.runner.runs",
		metric.WithDescription("Pipeline runs by result"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create runner.runs counter: %w", err))
	}

	rowCounter, err = meter.Int64Counter(
		"emsqrt.runner.rows",
		metric.WithDescription("Rows read from sources and written to sinks"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create runner.rows counter: %w", err))
	}

	runDuration, err = meter.Float64Histogram(
		"emsqrt.runner.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of pipeline runs"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create runner.duration histogram: %w", err))
	}

	peakReservedHWM, err = meter.Int64Gauge(
		"emsqrt.runner.peak.reserved.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Peak reserved bytes of the most recent run"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create runner.peak.reserved.bytes gauge: %w", err))
	}
}

func recordRun(ctx context.Context, s Stats, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	ctx = context.WithoutCancel(ctx)
	runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	rowCounter.Add(ctx, s.RowsIn, metric.WithAttributes(attribute.String("direction", "in")))
	rowCounter.Add(ctx, s.RowsOut, metric.WithAttributes(attribute.String("direction", "out")))
	runDuration.Record(ctx, s.Duration.Seconds(), metric.WithAttributes(attribute.String("result", result)))
	peakReservedHWM.Record(ctx, s.PeakReserved)
}
