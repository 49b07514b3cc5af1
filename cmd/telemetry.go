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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cardinalhq/oteltools/pkg/telemetry"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/host"
	iruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/emsqrt/internal/helpers"
	"github.com/cardinalhq/emsqrt/internal/idgen"
)

var (
	commonAttributes attribute.Set

	meter  = otel.Meter("github.com/cardinalhq/emsqrt")
	tracer = otel.Tracer("github.com/cardinalhq/emsqrt")

	myInstanceID int64

	commandDuration metric.Float64Histogram
)

// setupTelemetry installs the global logger and, when OTLP export is
// enabled, the OpenTelemetry SDK. Logs go to stderr; stdout carries
// command output.
func setupTelemetry(servicename string) (context.Context, func() error, error) {
	myInstanceID = idgen.DefaultFlakeGenerator.NextID()

	doneCtx, doneCancel := handleSignals(context.Background())

	f := func() error {
		doneCancel()
		return nil
	}

	setupGlobalMetrics()

	commonAttributes = attribute.NewSet(
		attribute.Int64("instanceID", myInstanceID),
	)

	var opts *slog.HandlerOptions
	if helpers.DebugEnabled() {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug}
	}

	if os.Getenv("OTEL_SERVICE_NAME") != "" && helpers.GetBoolEnv("ENABLE_OTLP_TELEMETRY", false) {
		slog.SetDefault(slog.New(slogmulti.Fanout(
			slog.NewTextHandler(os.Stderr, opts),
			otelslog.NewHandler(servicename),
		)).With(
			slog.String("service", servicename),
			slog.Int64("instanceID", myInstanceID),
		))
		slog.Info("OpenTelemetry exporting enabled")

		otelShutdown, err := telemetry.SetupOTelSDK(doneCtx)
		if err != nil {
			doneCancel()
			return doneCtx, nil, fmt.Errorf("failed to setup OpenTelemetry SDK: %w", err)
		}

		if err := iruntime.Start(iruntime.WithMinimumReadMemStatsInterval(time.Second * 10)); err != nil {
			slog.Warn("failed to start runtime metrics", "error", err.Error())
		}

		if err := host.Start(); err != nil {
			slog.Warn("failed to start host metrics", "error", err.Error())
		}

		f = func() error {
			defer doneCancel()
			slog.Debug("Shutting down OpenTelemetry SDK")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return otelShutdown(ctx)
		}
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)).With(
			slog.String("service", servicename),
			slog.Int64("instanceID", myInstanceID),
		))
	}

	return doneCtx, f, nil
}

func setupGlobalMetrics() {
	if commandDuration != nil {
		return
	}
	m, err := meter.Float64Histogram(
		"emsqrt.command.duration",
		metric.WithUnit("s"),
		metric.WithDescription("The duration in seconds of a CLI command"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create command.duration histogram: %w", err))
	}
	commandDuration = m
}

func recordCommand(ctx context.Context, name string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	commandDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(),
		metric.WithAttributeSet(commonAttributes),
		metric.WithAttributes(attribute.String("command", name), attribute.String("result", result)))
}
