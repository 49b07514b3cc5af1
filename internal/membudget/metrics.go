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

package membudget

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	reservedBytes   metric.Int64UpDownCounter
	reserveFailures metric.Int64Counter
	blockedWaits    metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/emsqrt/internal/membudget")

	var err error
	reservedBytes, err = meter.Int64UpDownCounter(
		"emsqrt.membudget.reserved.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Bytes currently reserved across all memory budgets"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create reserved.bytes counter: %w", err))
	}

	reserveFailures, err = meter.Int64Counter(
		"emsqrt.membudget.reserve.failures",
		metric.WithDescription("Reservations that did not fit in the budget"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create reserve.failures counter: %w", err))
	}

	blockedWaits, err = meter.Int64Counter(
		"emsqrt.membudget.blocked.waits",
		metric.WithDescription("Reservations that had to wait for capacity"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create blocked.waits counter: %w", err))
	}
}
