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

package spill

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("github.com/cardinalhq/emsqrt/internal/spill")

	operationCounter metric.Int64Counter
	bytesCounter     metric.Int64Counter
	retryCounter     metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/emsqrt/internal/spill")

	var err error
	operationCounter, err = meter.Int64Counter(
		"emsqrt.spill.operations",
		metric.WithDescription("Spill manager operations by op and result"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create spill.operations counter: %w", err))
	}

	bytesCounter, err = meter.Int64Counter(
		"emsqrt.spill.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Bytes moved to and from spill targets"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create spill.bytes counter: %w", err))
	}

	retryCounter, err = meter.Int64Counter(
		"emsqrt.spill.retries",
		metric.WithDescription("Transient spill failures that were retried"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create spill.retries counter: %w", err))
	}
}
