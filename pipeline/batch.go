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

package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cardinalhq/emsqrt/internal/membudget"
)

// RowBatch is an immutable, reference-counted chunk of rows sharing a
// schema. Its byte size is computed once at construction.
//
// A batch is admitted when it carries a Reservation of exactly ByteSize()
// bytes. The holder of the last reference releases that reservation through
// Release. Rows obtained from a batch must not be modified.
type RowBatch struct {
	schema *Schema
	rows   []Row
	size   int64

	refs atomic.Int32
	res  *membudget.Reservation
}

// NewRowBatch wraps rows in a batch with one reference. The batch takes
// ownership of the slice.
func NewRowBatch(schema *Schema, rows []Row) *RowBatch {
	b := &RowBatch{
		schema: schema,
		rows:   rows,
		size:   RowsSize(rows),
	}
	b.refs.Store(1)
	return b
}

// Schema returns the batch schema.
func (b *RowBatch) Schema() *Schema { return b.schema }

// Len returns the number of rows.
func (b *RowBatch) Len() int { return len(b.rows) }

// Row returns row i.
func (b *RowBatch) Row(i int) Row { return b.rows[i] }

// Rows returns the backing rows. Callers must treat them as read-only.
func (b *RowBatch) Rows() []Row { return b.rows }

// ByteSize returns the accounted size of the batch.
func (b *RowBatch) ByteSize() int64 { return b.size }

// Admitted reports whether the batch holds a reservation.
func (b *RowBatch) Admitted() bool { return b.res != nil }

// Admit attaches a reservation, which must cover exactly ByteSize() bytes.
func (b *RowBatch) Admit(res *membudget.Reservation) error {
	if b.res != nil {
		return fmt.Errorf("batch already admitted")
	}
	if got := res.Bytes(); got != b.size {
		return fmt.Errorf("reservation of %d bytes does not match batch size %d", got, b.size)
	}
	b.res = res
	return nil
}

// Admit reserves ByteSize() bytes from budget, waiting for capacity, and
// attaches the reservation to the batch.
func Admit(ctx context.Context, budget *membudget.Budget, b *RowBatch, tag string) error {
	res, err := budget.Reserve(ctx, b.size, tag)
	if err != nil {
		return err
	}
	if err := b.Admit(res); err != nil {
		res.Release()
		return err
	}
	return nil
}

// Retain adds a reference for fan-out and returns b.
func (b *RowBatch) Retain() *RowBatch {
	if b.refs.Add(1) <= 1 {
		panic("pipeline: Retain on released RowBatch")
	}
	return b
}

// Release drops one reference. Dropping the last one releases the
// batch's reservation.
func (b *RowBatch) Release() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		b.res.Release()
		b.res = nil
	case n < 0:
		panic("pipeline: RowBatch released too many times")
	}
}

// Steal moves the batch's reservation into dst when the caller holds the
// only reference, and drops that reference. It returns false, leaving the
// batch untouched, when the batch is shared or was never admitted.
func (b *RowBatch) Steal(dst *membudget.Reservation) (bool, error) {
	if b.res == nil || !b.refs.CompareAndSwap(1, 0) {
		return false, nil
	}
	res := b.res
	b.res = nil
	if err := dst.Merge(res); err != nil {
		res.Release()
		return true, err
	}
	return true, nil
}
