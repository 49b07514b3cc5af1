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
	"context"
	"errors"
	"fmt"
	"sync"
)

var errReleased = errors.New("reservation already released")

// Reservation is a scoped claim on part of a Budget. Holders release it on
// every exit path, typically with defer. Release is idempotent.
type Reservation struct {
	budget *Budget
	tag    string

	mu       sync.Mutex
	bytes    int64
	released bool
}

// Bytes returns the number of bytes currently held.
func (r *Reservation) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Tag returns the label the reservation was created with.
func (r *Reservation) Tag() string { return r.tag }

// Budget returns the budget the reservation draws from.
func (r *Reservation) Budget() *Budget { return r.budget }

// Grow adds n bytes without waiting.
func (r *Reservation) Grow(n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return errReleased
	}
	if err := r.budget.tryReserve(n, r.tag); err != nil {
		return err
	}
	r.bytes += n
	return nil
}

// GrowWait adds n bytes, waiting for capacity like Budget.Reserve.
func (r *Reservation) GrowWait(ctx context.Context, n int64) error {
	if r.isReleased() {
		return errReleased
	}
	// The wait happens outside r.mu so Bytes and Shrink stay responsive.
	if err := r.budget.reserveWait(ctx, n, r.tag); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		r.budget.release(n)
		return errReleased
	}
	r.bytes += n
	return nil
}

// Shrink returns up to n bytes to the budget.
func (r *Reservation) Shrink(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.bytes {
		n = r.bytes
	}
	if n <= 0 {
		return
	}
	r.bytes -= n
	r.budget.release(n)
}

// Split moves n bytes into a new reservation. The budget counter does not
// change, so Split never waits and never fails for lack of capacity.
func (r *Reservation) Split(n int64) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, errReleased
	}
	if n < 0 || n > r.bytes {
		return nil, fmt.Errorf("cannot split %d bytes from %s reservation holding %d", n, r.tag, r.bytes)
	}
	r.bytes -= n
	return &Reservation{budget: r.budget, tag: r.tag, bytes: n}, nil
}

// Merge moves all bytes held by other into r and marks other released.
func (r *Reservation) Merge(other *Reservation) error {
	if other == nil || other == r {
		return nil
	}
	if other.budget != r.budget {
		return errors.New("cannot merge reservations from different budgets")
	}
	other.mu.Lock()
	n := other.bytes
	wasReleased := other.released
	other.bytes = 0
	other.released = true
	other.mu.Unlock()
	if wasReleased {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		r.budget.release(n)
		return errReleased
	}
	r.bytes += n
	return nil
}

// Release returns every held byte to the budget.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	n := r.bytes
	r.bytes = 0
	r.budget.release(n)
}

func (r *Reservation) isReleased() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}
