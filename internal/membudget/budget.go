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

// Package membudget tracks the bytes of live in-memory state for one
// pipeline run and enforces a hard cap on them.
//
// A Budget never performs I/O. Callers that hold spillable state watch
// Pressure() and spill on their own; callers without spillable state use
// TryReserve and handle ErrBudgetExceeded.
package membudget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrBudgetExceeded is returned when a reservation cannot be satisfied.
// Use errors.As with *BudgetError for details.
var ErrBudgetExceeded = errors.New("memory budget exceeded")

// BudgetError describes a failed reservation.
type BudgetError struct {
	Tag       string
	Requested int64
	Used      int64
	Capacity  int64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s: %s requested %d bytes with %d of %d in use",
		ErrBudgetExceeded, e.Tag, e.Requested, e.Used, e.Capacity)
}

func (e *BudgetError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// Budget is the per-run memory accounting structure. All methods are safe
// for concurrent use.
type Budget struct {
	capacity int64
	used     atomic.Int64
	peak     atomic.Int64

	// waiters is written under mu and read without it on the release path.
	waiters  atomic.Int32
	mu       sync.Mutex
	released chan struct{}
	pressure chan struct{}
}

// New creates a budget with the given capacity in bytes.
func New(capacity int64) (*Budget, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("memory budget capacity must be positive, got %d", capacity)
	}
	return &Budget{
		capacity: capacity,
		released: make(chan struct{}),
		pressure: make(chan struct{}),
	}, nil
}

// Capacity returns the fixed capacity in bytes.
func (b *Budget) Capacity() int64 { return b.capacity }

// Used returns the currently reserved bytes.
func (b *Budget) Used() int64 { return b.used.Load() }

// Available returns capacity minus reserved bytes.
func (b *Budget) Available() int64 { return b.capacity - b.used.Load() }

// Peak returns the highest reserved byte count observed.
func (b *Budget) Peak() int64 { return b.peak.Load() }

// NewReservation returns an empty reservation that can be grown later.
func (b *Budget) NewReservation(tag string) *Reservation {
	return &Reservation{budget: b, tag: tag}
}

// TryReserve reserves bytes without waiting. It fails with a *BudgetError
// when the bytes do not fit right now.
func (b *Budget) TryReserve(bytes int64, tag string) (*Reservation, error) {
	if err := b.tryReserve(bytes, tag); err != nil {
		return nil, err
	}
	return &Reservation{budget: b, tag: tag, bytes: bytes}, nil
}

// Reserve reserves bytes, waiting for other holders to release capacity.
// While it waits, Pressure() is closed so that holders of spillable state
// know to spill. A request larger than the whole capacity fails at once.
func (b *Budget) Reserve(ctx context.Context, bytes int64, tag string) (*Reservation, error) {
	if err := b.reserveWait(ctx, bytes, tag); err != nil {
		return nil, err
	}
	return &Reservation{budget: b, tag: tag, bytes: bytes}, nil
}

// Pressure returns a channel that is closed while at least one Reserve call
// is blocked. Once every waiter is satisfied a fresh channel is installed, so
// callers must call Pressure again after each wakeup.
func (b *Budget) Pressure() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pressure
}

func (b *Budget) tryReserve(bytes int64, tag string) error {
	if bytes < 0 {
		return fmt.Errorf("negative reservation %d for %s", bytes, tag)
	}
	if bytes == 0 {
		return nil
	}
	if cur, ok := b.tryAdd(bytes); !ok {
		reserveFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tag", tag)))
		return &BudgetError{Tag: tag, Requested: bytes, Used: cur, Capacity: b.capacity}
	}
	return nil
}

func (b *Budget) reserveWait(ctx context.Context, bytes int64, tag string) error {
	if bytes > b.capacity {
		return b.tryReserve(bytes, tag)
	}
	if err := b.tryReserve(bytes, tag); err == nil || !errors.Is(err, ErrBudgetExceeded) {
		return err
	}

	blockedWaits.Add(ctx, 1, metric.WithAttributes(attribute.String("tag", tag)))
	for {
		ch := b.addWaiter()
		if _, ok := b.tryAdd(bytes); ok {
			b.removeWaiter()
			return nil
		}
		select {
		case <-ctx.Done():
			b.removeWaiter()
			return fmt.Errorf("waiting to reserve %d bytes for %s: %w", bytes, tag, ctx.Err())
		case <-ch:
		}
		b.removeWaiter()
	}
}

// tryAdd is the only path that increases used. The CAS loop guarantees no
// observer sees used above capacity.
func (b *Budget) tryAdd(n int64) (int64, bool) {
	for {
		cur := b.used.Load()
		next := cur + n
		if next > b.capacity {
			return cur, false
		}
		if b.used.CompareAndSwap(cur, next) {
			b.notePeak(next)
			reservedBytes.Add(context.Background(), n)
			return next, true
		}
	}
}

func (b *Budget) notePeak(v int64) {
	for {
		p := b.peak.Load()
		if v <= p || b.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

func (b *Budget) release(n int64) {
	if n <= 0 {
		return
	}
	if v := b.used.Add(-n); v < 0 {
		panic(fmt.Sprintf("membudget: released %d bytes, counter went to %d", n, v))
	}
	reservedBytes.Add(context.Background(), -n)
	if b.waiters.Load() == 0 {
		return
	}
	b.mu.Lock()
	close(b.released)
	b.released = make(chan struct{})
	b.mu.Unlock()
}

func (b *Budget) addWaiter() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiters.Add(1) == 1 {
		close(b.pressure)
	}
	return b.released
}

func (b *Budget) removeWaiter() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiters.Add(-1) == 0 {
		b.pressure = make(chan struct{})
	}
}
