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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/cardinalhq/emsqrt/internal/idgen"
	"github.com/cardinalhq/emsqrt/internal/logctx"
)

// cleanupTimeout bounds best-effort deletes that run after the caller's
// context is gone.
const cleanupTimeout = 10 * time.Second

// Handle identifies one persisted segment. The zero Handle is invalid.
type Handle struct {
	key    string
	size   int
	stored int
}

// Key is the target-relative object key.
func (h Handle) Key() string { return h.key }

// Size is the length of the data passed to Spill.
func (h Handle) Size() int { return h.size }

// StoredSize is the length of the persisted segment.
func (h Handle) StoredSize() int { return h.stored }

func (h Handle) IsZero() bool { return h.key == "" }

// Stats summarizes a Manager's activity.
type Stats struct {
	Spills        int64
	Restores      int64
	Deletes       int64
	Retries       int64
	BytesSpilled  int64
	BytesStored   int64
	BytesRestored int64
	Outstanding   int
}

// Manager persists opaque byte blobs to a Target and gets them back. It
// owns retries, integrity checks, and cleanup of everything it wrote. It
// never touches a memory budget; callers release their own reservations
// after a successful Spill.
type Manager struct {
	target Target
	runID  string
	policy RetryPolicy
	codec  Codec
	clock  Clock
	sem    *semaphore.Weighted
	ids    *idgen.ULIDGenerator

	outstanding mapset.Set[string]
	closeOnce   sync.Once
	closed      atomic.Bool
	closeErr    error

	spills, restores, deletes, retries       atomic.Int64
	bytesSpilled, bytesStored, bytesRestored atomic.Int64
}

type Option func(*Manager)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithCodec(c Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithMaxConcurrency bounds concurrent target calls. Values below 1 mean 1.
func WithMaxConcurrency(n int) Option {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.sem = semaphore.NewWeighted(int64(n))
	}
}

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRunID sets the key prefix under which all segments are written.
func WithRunID(id string) Option {
	return func(m *Manager) { m.runID = id }
}

// NewManager wraps target.
func NewManager(target Target, opts ...Option) *Manager {
	m := &Manager{
		target:      target,
		runID:       idgen.NextRunID(),
		policy:      DefaultRetryPolicy(),
		codec:       CodecZstd,
		clock:       realClock{},
		sem:         semaphore.NewWeighted(4),
		ids:         idgen.NewULIDGenerator(),
		outstanding: mapset.NewSet[string](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open builds the target described by cfg and wraps it in a Manager.
func Open(ctx context.Context, cfg TargetConfig, opts ...Option) (*Manager, error) {
	target, err := NewTarget(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpillFatal, err)
	}
	return NewManager(target, opts...), nil
}

func (m *Manager) Target() Target { return m.target }
func (m *Manager) RunID() string  { return m.runID }

var errManagerClosed = errors.New("spill manager is closed")

// Spill persists data and returns a handle for it. On failure nothing
// written by this call is left behind, as far as the target allows.
func (m *Manager) Spill(ctx context.Context, data []byte) (Handle, error) {
	if m.closed.Load() {
		return Handle{}, &Error{Kind: KindFatal, Op: "spill", Err: errManagerClosed}
	}
	frame, err := encodeSegment(m.codec, data)
	if err != nil {
		return Handle{}, &Error{Kind: KindFatal, Op: "spill", Err: err}
	}
	key := path.Join(m.runID, "spill-"+m.ids.Make(m.clock.Now())+".seg")

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return Handle{}, fmt.Errorf("spill %s: %w", key, err)
	}
	defer m.sem.Release(1)

	m.outstanding.Add(key)
	err = m.do(ctx, "spill", key, func(ctx context.Context) error {
		return m.target.Put(ctx, key, frame)
	})
	if err != nil {
		m.discard(ctx, key)
		return Handle{}, err
	}

	m.spills.Add(1)
	m.bytesSpilled.Add(int64(len(data)))
	m.bytesStored.Add(int64(len(frame)))
	bytesCounter.Add(ctx, int64(len(frame)), metric.WithAttributes(
		attribute.String("direction", "write"),
		attribute.String("target", m.target.Kind()),
	))
	return Handle{key: key, size: len(data), stored: len(frame)}, nil
}

// Restore returns the data stored under h.
func (m *Manager) Restore(ctx context.Context, h Handle) ([]byte, error) {
	if h.IsZero() {
		return nil, &Error{Kind: KindFatal, Op: "restore", Err: errors.New("zero handle")}
	}
	if !m.outstanding.Contains(h.key) {
		return nil, corruptf("restore", h.key, "handle was deleted or belongs to another manager")
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("restore %s: %w", h.key, err)
	}
	defer m.sem.Release(1)

	var frame []byte
	err := m.do(ctx, "restore", h.key, func(ctx context.Context) error {
		var err error
		frame, err = m.target.Get(ctx, h.key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(frame) != h.stored {
		return nil, corruptf("restore", h.key, "stored length %d, read back %d", h.stored, len(frame))
	}
	data, err := decodeSegment(frame)
	if err != nil {
		return nil, corruptf("restore", h.key, "%w", err)
	}
	if len(data) != h.size {
		return nil, corruptf("restore", h.key, "spilled %d bytes, restored %d", h.size, len(data))
	}

	m.restores.Add(1)
	m.bytesRestored.Add(int64(len(data)))
	bytesCounter.Add(ctx, int64(len(frame)), metric.WithAttributes(
		attribute.String("direction", "read"),
		attribute.String("target", m.target.Kind()),
	))
	return data, nil
}

// Delete removes the segment behind h. Deleting a handle twice, or one
// whose object is already gone, succeeds.
func (m *Manager) Delete(ctx context.Context, h Handle) error {
	if h.IsZero() || !m.outstanding.Contains(h.key) {
		return nil
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("delete %s: %w", h.key, err)
	}
	defer m.sem.Release(1)
	return m.deleteKey(ctx, h.key)
}

func (m *Manager) deleteKey(ctx context.Context, key string) error {
	err := m.do(ctx, "delete", key, func(ctx context.Context) error {
		return m.target.Delete(ctx, key)
	})
	if err != nil {
		return err
	}
	if m.outstanding.Contains(key) {
		m.outstanding.Remove(key)
		m.deletes.Add(1)
	}
	return nil
}

// discard is the best-effort removal of a key whose Put failed. The
// object may or may not exist; if the delete fails too, the key stays
// outstanding for Close.
func (m *Manager) discard(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := m.target.Delete(ctx, key); err != nil {
		logctx.FromContext(ctx).Warn("Failed to remove partial spill segment",
			slog.String("key", key), slog.Any("error", err))
		return
	}
	m.outstanding.Remove(key)
}

// Outstanding returns the number of segments not yet deleted.
func (m *Manager) Outstanding() int { return m.outstanding.Cardinality() }

func (m *Manager) Stats() Stats {
	return Stats{
		Spills:        m.spills.Load(),
		Restores:      m.restores.Load(),
		Deletes:       m.deletes.Load(),
		Retries:       m.retries.Load(),
		BytesSpilled:  m.bytesSpilled.Load(),
		BytesStored:   m.bytesStored.Load(),
		BytesRestored: m.bytesRestored.Load(),
		Outstanding:   m.Outstanding(),
	}
}

// Close deletes every outstanding segment and the run prefix. It runs
// even if ctx is already cancelled; later calls return the first result.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()

		var merr *multierror.Error
		for _, key := range m.outstanding.ToSlice() {
			if err := m.deleteKey(ctx, key); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if pr, ok := m.target.(prefixRemover); ok && m.outstanding.Cardinality() == 0 {
			if err := pr.RemovePrefix(ctx, m.runID); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		m.closeErr = merr.ErrorOrNil()
		if m.closeErr != nil {
			logctx.FromContext(ctx).Error("Spill cleanup incomplete",
				slog.String("runID", m.runID),
				slog.Int("outstanding", m.outstanding.Cardinality()),
				slog.Any("error", m.closeErr))
		}
	})
	return m.closeErr
}

// do runs fn under the retry policy and classifies the final failure.
func (m *Manager) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	st := newRetryState(m.policy, m.clock)
	for {
		if st.expired() {
			return m.fail(ctx, op, &Error{Kind: KindTimeout, Op: op, Key: key, Attempts: st.attempts,
				Err: fmt.Errorf("retry timeout %s elapsed", m.policy.Timeout)})
		}
		attemptCtx, cancel := st.begin(ctx)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			operationCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("op", op), attribute.String("result", "ok")))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", op, key, ctxErr)
		}
		if !isTransient(err) {
			kind := KindFatal
			if errors.Is(err, errObjectNotFound) {
				kind = KindCorrupt
			}
			return m.fail(ctx, op, &Error{Kind: kind, Op: op, Key: key, Attempts: st.attempts, Err: err})
		}

		wait, ok := st.next()
		if !ok {
			return m.fail(ctx, op, &Error{Kind: KindTimeout, Op: op, Key: key, Attempts: st.attempts, Err: err})
		}
		m.retries.Add(1)
		retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		logctx.FromContext(ctx).Debug("Retrying spill operation",
			slog.String("op", op),
			slog.String("key", key),
			slog.Int("attempt", st.attempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", op, key, ctx.Err())
		case <-m.clock.After(wait):
		}
	}
}

func (m *Manager) fail(ctx context.Context, op string, err *Error) error {
	operationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op), attribute.String("result", err.Kind.String())))
	return err
}
