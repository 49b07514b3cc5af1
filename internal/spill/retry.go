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
	"time"
)

// RetryPolicy bounds how long the Manager keeps retrying a transient
// failure.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int
	// InitialBackoff is the wait after the first failure. It doubles after
	// every further failure, capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds the whole operation including waits. Zero disables it.
	Timeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 200ms doubling to 5s, 30s overall.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Timeout:        30 * time.Second,
	}
}

// Clock abstracts time for the retry state machine.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// retryState is the explicit state of one retried operation: how many
// attempts were made, the next delay, and the overall deadline.
type retryState struct {
	policy   RetryPolicy
	clock    Clock
	attempts int
	delay    time.Duration
	deadline time.Time
}

func newRetryState(p RetryPolicy, clock Clock) *retryState {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	s := &retryState{policy: p, clock: clock, delay: p.InitialBackoff}
	if p.Timeout > 0 {
		s.deadline = clock.Now().Add(p.Timeout)
	}
	return s
}

// begin records the start of an attempt and returns a context bounded by
// the remaining overall time.
func (s *retryState) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	s.attempts++
	if s.deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.deadline.Sub(s.clock.Now()))
}

// expired reports whether the overall deadline has passed.
func (s *retryState) expired() bool {
	return !s.deadline.IsZero() && !s.clock.Now().Before(s.deadline)
}

// next returns the wait before the following attempt, or false when the
// attempt budget is spent or the wait would end at or past the deadline.
func (s *retryState) next() (time.Duration, bool) {
	if s.attempts >= s.policy.MaxAttempts {
		return 0, false
	}
	wait := s.delay
	s.delay *= 2
	if s.delay > s.policy.MaxBackoff {
		s.delay = s.policy.MaxBackoff
	}
	if !s.deadline.IsZero() && !s.clock.Now().Add(wait).Before(s.deadline) {
		return 0, false
	}
	return wait, true
}
