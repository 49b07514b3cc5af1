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
	"errors"
	"fmt"
)

// Sentinels for the spill error taxonomy. Use errors.Is to test an error
// returned by the Manager, and errors.As with *Error for details.
var (
	// ErrSpillTimeout means a retryable failure persisted until the retry
	// budget or the overall timeout ran out.
	ErrSpillTimeout = errors.New("spill timeout")
	// ErrSpillFatal means a non-transient failure such as rejected
	// credentials or a missing bucket. No retry was attempted.
	ErrSpillFatal = errors.New("spill fatal")
	// ErrSpillCorrupt means restored data failed an integrity check.
	ErrSpillCorrupt = errors.New("spill corrupt")
)

// errObjectNotFound is returned by targets when a key does not exist.
var errObjectNotFound = errors.New("object not found")

// Kind classifies a spill failure.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindFatal
	KindCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	case KindCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Error is the error type returned by Manager operations.
type Error struct {
	Kind     Kind
	Op       string
	Key      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("spill %s: %s %s after %d attempt(s): %v", e.Kind, e.Op, e.Key, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindTimeout:
		return target == ErrSpillTimeout
	case KindFatal:
		return target == ErrSpillFatal
	case KindCorrupt:
		return target == ErrSpillCorrupt
	}
	return false
}

func corruptf(op, key string, format string, args ...any) *Error {
	return &Error{Kind: KindCorrupt, Op: op, Key: key, Attempts: 1, Err: fmt.Errorf(format, args...)}
}
