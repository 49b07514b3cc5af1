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
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlobs() map[string][]byte {
	rng := rand.New(rand.NewPCG(1, 2))
	random := make([]byte, 64*1024)
	for i := range random {
		random[i] = byte(rng.UintN(256))
	}
	return map[string][]byte{
		"empty":        {},
		"small":        []byte("hello spill"),
		"compressible": bytes.Repeat([]byte("abcdefgh"), 32*1024),
		"random":       random,
	}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		Timeout:        time.Minute,
	}
}

func TestManagerRoundTrip(t *testing.T) {
	targets := map[string]func(t *testing.T) Target{
		"local": func(t *testing.T) Target {
			lt, err := NewLocalTarget(t.TempDir())
			require.NoError(t, err)
			return lt
		},
		"s3": func(t *testing.T) Target {
			return NewS3TargetWithAPI(newFakeS3(), "bucket", "spill/prefix")
		},
	}

	for targetName, mk := range targets {
		for _, codec := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
			t.Run(targetName+"/"+codec.String(), func(t *testing.T) {
				ctx := context.Background()
				m := NewManager(mk(t), WithCodec(codec), WithClock(newFakeClock()), WithRetryPolicy(fastPolicy()))
				defer func() { require.NoError(t, m.Close(ctx)) }()

				for name, data := range testBlobs() {
					h, err := m.Spill(ctx, data)
					require.NoError(t, err, name)
					assert.Equal(t, len(data), h.Size(), name)

					got, err := m.Restore(ctx, h)
					require.NoError(t, err, name)
					assert.True(t, bytes.Equal(data, got), name)

					require.NoError(t, m.Delete(ctx, h), name)
				}
				assert.Equal(t, 0, m.Outstanding())
				assert.EqualValues(t, len(testBlobs()), m.Stats().Spills)
			})
		}
	}
}

func TestManagerCompressesCompressibleData(t *testing.T) {
	ctx := context.Background()
	lt, err := NewLocalTarget(t.TempDir())
	require.NoError(t, err)
	m := NewManager(lt, WithCodec(CodecZstd))
	defer func() { _ = m.Close(ctx) }()

	data := bytes.Repeat([]byte("0123456789"), 10000)
	h, err := m.Spill(ctx, data)
	require.NoError(t, err)
	assert.Less(t, h.StoredSize(), len(data)/10)
}

func TestManagerDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	m := NewManager(NewS3TargetWithAPI(fake, "bucket", ""), WithClock(newFakeClock()))

	h, err := m.Spill(ctx, []byte("payload"))
	require.NoError(t, err)
	require.Len(t, fake.keys(), 1)

	require.NoError(t, m.Delete(ctx, h))
	require.NoError(t, m.Delete(ctx, h))
	assert.Empty(t, fake.keys())
	assert.Equal(t, 0, m.Outstanding())
	assert.EqualValues(t, 1, m.Stats().Deletes)

	require.NoError(t, m.Delete(ctx, Handle{}))
}

func TestManagerDeleteWhenObjectAlreadyGone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	lt, err := NewLocalTarget(dir)
	require.NoError(t, err)
	m := NewManager(lt)

	h, err := m.Spill(ctx, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, filepath.FromSlash(h.Key()))))

	require.NoError(t, m.Delete(ctx, h))
	assert.Equal(t, 0, m.Outstanding())
	require.NoError(t, m.Close(ctx))
}

func TestManagerRetriesThrottlingThenSucceeds(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.putErrs = []error{apiError("SlowDown"), apiError("Throttling")}
	m := NewManager(NewS3TargetWithAPI(fake, "bucket", ""),
		WithClock(newFakeClock()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, Timeout: time.Minute}))

	h, err := m.Spill(ctx, []byte("third time lucky"))
	require.NoError(t, err)
	assert.Equal(t, 3, fake.putCalls)
	assert.EqualValues(t, 2, m.Stats().Retries)

	got, err := m.Restore(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", string(got))
	require.NoError(t, m.Close(ctx))
}

func TestManagerExhaustedAttemptsIsTimeout(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.putErrs = []error{apiError("SlowDown"), apiError("SlowDown"), apiError("SlowDown")}
	m := NewManager(NewS3TargetWithAPI(fake, "bucket", ""), WithClock(newFakeClock()), WithRetryPolicy(fastPolicy()))

	_, err := m.Spill(ctx, []byte("never lands"))
	require.ErrorIs(t, err, ErrSpillTimeout)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 3, serr.Attempts)
	assert.Equal(t, "spill", serr.Op)
}

func TestManagerTimeoutLeavesNoObject(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.putThenFail = true
	m := NewManager(NewS3TargetWithAPI(fake, "bucket", "runs"),
		WithClock(newFakeClock()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: time.Second, Timeout: 2500 * time.Millisecond}))

	h, err := m.Spill(ctx, []byte("doomed"))
	require.ErrorIs(t, err, ErrSpillTimeout)
	assert.True(t, h.IsZero())
	assert.Equal(t, 3, fake.putCalls)
	assert.Empty(t, fake.keys())
	assert.Equal(t, 0, m.Outstanding())
	require.NoError(t, m.Close(ctx))
}

func TestManagerFatalErrorsAreNotRetried(t *testing.T) {
	for _, code := range []string{"AccessDenied", "NoSuchBucket", "InvalidAccessKeyId"} {
		t.Run(code, func(t *testing.T) {
			fake := newFakeS3()
			fake.putErrs = []error{apiError(code)}
			m := NewManager(NewS3TargetWithAPI(fake, "bucket", ""), WithClock(newFakeClock()), WithRetryPolicy(fastPolicy()))

			_, err := m.Spill(context.Background(), []byte("x"))
			require.ErrorIs(t, err, ErrSpillFatal)
			assert.NotErrorIs(t, err, ErrSpillTimeout)
			assert.Equal(t, 1, fake.putCalls)
		})
	}
}

func TestManagerRestoreRetriesTransientReads(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	m := NewManager(NewS3TargetWithAPI(fake, "bucket", ""), WithClock(newFakeClock()), WithRetryPolicy(fastPolicy()))

	h, err := m.Spill(ctx, []byte("read me"))
	require.NoError(t, err)

	fake.getErrs = []error{&azcore.ResponseError{StatusCode: 503}, apiError("InternalError")}
	got, err := m.Restore(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "read me", string(got))
	assert.Equal(t, 3, fake.getCalls)
}

func TestManagerCancellationAbandonsRetries(t *testing.T) {
	fake := newFakeS3()
	fake.putErrs = []error{apiError("SlowDown")}
	m := NewManager(NewS3TargetWithAPI(fake, "bucket", ""),
		WithClock(&stuckClock{}),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := m.Spill(ctx, []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrSpillTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, fake.keys())
}

func TestManagerDetectsCorruption(t *testing.T) {
	damage := map[string]func(t *testing.T, path string){
		"flipped byte": func(t *testing.T, path string) {
			b, err := os.ReadFile(path)
			require.NoError(t, err)
			b[len(b)-1] ^= 0xff
			require.NoError(t, os.WriteFile(path, b, 0o644))
		},
		"truncated": func(t *testing.T, path string) {
			b, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, b[:len(b)-3], 0o644))
		},
		"bad magic": func(t *testing.T, path string) {
			b, err := os.ReadFile(path)
			require.NoError(t, err)
			copy(b, "XXXX")
			require.NoError(t, os.WriteFile(path, b, 0o644))
		},
		"missing": func(t *testing.T, path string) {
			require.NoError(t, os.Remove(path))
		},
	}

	for name, fn := range damage {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			lt, err := NewLocalTarget(dir)
			require.NoError(t, err)
			m := NewManager(lt, WithCodec(CodecNone))
			defer func() { _ = m.Close(ctx) }()

			h, err := m.Spill(ctx, []byte("some rows that will be damaged on disk"))
			require.NoError(t, err)
			fn(t, filepath.Join(dir, filepath.FromSlash(h.Key())))

			_, err = m.Restore(ctx, h)
			require.ErrorIs(t, err, ErrSpillCorrupt)
		})
	}
}

func TestManagerCloseRemovesEverything(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	lt, err := NewLocalTarget(dir)
	require.NoError(t, err)
	m := NewManager(lt, WithRunID("run-test"))

	var handles []Handle
	for range 3 {
		h, err := m.Spill(ctx, []byte("segment"))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.NoError(t, m.Delete(ctx, handles[0]))
	assert.Equal(t, 2, m.Outstanding())

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 0, m.Outstanding())
	assert.NoDirExists(t, filepath.Join(dir, "run-test"))

	_, err = m.Spill(ctx, []byte("late"))
	require.ErrorIs(t, err, ErrSpillFatal)
	require.NoError(t, m.Close(ctx))
}

func TestManagerRestoreAfterDeleteIsCorrupt(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewS3TargetWithAPI(newFakeS3(), "bucket", ""))
	h, err := m.Spill(ctx, []byte("gone"))
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, h))

	_, err = m.Restore(ctx, h)
	require.ErrorIs(t, err, ErrSpillCorrupt)
}
