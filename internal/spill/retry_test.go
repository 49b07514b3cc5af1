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
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func awsResponseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New("boom"),
		},
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("disk on fire"), false},
		{"slow down", apiError("SlowDown"), true},
		{"throttling", fmt.Errorf("wrapped: %w", apiError("ThrottlingException")), true},
		{"access denied", apiError("AccessDenied"), false},
		{"no such bucket", apiError("NoSuchBucket"), false},
		{"not found", fmt.Errorf("k: %w", errObjectNotFound), false},
		{"cancelled", context.Canceled, false},
		{"attempt deadline", context.DeadlineExceeded, true},
		{"explicit transient", Transient(errors.New("flaky")), true},
		{"azure 503", &azcore.ResponseError{StatusCode: 503}, true},
		{"azure 429", &azcore.ResponseError{StatusCode: 429}, true},
		{"azure auth", &azcore.ResponseError{StatusCode: 403, ErrorCode: "AuthenticationFailed"}, false},
		{"azure server busy", &azcore.ResponseError{StatusCode: 400, ErrorCode: "ServerBusy"}, true},
		{"azure container missing", &azcore.ResponseError{StatusCode: 404, ErrorCode: "ContainerNotFound"}, false},
		{"aws 500", awsResponseError(500), true},
		{"aws 403", awsResponseError(403), false},
		{"net timeout", &net.OpError{Op: "read", Err: syscall.ETIMEDOUT}, true},
		{"conn reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
	assert.Nil(t, Transient(nil))
}

func TestRetryStateBackoffSchedule(t *testing.T) {
	clock := newFakeClock()
	st := newRetryState(RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Timeout:        time.Minute,
	}, clock)

	var waits []time.Duration
	for {
		_, cancel := st.begin(context.Background())
		cancel()
		wait, ok := st.next()
		if !ok {
			break
		}
		waits = append(waits, wait)
		<-clock.After(wait)
	}
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, waits)
	assert.Equal(t, 5, st.attempts)
	assert.False(t, st.expired())
}

func TestRetryStateStopsAtDeadline(t *testing.T) {
	clock := newFakeClock()
	st := newRetryState(RetryPolicy{
		MaxAttempts:    100,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		Timeout:        3 * time.Second,
	}, clock)

	for range 2 {
		_, cancel := st.begin(context.Background())
		cancel()
		wait, ok := st.next()
		require.True(t, ok)
		<-clock.After(wait)
	}
	_, cancel := st.begin(context.Background())
	cancel()
	_, ok := st.next()
	assert.False(t, ok)
	assert.Equal(t, 3, st.attempts)

	<-clock.After(time.Second)
	assert.True(t, st.expired())
}

func TestRetryStateAttemptContextBoundedByDeadline(t *testing.T) {
	clock := newFakeClock()
	st := newRetryState(RetryPolicy{MaxAttempts: 1, Timeout: 2 * time.Second}, clock)
	ctx, cancel := st.begin(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
}

func TestRetryStateNormalizesPolicy(t *testing.T) {
	st := newRetryState(RetryPolicy{}, newFakeClock())
	_, cancel := st.begin(context.Background())
	cancel()
	_, ok := st.next()
	assert.False(t, ok)
	assert.False(t, st.expired())
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 5*time.Second, p.MaxBackoff)
	assert.Equal(t, 30*time.Second, p.Timeout)
}
