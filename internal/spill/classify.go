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
	"io"
	"net"
	"syscall"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// transientCodes are service error codes worth retrying.
var transientCodes = map[string]bool{
	"SlowDown":                               true,
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"RequestThrottled":                       true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"RequestTimeTooSkewed":                   true,
	"InternalError":                          true,
	"ServiceUnavailable":                     true,
	"ServerBusy":                             true,
	"OperationTimedOut":                      true,
	"EC2ThrottledException":                  true,
	"BandwidthLimitExceeded":                 true,
	"PriorRequestNotComplete":                true,
	"TransientError":                         true,
	"IDPCommunicationError":                  true,
	"ProvisionedThroughputExceededException": true,
}

// fatalCodes are never retried even when the HTTP status looks transient.
var fatalCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
	"AuthenticationFailed":  true,
	"AuthorizationFailure":  true,
	"ContainerNotFound":     true,
	"AccountIsDisabled":     true,
	"InvalidBucketName":     true,
}

// transientError marks an error as retryable regardless of its type.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the Manager retries it. Targets and tests use it
// for failures that carry no service code.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// isTransient reports whether a failed attempt should be retried.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errObjectNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	// A per-attempt deadline expiring is retryable; the overall deadline is
	// enforced by the retry state.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if fatalCodes[code] {
			return false
		}
		if transientCodes[code] {
			return true
		}
	}
	var azErr *azcore.ResponseError
	if errors.As(err, &azErr) {
		if fatalCodes[azErr.ErrorCode] {
			return false
		}
		if transientCodes[azErr.ErrorCode] {
			return true
		}
		return retryableStatus(azErr.StatusCode)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return retryableStatus(respErr.HTTPStatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN)
}

func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}
