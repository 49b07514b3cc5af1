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

package awsclient

import (
	"context"
	"fmt"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// GCS rewrites Accept-Encoding in transit, which breaks SigV4 when the
// header is signed. The header is removed before signing and restored
// after.

const acceptEncodingHeader = "Accept-Encoding"

type acceptEncodingKey struct{}

func stashedAcceptEncoding(ctx context.Context) string {
	v, _ := middleware.GetStackValue(ctx, acceptEncodingKey{}).(string)
	return v
}

func finalizeRequest(name string, fn func(ctx context.Context, req *smithyhttp.Request) context.Context) middleware.FinalizeMiddleware {
	return middleware.FinalizeMiddlewareFunc(name,
		func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (middleware.FinalizeOutput, middleware.Metadata, error) {
			req, ok := in.Request.(*smithyhttp.Request)
			if !ok {
				return middleware.FinalizeOutput{}, middleware.Metadata{},
					&v4.SigningError{Err: fmt.Errorf("unexpected request middleware type %T", in.Request)}
			}
			ctx = fn(ctx, req)
			in.Request = req
			return next.HandleFinalize(ctx, in)
		})
}

var dropAcceptEncodingHeader = finalizeRequest("DropAcceptEncodingHeader",
	func(ctx context.Context, req *smithyhttp.Request) context.Context {
		ae := req.Header.Get(acceptEncodingHeader)
		req.Header.Del(acceptEncodingHeader)
		return middleware.WithStackValue(ctx, acceptEncodingKey{}, ae)
	})

var restoreAcceptEncodingHeader = finalizeRequest("RestoreAcceptEncodingHeader",
	func(ctx context.Context, req *smithyhttp.Request) context.Context {
		if ae := stashedAcceptEncoding(ctx); ae != "" {
			req.Header.Set(acceptEncodingHeader, ae)
		}
		return ctx
	})

// SignForGCP installs the header juggling around the signing step.
func SignForGCP(o *s3.Options) {
	o.APIOptions = append(o.APIOptions, func(stack *middleware.Stack) error {
		if err := stack.Finalize.Insert(dropAcceptEncodingHeader, "Signing", middleware.Before); err != nil {
			return err
		}
		return stack.Finalize.Insert(restoreAcceptEncodingHeader, "Signing", middleware.After)
	})
}
