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
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3ClientAppliesOptions(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	client, err := NewS3Client(context.Background(),
		WithRegion("us-west-2"),
		WithStaticCredentials("AKID", "SECRET", "TOKEN"),
		WithEndpoint("http://localhost:9000"),
		WithPathStyle(),
		WithoutRetries(),
	)
	require.NoError(t, err)

	opts := client.Client.Options()
	assert.Equal(t, "us-west-2", opts.Region)
	assert.True(t, opts.UsePathStyle)
	require.NotNil(t, opts.BaseEndpoint)
	assert.Equal(t, "http://localhost:9000", *opts.BaseEndpoint)
	assert.Equal(t, 1, opts.Retryer.MaxAttempts())

	creds, err := opts.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID)
	assert.Equal(t, "TOKEN", creds.SessionToken)
}

func TestSignForGCPInsertsAroundSigning(t *testing.T) {
	var o s3.Options
	SignForGCP(&o)
	require.Len(t, o.APIOptions, 1)

	stack := middleware.NewStack("test", nil)
	require.NoError(t, stack.Finalize.Add(middleware.FinalizeMiddlewareFunc("Signing",
		func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (middleware.FinalizeOutput, middleware.Metadata, error) {
			return next.HandleFinalize(ctx, in)
		}), middleware.After))
	require.NoError(t, o.APIOptions[0](stack))

	assert.Equal(t,
		[]string{"DropAcceptEncodingHeader", "Signing", "RestoreAcceptEncodingHeader"},
		stack.Finalize.List())
}
