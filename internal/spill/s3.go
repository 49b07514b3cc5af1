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
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/emsqrt/internal/awsclient"
)

// ObjectAPI is the subset of the S3 client used by S3Target.
type ObjectAPI interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Target stores segments in an S3 bucket, an S3-compatible store, or GCS
// through its XML interoperability endpoint.
type S3Target struct {
	api      ObjectAPI
	uploader *manager.Uploader
	bucket   string
	prefix   string
	kind     string
}

var _ Target = (*S3Target)(nil)

const gcsEndpoint = "https://storage.googleapis.com"

// NewS3Target builds an S3 client from cfg and wraps it. SDK-level retries
// are disabled; the Manager owns retry policy.
func NewS3Target(ctx context.Context, loc Location, cfg TargetConfig) (*S3Target, error) {
	opts := []awsclient.S3Option{awsclient.WithoutRetries()}
	if cfg.Region != "" {
		opts = append(opts, awsclient.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsclient.WithStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken))
	}
	endpoint := cfg.Endpoint
	kind := "s3"
	if loc.Scheme == "gs" {
		kind = "gcs"
		if endpoint == "" {
			endpoint = gcsEndpoint
		}
		if cfg.Region == "" {
			opts = append(opts, awsclient.WithRegion("auto"))
		}
		opts = append(opts, awsclient.WithGCPProvider())
	}
	if endpoint != "" {
		opts = append(opts, awsclient.WithEndpoint(endpoint))
	}
	if cfg.UsePathStyle {
		opts = append(opts, awsclient.WithPathStyle())
	}

	client, err := awsclient.NewS3Client(ctx, opts...)
	if err != nil {
		return nil, err
	}
	t := NewS3TargetWithAPI(client.Client, loc.Bucket, loc.Prefix)
	t.kind = kind
	return t, nil
}

// NewS3TargetWithAPI wraps an existing client. Tests pass a fake here.
func NewS3TargetWithAPI(api ObjectAPI, bucket, prefix string) *S3Target {
	return &S3Target{
		api: api,
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.Concurrency = 1
			u.PartSize = 8 * 1024 * 1024
		}),
		bucket: bucket,
		prefix: prefix,
		kind:   "s3",
	}
}

func (t *S3Target) Kind() string { return t.kind }

func (t *S3Target) Put(ctx context.Context, key string, data []byte) error {
	objectKey := joinKey(t.prefix, key)
	ctx, span := tracer.Start(ctx, "spill.s3.put", trace.WithAttributes(
		attribute.String("bucket", t.bucket),
		attribute.String("key", objectKey),
		attribute.Int("bytes", len(data)),
	))
	defer span.End()

	_, err := t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"writer": "emsqrt",
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return fmt.Errorf("upload s3://%s/%s: %w", t.bucket, objectKey, err)
	}
	return nil
}

func (t *S3Target) Get(ctx context.Context, key string) ([]byte, error) {
	objectKey := joinKey(t.prefix, key)
	ctx, span := tracer.Start(ctx, "spill.s3.get", trace.WithAttributes(
		attribute.String("bucket", t.bucket),
		attribute.String("key", objectKey),
	))
	defer span.End()

	out, err := t.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		span.RecordError(err)
		if s3NotFound(err) {
			return nil, fmt.Errorf("s3://%s/%s: %w", t.bucket, objectKey, errObjectNotFound)
		}
		return nil, fmt.Errorf("download s3://%s/%s: %w", t.bucket, objectKey, err)
	}
	defer func() { _ = out.Body.Close() }()

	var buf bytes.Buffer
	if n := aws.ToInt64(out.ContentLength); n > 0 {
		buf.Grow(int(n))
	}
	if _, err := io.Copy(&buf, out.Body); err != nil {
		span.RecordError(err)
		// A body cut short mid-stream is a network failure.
		return nil, Transient(fmt.Errorf("read s3://%s/%s: %w", t.bucket, objectKey, err))
	}
	return buf.Bytes(), nil
}

func (t *S3Target) Delete(ctx context.Context, key string) error {
	objectKey := joinKey(t.prefix, key)
	ctx, span := tracer.Start(ctx, "spill.s3.delete", trace.WithAttributes(
		attribute.String("bucket", t.bucket),
		attribute.String("key", objectKey),
	))
	defer span.End()

	_, err := t.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil && !s3NotFound(err) {
		span.RecordError(err)
		return fmt.Errorf("delete s3://%s/%s: %w", t.bucket, objectKey, err)
	}
	return nil
}

func s3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
