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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type S3Client struct {
	Client *s3.Client
	Tracer trace.Tracer
}

type s3Config struct {
	Region       string
	Credentials  aws.CredentialsProvider
	applyConfigs []func(*aws.Config)
	applyS3s     []func(*s3.Options)
}

// S3Option is a functional option for NewS3Client.
type S3Option func(*s3Config)

// WithRegion overrides the region from the environment.
func WithRegion(region string) S3Option {
	return func(c *s3Config) {
		c.Region = region
	}
}

// WithStaticCredentials uses explicit keys instead of the default
// credential chain. sessionToken may be empty.
func WithStaticCredentials(accessKeyID, secretAccessKey, sessionToken string) S3Option {
	return func(c *s3Config) {
		c.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken))
	}
}

// WithEndpoint forces a custom S3 endpoint (eg MinIO, Ceph, GCS interop).
func WithEndpoint(url string) S3Option {
	return func(c *s3Config) {
		c.applyS3s = append(c.applyS3s, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(url)
		})
	}
}

// WithPathStyle uses path-style addressing instead of virtual-host.
func WithPathStyle() S3Option {
	return func(c *s3Config) {
		c.applyS3s = append(c.applyS3s, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
}

// WithoutRetries makes every SDK call a single attempt.
func WithoutRetries() S3Option {
	return func(c *s3Config) {
		c.applyConfigs = append(c.applyConfigs, func(cfg *aws.Config) {
			cfg.Retryer = func() aws.Retryer { return aws.NopRetryer{} }
		})
	}
}

// WithGCPProvider adjusts checksum and signing behavior for the GCS XML API.
func WithGCPProvider() S3Option {
	return func(c *s3Config) {
		c.applyConfigs = append(c.applyConfigs, func(cfg *aws.Config) {
			cfg.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			cfg.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
		c.applyS3s = append(c.applyS3s, SignForGCP)
	}
}

// NewS3Client loads the default AWS configuration, applies opts, and
// returns an instrumented client.
func NewS3Client(ctx context.Context, opts ...S3Option) (*S3Client, error) {
	sc := s3Config{}
	for _, o := range opts {
		o(&sc)
	}

	var loadOpts []func(*config.LoadOptions) error
	if sc.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(sc.Region))
	}
	if sc.Credentials != nil {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(sc.Credentials))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	for _, fn := range sc.applyConfigs {
		fn(&cfg)
	}

	return &S3Client{
		Client: s3.NewFromConfig(cfg, sc.applyS3s...),
		Tracer: otel.Tracer("github.com/cardinalhq/emsqrt/internal/awsclient"),
	}, nil
}
