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
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/emsqrt/internal/azureclient"
)

// BlobAPI is the subset of *azblob.Client used by AzureTarget.
type BlobAPI interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
	DeleteBlob(ctx context.Context, containerName, blobName string, o *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error)
}

// AzureTarget stores segments as block blobs in one container.
type AzureTarget struct {
	api       BlobAPI
	container string
	prefix    string
}

var _ Target = (*AzureTarget)(nil)

// NewAzureTarget resolves a client for loc.Account. A non-empty
// cfg.AzureAccessKey selects shared-key auth; otherwise the default
// credential chain is used.
func NewAzureTarget(ctx context.Context, loc Location, cfg TargetConfig) (*AzureTarget, error) {
	opts := []azureclient.BlobOption{
		azureclient.WithBlobStorageAccount(loc.Account),
		azureclient.WithoutRetries(),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, azureclient.WithBlobEndpoint(cfg.Endpoint))
	}
	if cfg.AzureAccessKey != "" {
		opts = append(opts, azureclient.WithSharedKey(cfg.AzureAccessKey))
	}
	client, err := azureclient.NewManager(ctx).GetBlob(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewAzureTargetWithAPI(client.Client, loc.Bucket, loc.Prefix), nil
}

func NewAzureTargetWithAPI(api BlobAPI, container, prefix string) *AzureTarget {
	return &AzureTarget{api: api, container: container, prefix: prefix}
}

func (t *AzureTarget) Kind() string { return "azure" }

func (t *AzureTarget) Put(ctx context.Context, key string, data []byte) error {
	blobName := joinKey(t.prefix, key)
	ctx, span := tracer.Start(ctx, "spill.azure.put", trace.WithAttributes(
		attribute.String("container", t.container),
		attribute.String("key", blobName),
		attribute.Int("bytes", len(data)),
	))
	defer span.End()

	_, err := t.api.UploadBuffer(ctx, t.container, blobName, data, &azblob.UploadBufferOptions{
		Metadata: map[string]*string{
			"writer": to.Ptr("emsqrt"),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return fmt.Errorf("upload blob %s/%s: %w", t.container, blobName, err)
	}
	return nil
}

func (t *AzureTarget) Get(ctx context.Context, key string) ([]byte, error) {
	blobName := joinKey(t.prefix, key)
	ctx, span := tracer.Start(ctx, "spill.azure.get", trace.WithAttributes(
		attribute.String("container", t.container),
		attribute.String("key", blobName),
	))
	defer span.End()

	resp, err := t.api.DownloadStream(ctx, t.container, blobName, nil)
	if err != nil {
		span.RecordError(err)
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("blob %s/%s: %w", t.container, blobName, errObjectNotFound)
		}
		return nil, fmt.Errorf("download blob %s/%s: %w", t.container, blobName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if resp.ContentLength != nil && *resp.ContentLength > 0 {
		buf.Grow(int(*resp.ContentLength))
	}
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		span.RecordError(err)
		return nil, Transient(fmt.Errorf("read blob %s/%s: %w", t.container, blobName, err))
	}
	return buf.Bytes(), nil
}

func (t *AzureTarget) Delete(ctx context.Context, key string) error {
	blobName := joinKey(t.prefix, key)
	ctx, span := tracer.Start(ctx, "spill.azure.delete", trace.WithAttributes(
		attribute.String("container", t.container),
		attribute.String("key", blobName),
	))
	defer span.End()

	_, err := t.api.DeleteBlob(ctx, t.container, blobName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		span.RecordError(err)
		return fmt.Errorf("delete blob %s/%s: %w", t.container, blobName, err)
	}
	return nil
}
