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

package azureclient

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.opentelemetry.io/otel/trace"
)

type BlobClient struct {
	Client  *azblob.Client
	Account string
	Tracer  trace.Tracer
}

type blobConfig struct {
	StorageAccount string
	Endpoint       string
	SharedKey      string
	NoRetries      bool
}

type BlobOption func(*blobConfig)

func WithBlobStorageAccount(storageAccount string) BlobOption {
	return func(c *blobConfig) {
		c.StorageAccount = storageAccount
	}
}

func WithBlobEndpoint(endpoint string) BlobOption {
	return func(c *blobConfig) {
		c.Endpoint = endpoint
	}
}

// WithSharedKey authenticates with the storage account key instead of the
// default Azure credential chain.
func WithSharedKey(key string) BlobOption {
	return func(c *blobConfig) {
		c.SharedKey = key
	}
}

// WithoutRetries turns off the SDK retry policy so the caller owns retries.
func WithoutRetries() BlobOption {
	return func(c *blobConfig) {
		c.NoRetries = true
	}
}

func (c blobConfig) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", c.StorageAccount)
}

func (c blobConfig) clientOptions() *azblob.ClientOptions {
	if !c.NoRetries {
		return nil
	}
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}
}

type blobClientKey struct {
	StorageAccount string
	Endpoint       string
	SharedKey      bool
	NoRetries      bool
}
