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
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Manager hands out blob clients, one per account and auth mode.
type Manager struct {
	sync.RWMutex
	baseCred    azcore.TokenCredential
	blobClients map[blobClientKey]*BlobClient
	tracer      trace.Tracer
}

// NewManager creates a Manager. The default Azure credential chain is
// resolved lazily the first time a client without a shared key is needed.
func NewManager(_ context.Context) *Manager {
	return &Manager{
		blobClients: make(map[blobClientKey]*BlobClient),
		tracer:      otel.Tracer("github.com/cardinalhq/emsqrt/internal/azureclient"),
	}
}

func (m *Manager) credential() (azcore.TokenCredential, error) {
	if m.baseCred != nil {
		return m.baseCred, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("loading Azure credentials: %w", err)
	}
	m.baseCred = cred
	return cred, nil
}

func (m *Manager) GetBlob(_ context.Context, opts ...BlobOption) (*BlobClient, error) {
	bc := blobConfig{}
	for _, o := range opts {
		o(&bc)
	}

	if bc.StorageAccount == "" {
		return nil, fmt.Errorf("storage account is required")
	}

	key := blobClientKey{
		StorageAccount: bc.StorageAccount,
		Endpoint:       bc.endpoint(),
		SharedKey:      bc.SharedKey != "",
		NoRetries:      bc.NoRetries,
	}
	m.RLock()
	client, ok := m.blobClients[key]
	m.RUnlock()
	if ok {
		return client, nil
	}

	m.Lock()
	defer m.Unlock()
	if client, ok = m.blobClients[key]; ok {
		return client, nil
	}

	var (
		blobClient *azblob.Client
		err        error
	)
	if bc.SharedKey != "" {
		sk, kerr := azblob.NewSharedKeyCredential(bc.StorageAccount, bc.SharedKey)
		if kerr != nil {
			return nil, fmt.Errorf("invalid shared key for account %s: %w", bc.StorageAccount, kerr)
		}
		blobClient, err = azblob.NewClientWithSharedKeyCredential(key.Endpoint, sk, bc.clientOptions())
	} else {
		cred, cerr := m.credential()
		if cerr != nil {
			return nil, cerr
		}
		blobClient, err = azblob.NewClient(key.Endpoint, cred, bc.clientOptions())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	client = &BlobClient{
		Client:  blobClient,
		Account: bc.StorageAccount,
		Tracer:  m.tracer,
	}
	m.blobClients[key] = client
	return client, nil
}
