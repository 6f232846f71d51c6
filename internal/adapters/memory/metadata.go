package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
)

type MetadataStore struct {
	mu   sync.Mutex
	docs map[uuid.UUID]domain.AssetMetadata
	Err  error
}

func NewMetadataStore() *MetadataStore {
	return &MetadataStore{docs: map[uuid.UUID]domain.AssetMetadata{}}
}

func (m *MetadataStore) PutAssetMetadata(_ context.Context, md domain.AssetMetadata) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.docs[md.OrderID] = md
	return "meta-" + md.OrderID.String(), nil
}

func (m *MetadataStore) Get(orderID uuid.UUID) (domain.AssetMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.docs[orderID]
	return md, ok
}
