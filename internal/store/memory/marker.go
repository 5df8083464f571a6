package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Marker tracks unresolved consent writes in process memory.
type Marker struct {
	mu      sync.Mutex
	pending map[consentKey]struct{}
}

// NewMarker returns an empty marker.
func NewMarker() *Marker {
	return &Marker{pending: make(map[consentKey]struct{})}
}

func (m *Marker) Mark(ctx context.Context, userID uuid.UUID, ch model.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[consentKey{userID, ch}] = struct{}{}
	return nil
}

func (m *Marker) Clear(ctx context.Context, userID uuid.UUID, ch model.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, consentKey{userID, ch})
	return nil
}

func (m *Marker) Blocked(ctx context.Context, userID uuid.UUID, ch model.Channel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[consentKey{userID, ch}]
	return ok, nil
}
