package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// ConsentMarker flags (user, channel) pairs whose last consent write did
// not complete. Keys have no TTL: only a successful write clears them.
type ConsentMarker struct {
	client *Client
	logger *zap.Logger
}

// NewConsentMarker creates a marker.
func NewConsentMarker(client *Client, logger *zap.Logger) *ConsentMarker {
	return &ConsentMarker{client: client, logger: logger}
}

func markerKey(userID uuid.UUID, ch model.Channel) string {
	return fmt.Sprintf("gatekeeper:consent:unresolved:%s:%s", userID, ch)
}

// Mark flags the pair.
func (m *ConsentMarker) Mark(ctx context.Context, userID uuid.UUID, ch model.Channel) error {
	if err := m.client.rdb.Set(ctx, markerKey(userID, ch), "1", 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	m.logger.Warn("consent write unresolved, channel blocked",
		zap.String("user_id", userID.String()),
		zap.String("channel", string(ch)),
	)
	return nil
}

// Clear removes the flag.
func (m *ConsentMarker) Clear(ctx context.Context, userID uuid.UUID, ch model.Channel) error {
	if err := m.client.rdb.Del(ctx, markerKey(userID, ch)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Blocked reports whether the pair is flagged. Callers treat an error as
// blocked.
func (m *ConsentMarker) Blocked(ctx context.Context, userID uuid.UUID, ch model.Channel) (bool, error) {
	n, err := m.client.rdb.Exists(ctx, markerKey(userID, ch)).Result()
	if err != nil {
		return true, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}
