package cluster

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "spotter:presence:"
	presenceTTL       = 24 * time.Hour
)

// PresenceMirror publishes this instance's per-user connection counts to Redis
// so any instance can tell whether a user is connected somewhere.
type PresenceMirror struct {
	rdb        redis.UniversalClient
	instanceID string
}

// NewPresenceMirror creates a mirror for instanceID.
func NewPresenceMirror(rdb redis.UniversalClient, instanceID string) *PresenceMirror {
	return &PresenceMirror{rdb: rdb, instanceID: instanceID}
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

// Record stores the user's connection count on this instance. Zero removes the entry.
func (m *PresenceMirror) Record(ctx context.Context, userID string, connections int) error {
	key := presenceKey(userID)
	if connections <= 0 {
		if err := m.rdb.HDel(ctx, key, m.instanceID).Err(); err != nil {
			return fmt.Errorf("clear presence %s: %w", userID, err)
		}
		return nil
	}

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, m.instanceID, connections)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record presence %s: %w", userID, err)
	}
	return nil
}

// IsOnline reports whether any instance holds a connection for the user.
func (m *PresenceMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	counts, err := m.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("read presence %s: %w", userID, err)
	}
	for _, v := range counts {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Clear removes this instance's entries for the given users, typically at shutdown.
func (m *PresenceMirror) Clear(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := m.rdb.Pipeline()
	for _, id := range userIDs {
		pipe.HDel(ctx, presenceKey(id), m.instanceID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	return nil
}
