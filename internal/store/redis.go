// Package store persists order tracking states so a restarted connector
// resumes reconciliation where it stopped.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/orderbridge/internal/metrics"
	"github.com/ajitpratap0/orderbridge/internal/order"
)

// KeyPrefix prefixes every snapshot key
const KeyPrefix = "orderbridge:tracking:"

// snapshotEntry is the stored document
type snapshotEntry struct {
	SchemaVersion string                `json:"schema_version"`
	Connector     string                `json:"connector"`
	SavedAt       time.Time             `json:"saved_at"`
	Orders        []order.TrackingState `json:"orders"`
}

// RedisSnapshotStore keeps one JSON snapshot per connector
type RedisSnapshotStore struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisSnapshotStore creates a snapshot store. A zero ttl keeps
// snapshots until they are overwritten.
func NewRedisSnapshotStore(client *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{
		client:  client,
		ttl:     ttl,
		timeout: 2 * time.Second,
	}
}

// Key returns the snapshot key of a connector
func Key(connector string) string {
	return KeyPrefix + connector
}

// Save replaces the connector's snapshot
func (s *RedisSnapshotStore) Save(ctx context.Context, connector string, states []order.TrackingState) error {
	data, err := json.Marshal(snapshotEntry{
		SchemaVersion: SchemaVersion,
		Connector:     connector,
		SavedAt:       time.Now().UTC(),
		Orders:        states,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tracking states: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	metrics.RecordRedisOperation("set")
	if err := s.client.Set(ctx, Key(connector), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save tracking states: %w", err)
	}

	log.Debug().
		Str("connector", connector).
		Int("orders", len(states)).
		Int("bytes", len(data)).
		Msg("Saved tracking snapshot")
	return nil
}

// Load returns the connector's snapshot, or nil if none was saved. A
// snapshot from an incompatible schema version yields ErrIncompatibleSnapshot.
func (s *RedisSnapshotStore) Load(ctx context.Context, connector string) ([]order.TrackingState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	metrics.RecordRedisOperation("get")
	data, err := s.client.Get(ctx, Key(connector)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking states: %w", err)
	}

	var entry snapshotEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tracking states: %w", err)
	}
	if err := CheckSchemaVersion(entry.SchemaVersion); err != nil {
		return nil, err
	}

	log.Info().
		Str("connector", connector).
		Int("orders", len(entry.Orders)).
		Str("schema_version", entry.SchemaVersion).
		Time("saved_at", entry.SavedAt).
		Msg("Loaded tracking snapshot")
	return entry.Orders, nil
}

// Delete removes the connector's snapshot
func (s *RedisSnapshotStore) Delete(ctx context.Context, connector string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	metrics.RecordRedisOperation("del")
	if err := s.client.Del(ctx, Key(connector)).Err(); err != nil {
		return fmt.Errorf("failed to delete tracking states: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisSnapshotStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
