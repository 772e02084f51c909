package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ghostflow/ghostflow/flow"
)

// ErrSnapshotNotFound no snapshot stored for the execution.
var ErrSnapshotNotFound = errors.New("checkpoint snapshot not found")

// SnapshotStore keeps per-execution checkpoint snapshots: the latest
// checkpoint index an execution reached plus the captured session state it
// needs to resume there.
type SnapshotStore interface {
	Save(ctx context.Context, executionID string, checkpointIndex int, state *flow.SessionState) error
	Load(ctx context.Context, executionID string) (int, *flow.SessionState, error)
	Delete(ctx context.Context, executionID string) error
}

type snapshotEntry struct {
	Index int                `json:"index"`
	State *flow.SessionState `json:"state"`
}

// MemorySnapshotStore is the in-process default.
type MemorySnapshotStore struct {
	mu      sync.RWMutex
	entries map[string]snapshotEntry
}

// NewMemorySnapshotStore creates an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{entries: make(map[string]snapshotEntry)}
}

func (s *MemorySnapshotStore) Save(ctx context.Context, executionID string, checkpointIndex int, state *flow.SessionState) error {
	s.mu.Lock()
	s.entries[executionID] = snapshotEntry{Index: checkpointIndex, State: state}
	s.mu.Unlock()
	return nil
}

func (s *MemorySnapshotStore) Load(ctx context.Context, executionID string) (int, *flow.SessionState, error) {
	s.mu.RLock()
	entry, ok := s.entries[executionID]
	s.mu.RUnlock()
	if !ok {
		return -1, nil, ErrSnapshotNotFound
	}
	return entry.Index, entry.State, nil
}

func (s *MemorySnapshotStore) Delete(ctx context.Context, executionID string) error {
	s.mu.Lock()
	delete(s.entries, executionID)
	s.mu.Unlock()
	return nil
}

// RedisSnapshotStore keeps snapshots in Redis with a TTL so abandoned
// executions age out.
type RedisSnapshotStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSnapshotStore creates a Redis-backed store.
func NewRedisSnapshotStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisSnapshotStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "ghostflow"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSnapshotStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("store", "redis_snapshot")),
	}
}

func (s *RedisSnapshotStore) key(executionID string) string {
	return fmt.Sprintf("%s:snapshot:%s", s.prefix, executionID)
}

func (s *RedisSnapshotStore) Save(ctx context.Context, executionID string, checkpointIndex int, state *flow.SessionState) error {
	data, err := json.Marshal(snapshotEntry{Index: checkpointIndex, State: state})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(executionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot for %s: %w", executionID, err)
	}
	return nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context, executionID string) (int, *flow.SessionState, error) {
	data, err := s.client.Get(ctx, s.key(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return -1, nil, ErrSnapshotNotFound
	}
	if err != nil {
		return -1, nil, fmt.Errorf("load snapshot for %s: %w", executionID, err)
	}
	var entry snapshotEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return -1, nil, fmt.Errorf("unmarshal snapshot for %s: %w", executionID, err)
	}
	return entry.Index, entry.State, nil
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, executionID string) error {
	return s.client.Del(ctx, s.key(executionID)).Err()
}
