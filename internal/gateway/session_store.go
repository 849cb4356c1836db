package gateway

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionState is what a shard needs to resume after its process restarts.
type SessionState struct {
	SessionID string
	Sequence  int64
	ResumeURL string
}

func (s SessionState) Resumable() bool {
	return s.SessionID != "" && s.Sequence > 0
}

type SessionStore interface {
	Load(ctx context.Context, shardID int) (SessionState, bool, error)
	Save(ctx context.Context, shardID int, state SessionState) error
	Delete(ctx context.Context, shardID int) error
}

// MemoryStore keeps sessions for the life of the process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int]SessionState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int]SessionState)}
}

func (m *MemoryStore) Load(_ context.Context, shardID int) (SessionState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[shardID]
	return state, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, shardID int, state SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[shardID] = state
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, shardID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, shardID)
	return nil
}

// RedisStore keeps sessions in a hash per shard so another process can pick
// them up.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisStoreOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithRedisTTL bounds how long a stored session is kept. Sessions older than
// a few minutes are rarely resumable anyway.
func WithRedisTTL(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = d }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "shardgate:session",
		ttl:    10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(shardID int) string {
	return s.prefix + ":" + strconv.Itoa(shardID)
}

func (s *RedisStore) Load(ctx context.Context, shardID int) (SessionState, bool, error) {
	values, err := s.rdb.HGetAll(ctx, s.key(shardID)).Result()
	if err != nil {
		return SessionState{}, false, err
	}

	if values["session_id"] == "" {
		return SessionState{}, false, nil
	}

	seq, err := strconv.ParseInt(values["seq"], 10, 64)
	if err != nil {
		return SessionState{}, false, nil
	}

	return SessionState{
		SessionID: values["session_id"],
		Sequence:  seq,
		ResumeURL: values["resume_url"],
	}, true, nil
}

func (s *RedisStore) Save(ctx context.Context, shardID int, state SessionState) error {
	key := s.key(shardID)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"session_id": state.SessionID,
			"seq":        strconv.FormatInt(state.Sequence, 10),
			"resume_url": state.ResumeURL,
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, shardID int) error {
	return s.rdb.Del(ctx, s.key(shardID)).Err()
}
