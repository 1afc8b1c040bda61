package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/agentd/agent"
)

const defaultRedisPrefix = "agentd:memory:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix for all session keys (default: "agentd:memory:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// RedisStore keeps sessions in Redis. Each agent has a sorted set of session
// IDs scored by a global insertion sequence.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. The store owns the client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (b *RedisStore) sessionKey(id string) string { return b.prefix + "session:" + id }
func (b *RedisStore) agentKey(name string) string { return b.prefix + "agent:" + name }
func (b *RedisStore) seqKey() string              { return b.prefix + "seq" }

func (b *RedisStore) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

func (b *RedisStore) RecordRun(ctx context.Context, agentName string, result *agent.RunResult, messages []agent.Message) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	sess, err := newSession(agentName, result, messages)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	seq, err := b.client.Incr(ctx, b.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.sessionKey(sess.ID), data, 0)
	pipe.ZAdd(ctx, b.agentKey(agentName), redis.Z{Score: float64(seq), Member: sess.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (b *RedisStore) PruneSessions(ctx context.Context, agentName string, maxSessions int) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateName(agentName); err != nil {
		return err
	}
	if maxSessions <= 0 {
		return nil
	}

	// Everything except the newest maxSessions members, oldest first.
	stale, err := b.client.ZRange(ctx, b.agentKey(agentName), 0, int64(-maxSessions-1)).Result()
	if err != nil {
		return fmt.Errorf("list stale sessions: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	pipe := b.client.TxPipeline()
	members := make([]any, len(stale))
	for i, id := range stale {
		members[i] = id
		pipe.Del(ctx, b.sessionKey(id))
	}
	pipe.ZRem(ctx, b.agentKey(agentName), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	return nil
}

func (b *RedisStore) ListSessions(ctx context.Context, agentName string) ([]*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateName(agentName); err != nil {
		return nil, err
	}

	ids, err := b.client.ZRevRange(ctx, b.agentKey(agentName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		data, err := b.client.Get(ctx, b.sessionKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				b.client.ZRem(ctx, b.agentKey(agentName), id)
				continue
			}
			return nil, fmt.Errorf("get session: %w", err)
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisStore) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

func (b *RedisStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
