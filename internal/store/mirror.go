package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/circuitbreaker"
)

// Mirror keeps a best-effort JSON copy of each session in Redis so a
// sibling process or a restarted one can serve read-only state. The
// in-memory store stays authoritative; the mirror is never read on
// the hot path.
type Mirror struct {
	client *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// NewMirror connects to Redis and verifies the connection.
func NewMirror(addr, password string, logger *zap.Logger) (*Mirror, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	client := circuitbreaker.NewRedisWrapper(redisClient, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Mirror{
		client: client,
		ttl:    24 * time.Hour,
		logger: logger,
	}, nil
}

// Ping verifies the Redis connection; used by health checks.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Save writes one session snapshot with TTL.
func (m *Mirror) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return m.client.Set(ctx, m.key(s.ID), data, m.ttl).Err()
}

// Load reads a mirrored session; the store uses it to serve status
// for sessions evicted from the registry. Mirrored entries expire by
// TTL, never by explicit delete.
func (m *Mirror) Load(ctx context.Context, sessionID string) (*Session, error) {
	data, err := m.client.Get(ctx, m.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load mirrored session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// Close closes the underlying client.
func (m *Mirror) Close() error { return m.client.Close() }

func (m *Mirror) key(sessionID string) string {
	return fmt.Sprintf("finsight:session:%s", sessionID)
}
