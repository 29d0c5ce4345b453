// Package history keeps a per-peer log of finished call attempts.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dense-identity/callctl/internal/callsession"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultPrefix     = "callctl:history:v1"
	DefaultMaxEntries = 100
	allKey            = "all"
)

// Record is one finished call attempt.
type Record struct {
	AttemptID       string                `json:"attempt_id"`
	SessionID       string                `json:"session_id,omitempty"`
	Peer            callsession.Peer      `json:"peer"`
	Kind            callsession.Kind      `json:"kind"`
	Direction       callsession.Direction `json:"direction"`
	Outcome         callsession.State     `json:"outcome"`
	EndReason       callsession.EndReason `json:"end_reason,omitempty"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	EndedAt         time.Time             `json:"ended_at"`
	DurationSeconds int                   `json:"duration_seconds"`
	Error           string                `json:"error,omitempty"`
}

// Store persists records newest first.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// List returns up to limit records for peerID, or across all peers when
	// peerID is empty. limit <= 0 returns everything kept.
	List(ctx context.Context, peerID string, limit int) ([]Record, error)
	Clear(ctx context.Context, peerID string) error
}

type Options struct {
	Enabled    bool
	Addr       string
	Username   string
	Password   string
	DB         int
	Prefix     string
	TTL        time.Duration
	MaxEntries int
	Logger     *zap.Logger
}

// RedisStore keeps one capped list per peer plus one across all peers.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	max    int
	log    *zap.Logger
}

// NewRedisStore connects to Redis. It returns nil, nil when disabled.
func NewRedisStore(ctx context.Context, opts Options) (*RedisStore, error) {
	if !opts.Enabled {
		return nil, nil
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required when history is enabled")
	}
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})
	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "redis ping failed")
	}
	return NewRedisStoreWithClient(c, opts), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(c *redis.Client, opts Options) *RedisStore {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{client: c, prefix: prefix, ttl: opts.TTL, max: maxEntries, log: log.Named("history")}
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// key is <prefix>:peer:<id>, or <prefix>:all for the cross-peer list.
func (s *RedisStore) key(peerID string) string {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return fmt.Sprintf("%s:%s", s.prefix, allKey)
	}
	return fmt.Sprintf("%s:peer:%s", s.prefix, peerID)
}

func (s *RedisStore) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal history record")
	}
	keys := []string{s.key(rec.Peer.ID), s.key("")}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.LPush(ctx, k, data)
			p.LTrim(ctx, k, 0, int64(s.max-1))
			if s.ttl > 0 {
				p.Expire(ctx, k, s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "store history record")
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, peerID string, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	data, err := s.client.LRange(ctx, s.key(peerID), 0, stop).Result()
	if err != nil {
		if err == redis.Nil {
			return []Record{}, nil
		}
		return nil, errors.Wrap(err, "load history")
	}
	out := make([]Record, 0, len(data))
	for _, raw := range data {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.log.Warn("skipping malformed history record", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Clear drops peerID's list, or every list under the prefix when peerID is
// empty.
func (s *RedisStore) Clear(ctx context.Context, peerID string) error {
	if strings.TrimSpace(peerID) != "" {
		return errors.Wrap(s.client.Del(ctx, s.key(peerID)).Err(), "clear history")
	}
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "scan history")
	}
	if len(keys) == 0 {
		return nil
	}
	return errors.Wrap(s.client.Del(ctx, keys...).Err(), "clear history")
}

// MemoryStore is the Store used when Redis is disabled.
type MemoryStore struct {
	max int

	mu     sync.Mutex
	byPeer map[string][]Record
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{max: maxEntries, byPeer: make(map[string][]Record)}
}

func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range []string{rec.Peer.ID, ""} {
		list := append([]Record{rec}, m.byPeer[k]...)
		if len(list) > m.max {
			list = list[:m.max]
		}
		m.byPeer[k] = list
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, peerID string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byPeer[strings.TrimSpace(peerID)]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return append([]Record{}, list...), nil
}

func (m *MemoryStore) Clear(_ context.Context, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		m.byPeer = make(map[string][]Record)
		return nil
	}
	delete(m.byPeer, peerID)
	return nil
}
