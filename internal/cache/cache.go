// Package cache keeps recently read user projections so repeated inbox
// listings do not hit the users collection for the same senders.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL is how long a projection stays cached.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "user:proj:"

// Projections stores user projections by id.
type Projections interface {
	// GetMany returns the cached projections among ids. Misses are omitted.
	GetMany(ctx context.Context, ids []string) (map[string]inbox.UserProjection, error)
	// SetMany caches the given projections.
	SetMany(ctx context.Context, users []inbox.UserProjection) error
}

// Redis is a Projections backed by Redis string keys with a TTL.
type Redis struct {
	cli *redis.Client
	ttl time.Duration
}

// NewRedis connects to the Redis server at url and pings it.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisClient(cli, ttl), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(cli *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{cli: cli, ttl: ttl}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

// GetMany implements Projections with a single MGET.
func (r *Redis) GetMany(ctx context.Context, ids []string) (map[string]inbox.UserProjection, error) {
	out := make(map[string]inbox.UserProjection, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	vals, err := r.cli.MGet(ctx, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var u inbox.UserProjection
		if json.Unmarshal([]byte(s), &u) == nil && u.ID != "" {
			out[ids[i]] = u
		}
	}
	return out, nil
}

// SetMany implements Projections with one pipelined round trip.
func (r *Redis) SetMany(ctx context.Context, users []inbox.UserProjection) error {
	if len(users) == 0 {
		return nil
	}
	pipe := r.cli.Pipeline()
	for _, u := range users {
		b, err := json.Marshal(u)
		if err != nil {
			return err
		}
		pipe.Set(ctx, keyPrefix+u.ID, b, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

type memEntry struct {
	user    inbox.UserProjection
	expires time.Time
}

// Memory is an in-process Projections with a TTL.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory returns an empty Memory cache.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{entries: map[string]memEntry{}, ttl: ttl, now: time.Now}
}

// GetMany implements Projections. Expired entries are dropped on read.
func (m *Memory) GetMany(_ context.Context, ids []string) (map[string]inbox.UserProjection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]inbox.UserProjection, len(ids))
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		if now.After(e.expires) {
			delete(m.entries, id)
			continue
		}
		out[id] = e.user
	}
	return out, nil
}

// SetMany implements Projections.
func (m *Memory) SetMany(_ context.Context, users []inbox.UserProjection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp := m.now().Add(m.ttl)
	for _, u := range users {
		m.entries[u.ID] = memEntry{user: u, expires: exp}
	}
	return nil
}

// Lookup is an inbox.UserLookup that serves id lookups from a cache and
// fills it from the wrapped lookup. Email lookups pass through but their
// results are cached by id. Cache failures are logged and bypassed.
type Lookup struct {
	next  inbox.UserLookup
	cache Projections
	log   *zap.Logger
}

// NewLookup wraps next with cache.
func NewLookup(next inbox.UserLookup, cache Projections, log *zap.Logger) *Lookup {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lookup{next: next, cache: cache, log: log}
}

// ProjectionsByIDs implements inbox.UserLookup. Only the misses reach the
// wrapped lookup, still as a single batch.
func (l *Lookup) ProjectionsByIDs(ctx context.Context, ids []string) ([]inbox.UserProjection, error) {
	norm := make([]string, 0, len(ids))
	for _, id := range ids {
		norm = append(norm, strings.ToLower(id))
	}
	hits, err := l.cache.GetMany(ctx, norm)
	if err != nil {
		l.log.Warn("projection cache read failed", zap.Error(err))
		hits = nil
	}
	out := make([]inbox.UserProjection, 0, len(norm))
	var misses []string
	for _, id := range norm {
		if u, ok := hits[id]; ok {
			out = append(out, u)
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}
	fetched, err := l.next.ProjectionsByIDs(ctx, misses)
	if err != nil {
		return nil, err
	}
	l.store(ctx, fetched)
	return append(out, fetched...), nil
}

// ProjectionsByEmails implements inbox.UserLookup.
func (l *Lookup) ProjectionsByEmails(ctx context.Context, emails []string) ([]inbox.UserProjection, error) {
	users, err := l.next.ProjectionsByEmails(ctx, emails)
	if err != nil {
		return nil, err
	}
	l.store(ctx, users)
	return users, nil
}

func (l *Lookup) store(ctx context.Context, users []inbox.UserProjection) {
	if err := l.cache.SetMany(ctx, users); err != nil {
		l.log.Warn("projection cache write failed", zap.Error(err))
	}
}
