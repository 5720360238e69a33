// Package cache provides a Redis read-through cache in front of a store.Store.
//
// The store stays authoritative. Every write to a user bumps that user's
// version key and deletes the cached profile. A profile loaded on a miss is
// only cached if the version is still the one read before the load, so a
// write racing the load never leaves an older snapshot behind.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/store"
)

const (
	// DefaultTTL bounds how long a cached profile may be served.
	DefaultTTL = 10 * time.Minute
	// DefaultPrefix namespaces every key this package writes.
	DefaultPrefix = "empathibot:"
)

// RedisClient is the subset of go-redis client methods used by ProfileCache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Close() error
}

// setIfVersion writes KEYS[2] only while KEYS[1] still holds ARGV[1].
const setIfVersion = `
local v = redis.call('GET', KEYS[1]) or '0'
if v ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`

// Opts holds configuration options for ProfileCache.
type Opts struct {
	TTL    time.Duration
	Prefix string
}

// Option defines a configuration option for ProfileCache.
type Option func(*Opts)

// WithTTL sets the profile TTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(o *Opts) { o.Prefix = prefix }
}

// ProfileCache decorates a store.Store. Methods it does not override pass
// straight through to the embedded store.
type ProfileCache struct {
	store.Store
	client RedisClient
	ttl    time.Duration
	prefix string
	group  singleflight.Group
}

var _ store.Store = (*ProfileCache)(nil)

// NewProfileCache wraps backing with a Redis-backed profile cache.
func NewProfileCache(backing store.Store, client RedisClient, opts ...Option) *ProfileCache {
	cfg := Opts{TTL: DefaultTTL, Prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &ProfileCache{Store: backing, client: client, ttl: cfg.TTL, prefix: cfg.Prefix}
}

// Dial connects to Redis from a redis:// URL and verifies the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (c *ProfileCache) profileKey(userID string) string   { return c.prefix + "profile:" + userID }
func (c *ProfileCache) identityKey(identity string) string { return c.prefix + "identity:" + identity }
func (c *ProfileCache) versionKey(userID string) string   { return c.prefix + "version:" + userID }

// GetOrCreateUser resolves identity through the cached identity mapping. The
// identity to id mapping never changes once created, so it is not invalidated.
// A profile returned by the store here is not cached; the next GetUser fills it.
func (c *ProfileCache) GetOrCreateUser(ctx context.Context, identity string) (models.UserProfile, error) {
	if identity == "" {
		return c.Store.GetOrCreateUser(ctx, identity)
	}
	id, err := c.client.Get(ctx, c.identityKey(identity)).Result()
	switch {
	case err == nil:
		if p, err := c.GetUser(ctx, id); err == nil {
			return p, nil
		}
	case !errors.Is(err, redis.Nil):
		slog.Warn("ProfileCache.GetOrCreateUser: identity lookup failed", "error", err)
	}

	v, err, _ := c.group.Do("identity:"+identity, func() (interface{}, error) {
		p, err := c.Store.GetOrCreateUser(ctx, identity)
		if err != nil {
			return models.UserProfile{}, err
		}
		if err := c.client.Set(ctx, c.identityKey(identity), p.ID, 0).Err(); err != nil {
			slog.Warn("ProfileCache.GetOrCreateUser: failed to cache identity", "userID", p.ID, "error", err)
		}
		return p, nil
	})
	if err != nil {
		return models.UserProfile{}, err
	}
	return v.(models.UserProfile), nil
}

// GetUser serves a cached profile or loads it once for concurrent callers.
func (c *ProfileCache) GetUser(ctx context.Context, userID string) (models.UserProfile, error) {
	if p, ok := c.cachedProfile(ctx, userID); ok {
		return p, nil
	}
	v, err, _ := c.group.Do("profile:"+userID, func() (interface{}, error) {
		version, ok := c.version(ctx, userID)
		p, err := c.Store.GetUser(ctx, userID)
		if err != nil {
			return models.UserProfile{}, err
		}
		if ok {
			c.storeProfile(ctx, p, version)
		}
		return p, nil
	})
	if err != nil {
		return models.UserProfile{}, err
	}
	return v.(models.UserProfile), nil
}

// version reads the user's write counter. ok is false when Redis could not
// answer, in which case the caller must not cache what it loads.
func (c *ProfileCache) version(ctx context.Context, userID string) (string, bool) {
	v, err := c.client.Get(ctx, c.versionKey(userID)).Result()
	switch {
	case err == nil:
		return v, true
	case errors.Is(err, redis.Nil):
		return "0", true
	default:
		slog.Warn("ProfileCache: version lookup failed", "userID", userID, "error", err)
		return "", false
	}
}

func (c *ProfileCache) cachedProfile(ctx context.Context, userID string) (models.UserProfile, bool) {
	raw, err := c.client.Get(ctx, c.profileKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("ProfileCache: profile lookup failed", "userID", userID, "error", err)
		}
		return models.UserProfile{}, false
	}
	var p models.UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("ProfileCache: discarding undecodable profile", "userID", userID, "error", err)
		c.invalidate(ctx, userID)
		return models.UserProfile{}, false
	}
	if p.MoodTrend == nil {
		p.MoodTrend = []models.MoodEntry{}
	}
	return p, true
}

func (c *ProfileCache) storeProfile(ctx context.Context, p models.UserProfile, version string) {
	raw, err := json.Marshal(p)
	if err != nil {
		slog.Warn("ProfileCache: failed to encode profile", "userID", p.ID, "error", err)
		return
	}
	keys := []string{c.versionKey(p.ID), c.profileKey(p.ID)}
	stored, err := c.client.Eval(ctx, setIfVersion, keys, version, raw, c.ttl.Milliseconds()).Int()
	switch {
	case err != nil:
		slog.Warn("ProfileCache: failed to cache profile", "userID", p.ID, "error", err)
	case stored == 0:
		slog.Debug("ProfileCache: profile changed during load, not caching", "userID", p.ID)
	}
}

func (c *ProfileCache) invalidate(ctx context.Context, userID string) {
	if err := c.client.Incr(ctx, c.versionKey(userID)).Err(); err != nil {
		slog.Warn("ProfileCache: version bump failed", "userID", userID, "error", err)
	}
	if err := c.client.Del(ctx, c.profileKey(userID)).Err(); err != nil {
		slog.Warn("ProfileCache: invalidation failed", "userID", userID, "error", err)
	}
}

// after drops the cached profile once a write has been attempted, whether or
// not it succeeded.
func (c *ProfileCache) after(ctx context.Context, userID string, err error) error {
	c.invalidate(ctx, userID)
	return err
}

func (c *ProfileCache) RecordActivity(ctx context.Context, userID, language string, crisisDetected bool) error {
	return c.after(ctx, userID, c.Store.RecordActivity(ctx, userID, language, crisisDetected))
}

func (c *ProfileCache) AppendMood(ctx context.Context, userID string, entry models.MoodEntry) error {
	return c.after(ctx, userID, c.Store.AppendMood(ctx, userID, entry))
}

func (c *ProfileCache) CommitTurn(ctx context.Context, commit store.TurnCommit) error {
	return c.after(ctx, commit.UserID, c.Store.CommitTurn(ctx, commit))
}

func (c *ProfileCache) SetDisplayName(ctx context.Context, userID, name string) error {
	return c.after(ctx, userID, c.Store.SetDisplayName(ctx, userID, name))
}

func (c *ProfileCache) SetCheckInEnabled(ctx context.Context, userID string, enabled bool) error {
	return c.after(ctx, userID, c.Store.SetCheckInEnabled(ctx, userID, enabled))
}

func (c *ProfileCache) RecordCheckIn(ctx context.Context, log models.CheckInLog) error {
	return c.after(ctx, log.UserID, c.Store.RecordCheckIn(ctx, log))
}

// Close closes the Redis client and then the backing store.
func (c *ProfileCache) Close() error {
	cacheErr := c.client.Close()
	if err := c.Store.Close(); err != nil {
		return err
	}
	return cacheErr
}
