// Package tiered resolves artifacts through the memory tier, the distributed
// tier, and finally the cold store, writing back on the way out.
package tiered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/AsobaCloud/platform-edge/internal/cache/keys"
	"github.com/AsobaCloud/platform-edge/internal/cache/redisstore"
	"github.com/AsobaCloud/platform-edge/internal/coldstore"
	"github.com/AsobaCloud/platform-edge/internal/freshness"
	"github.com/AsobaCloud/platform-edge/internal/model"
	"github.com/AsobaCloud/platform-edge/internal/observability"
)

var (
	// ErrArtifactUnavailable reports that no tier, cold store included, could
	// supply the artifact.
	ErrArtifactUnavailable = errors.New("artifact unavailable")
	// ErrColdStoreUnreachable reports that the cold store adapter is not
	// configured or reachable and no valid cached copy exists.
	ErrColdStoreUnreachable = errors.New("cold store unreachable")
)

// Loader performs the cold-store load for one key. It must return a fully
// constructed artifact or an error; partial results never reach the tiers.
type Loader[T any] func(ctx context.Context) (T, error)

// Envelope wraps a distributed-tier value with its logical expiry. An entry
// whose ExpiresAt has passed must not be served even if the store still
// holds it.
type Envelope struct {
	Key       string          `json:"key"`
	Kind      model.Kind      `json:"kind"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Payload   json.RawMessage `json:"payload"`
}

type Config struct {
	TTL       time.Duration
	MemSize   int
	OpTimeout time.Duration
}

// Cache is one artifact kind's tiered cache. The memory tier is process
// local; the distributed tier is shared and optional (a nil redis client
// degrades to memory + cold store).
type Cache[T any] struct {
	kind      model.Kind
	ttl       time.Duration
	opTimeout time.Duration
	mem       *expirable.LRU[string, T]
	redis     *redisstore.Client
	group     singleflight.Group
	log       zerolog.Logger
	now       func() time.Time
}

func New[T any](kind model.Kind, cfg Config, redis *redisstore.Client, log zerolog.Logger) *Cache[T] {
	size := cfg.MemSize
	if size <= 0 {
		size = 128
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache[T]{
		kind:      kind,
		ttl:       ttl,
		opTimeout: cfg.OpTimeout,
		mem:       expirable.NewLRU[string, T](size, nil, ttl),
		redis:     redis,
		log:       log.With().Str("cache_kind", string(kind)).Logger(),
		now:       time.Now,
	}
}

// Resolve returns the artifact for key, consulting the memory tier, then the
// distributed tier, then load. Concurrent calls for the same key while no
// valid cached copy exists collapse into a single cold load whose result (or
// failure) every caller receives.
func (c *Cache[T]) Resolve(ctx context.Context, key model.ArtifactKey, load Loader[T]) (T, error) {
	k := keys.Key(key)

	if v, ok := c.mem.Get(k); ok {
		observability.IncTierHit(string(c.kind), "memory")
		return v, nil
	}
	observability.IncTierMiss(string(c.kind), "memory")

	// The load deliberately outlives an abandoning caller: a completed
	// download still populates the cache for the next request.
	loadCtx := context.WithoutCancel(ctx)

	v, err, shared := c.group.Do(k, func() (any, error) {
		return c.resolveSlow(loadCtx, key, k, load)
	})
	if shared {
		observability.IncStampedeShared()
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *Cache[T]) resolveSlow(ctx context.Context, key model.ArtifactKey, k string, load Loader[T]) (T, error) {
	var zero T

	// another caller in this flight group may have populated the memory
	// tier just before we were queued
	if v, ok := c.mem.Get(k); ok {
		observability.IncTierHit(string(c.kind), "memory")
		return v, nil
	}

	if v, ok := c.fromDistributed(ctx, k); ok {
		c.mem.Add(k, v)
		return v, nil
	}

	start := c.now()
	v, err := load(ctx)
	observability.ObserveColdLoad(string(c.kind), err, c.now().Sub(start).Seconds())
	if err != nil {
		if errors.Is(err, coldstore.ErrUnreachable) {
			return zero, fmt.Errorf("%w: key=%s stage=cold_load: %w", ErrColdStoreUnreachable, key, err)
		}
		return zero, fmt.Errorf("%w: key=%s stage=cold_load: %w", ErrArtifactUnavailable, key, err)
	}

	c.writeThrough(ctx, k, v)
	return v, nil
}

func (c *Cache[T]) fromDistributed(ctx context.Context, k string) (T, bool) {
	var zero T
	if c.redis == nil {
		return zero, false
	}

	opCtx, cancel := c.withOpTimeout(ctx)
	defer cancel()

	raw, err := c.redis.Get(opCtx, k)
	switch {
	case errors.Is(err, redisstore.ErrNotFound):
		observability.IncTierMiss(string(c.kind), "distributed")
		return zero, false
	case err != nil:
		// degraded distributed tier falls through to the cold store
		observability.IncTierMiss(string(c.kind), "distributed")
		c.log.Warn().Err(err).Str("key", k).Msg("distributed tier read failed, falling through")
		return zero, false
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		observability.IncTierMiss(string(c.kind), "distributed")
		c.log.Warn().Err(err).Str("key", k).Msg("distributed tier entry malformed, falling through")
		return zero, false
	}
	if freshness.IsStale(env.ExpiresAt, c.now()) {
		observability.IncTierMiss(string(c.kind), "distributed")
		return zero, false
	}

	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		observability.IncTierMiss(string(c.kind), "distributed")
		c.log.Warn().Err(err).Str("key", k).Msg("distributed tier payload malformed, falling through")
		return zero, false
	}
	observability.IncTierHit(string(c.kind), "distributed")
	return v, true
}

// writeThrough populates both tiers after a successful cold load. A
// distributed-tier failure is non-fatal: the artifact is served from memory
// only and the miss is logged.
func (c *Cache[T]) writeThrough(ctx context.Context, k string, v T) {
	c.mem.Add(k, v)

	if c.redis == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		observability.IncTierWriteSkipped(string(c.kind))
		c.log.Warn().Err(err).Str("key", k).Msg("distributed tier write skipped: serialize failed")
		return
	}
	now := c.now().UTC()
	env, err := json.Marshal(Envelope{
		Key:       k,
		Kind:      c.kind,
		StoredAt:  now,
		ExpiresAt: now.Add(c.ttl),
		Payload:   payload,
	})
	if err != nil {
		observability.IncTierWriteSkipped(string(c.kind))
		c.log.Warn().Err(err).Str("key", k).Msg("distributed tier write skipped: envelope failed")
		return
	}

	opCtx, cancel := c.withOpTimeout(ctx)
	defer cancel()
	if err := c.redis.Set(opCtx, k, env, c.ttl); err != nil {
		observability.IncTierWriteSkipped(string(c.kind))
		c.log.Warn().Err(err).Str("key", k).Msg("distributed tier write failed, serving from memory only")
	}
}

// Invalidate removes key from both tiers so the next resolve cold-loads.
func (c *Cache[T]) Invalidate(ctx context.Context, key model.ArtifactKey) error {
	k := keys.Key(key)
	c.mem.Remove(k)
	if c.redis == nil {
		return nil
	}
	opCtx, cancel := c.withOpTimeout(ctx)
	defer cancel()
	if err := c.redis.Del(opCtx, k); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// Peek reports whether key currently resolves from the memory tier, without
// touching recency.
func (c *Cache[T]) Peek(key model.ArtifactKey) (T, bool) {
	return c.mem.Peek(keys.Key(key))
}

// Len returns the number of artifacts held in the memory tier.
func (c *Cache[T]) Len() int { return c.mem.Len() }

func (c *Cache[T]) withOpTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opTimeout)
}
