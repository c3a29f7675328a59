// Package cache implements the three-tier cache from spec.md section 4.3:
// an in-process L1 bounded by entry count, an optional shared L2 (Redis)
// bounded by TTL with pub/sub invalidation across replicas, and L3 which is
// the persistent store itself. A singleflight group collapses concurrent L3
// loads for the same key into one.
package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/r3e-network/swarm-memory/internal/clock"
	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/errs"
	"github.com/r3e-network/swarm-memory/internal/logging"
)

// Backend is the L3 tier: the persistent store. Narrowed to an interface so
// the cache can be tested without SQLite.
type Backend interface {
	Put(ctx context.Context, entry *domain.MemoryEntry) error
	Get(ctx context.Context, key domain.LogicalKey) (*domain.MemoryEntry, error)
	Delete(ctx context.Context, key domain.LogicalKey) error
}

const invalidationChannel = "swarm-memory:invalidate"

// noL1Promotion is the set of entry kinds written straight through to L2/L3
// without occupying an L1 slot — spec.md section 4.3's promotion/demotion
// policy treats bulky, rarely-reread kinds as cheaper to refetch than to
// keep memory-resident.
var noL1Promotion = map[domain.EntryKind]bool{
	domain.KindArtifact: true,
}

// Cache is the unified three-tier cache.
type Cache struct {
	l1        *lru.Cache[string, *domain.MemoryEntry]
	l1Cap     int
	l2        *redis.Client // nil disables L2; the cache degrades to L1+L3
	l2TTL     time.Duration
	backend   Backend
	clock     clock.Clock
	logger    *logging.Logger
	singleflt singleflight.Group

	stopSub context.CancelFunc
}

// Option configures New.
type Option func(*Cache)

// WithRedis attaches an L2 Redis client and the TTL for entries written to
// it. Call Start afterward to begin listening for invalidation messages
// published by other processes.
func WithRedis(client *redis.Client, ttl time.Duration) Option {
	return func(c *Cache) { c.l2 = client; c.l2TTL = ttl }
}

// New builds a Cache with an L1 of the given bounded size.
func New(backend Backend, clk clock.Clock, logger *logging.Logger, l1Size int, opts ...Option) (*Cache, error) {
	l1, err := lru.New[string, *domain.MemoryEntry](l1Size)
	if err != nil {
		return nil, errs.Internal("create L1 cache", err)
	}
	c := &Cache{l1: l1, l1Cap: l1Size, backend: backend, clock: clk, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func logicalKeyString(key domain.LogicalKey) string {
	return fmt.Sprintf("%s|%s|%s|%s", key.Namespace, key.SwarmID, key.ProjectID, key.Key)
}

// Start begins listening for L2 invalidation messages published by other
// replicas, dropping the matching L1 entry on receipt. No-op when Redis is
// not configured.
func (c *Cache) Start(ctx context.Context) {
	if c.l2 == nil {
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.stopSub = cancel
	sub := c.l2.Subscribe(subCtx, invalidationChannel)
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.l1.Remove(msg.Payload)
			}
		}
	}()
}

// Close stops the invalidation subscription, if any.
func (c *Cache) Close() {
	if c.stopSub != nil {
		c.stopSub()
	}
}

// Get performs a read-through lookup: L1, then L2, then a singleflight-
// guarded L3 load, promoting the result back up through the tiers it missed
// (subject to the kind-based promotion policy).
func (c *Cache) Get(ctx context.Context, key domain.LogicalKey) (*domain.MemoryEntry, error) {
	skey := logicalKeyString(key)

	if entry, ok := c.l1.Get(skey); ok {
		if entry.Expired(c.clock.Now()) {
			c.l1.Remove(skey)
		} else {
			return entry, nil
		}
	}

	if c.l2 != nil {
		if entry, err := c.getL2(ctx, skey); err == nil {
			c.promoteL1(skey, entry)
			return entry, nil
		} else if err != redis.Nil {
			c.logger.WithContext(ctx).WithError(err).Warn("L2 cache read failed, falling through to store")
		}
	}

	loaded, err, _ := c.singleflt.Do(skey, func() (any, error) {
		return c.backend.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	entry := loaded.(*domain.MemoryEntry)
	if entry.Expired(c.clock.Now()) {
		return nil, errs.NotFound("memory entry").WithDetail("key", key.Key)
	}

	if c.l2 != nil {
		if err := c.setL2(ctx, skey, entry); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("L2 cache write failed")
		}
	}
	c.promoteL1(skey, entry)
	return entry, nil
}

func (c *Cache) promoteL1(skey string, entry *domain.MemoryEntry) {
	if noL1Promotion[entry.Kind] {
		return
	}
	c.l1.Add(skey, entry)
}

func (c *Cache) getL2(ctx context.Context, skey string) (*domain.MemoryEntry, error) {
	raw, err := c.l2.Get(ctx, skey).Bytes()
	if err != nil {
		return nil, err
	}
	var entry domain.MemoryEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return nil, errs.Corruption("decode L2 cache value", err)
	}
	return &entry, nil
}

func (c *Cache) setL2(ctx context.Context, skey string, entry *domain.MemoryEntry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return errs.Internal("encode L2 cache value", err)
	}
	return c.l2.Set(ctx, skey, buf.Bytes(), c.l2TTL).Err()
}

// Put writes entry through to the store (L3), then updates L1/L2 and
// publishes an invalidation so other replicas drop any stale copy. Kinds in
// noL1Promotion use write-around: the store write happens but the value is
// not kept resident in this process's L1 either.
func (c *Cache) Put(ctx context.Context, entry *domain.MemoryEntry) error {
	if err := c.backend.Put(ctx, entry); err != nil {
		return err
	}
	skey := logicalKeyString(domain.LogicalKey{Key: string(entry.Key), Namespace: entry.Namespace, SwarmID: entry.SwarmID, ProjectID: entry.ProjectID})

	if c.l2 != nil {
		if err := c.setL2(ctx, skey, entry); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("L2 cache write failed")
		}
	}
	c.promoteL1(skey, entry)
	c.publishInvalidation(ctx, skey)
	return nil
}

// Delete removes entry from the store and every cache tier.
func (c *Cache) Delete(ctx context.Context, key domain.LogicalKey) error {
	if err := c.backend.Delete(ctx, key); err != nil {
		return err
	}
	skey := logicalKeyString(key)
	c.l1.Remove(skey)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, skey).Err(); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("L2 cache delete failed")
		}
	}
	c.publishInvalidation(ctx, skey)
	return nil
}

func (c *Cache) publishInvalidation(ctx context.Context, skey string) {
	if c.l2 == nil {
		return
	}
	if err := c.l2.Publish(ctx, invalidationChannel, skey).Err(); err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("failed to publish cache invalidation")
	}
}

// InvalidateLocal drops key from this process's L1 only, used after a
// direct store mutation that bypassed Put (e.g. a cascade delete).
func (c *Cache) InvalidateLocal(key domain.LogicalKey) {
	c.l1.Remove(logicalKeyString(key))
}

// Evict drops key from every cache tier and publishes invalidation, without
// touching the backend. Used for write-around sets: the caller already
// wrote L3 directly and only needs stale L1/L2 copies cleared.
func (c *Cache) Evict(ctx context.Context, key domain.LogicalKey) {
	skey := logicalKeyString(key)
	c.l1.Remove(skey)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, skey).Err(); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("L2 cache evict failed")
		}
	}
	c.publishInvalidation(ctx, skey)
}

// Stats reports L1 occupancy (entries held) and capacity (the size New was
// given).
type Stats struct {
	L1Len int
	L1Cap int
}

// Stats returns current L1 occupancy and capacity.
func (c *Cache) Stats() Stats {
	return Stats{L1Len: c.l1.Len(), L1Cap: c.l1Cap}
}
