// Package cache is a read-through cache of command output keyed by the
// literal command line.
package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Forever marks an entry that only explicit invalidation removes.
const Forever time.Duration = -1

// Compute produces the output for a command on a miss.
type Compute func(ctx context.Context, command string) (string, error)

// Observer receives cache events; the metrics package implements it.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheError()
	CacheInvalidated(n int)
}

// Options tune a Cache.
type Options struct {
	// Size bounds the number of entries; least recently used go first.
	Size int
	// DefaultTTL applies when a caller passes ttl 0.
	DefaultTTL time.Duration
	// ComputeTimeout bounds a shared compute, which outlives the caller
	// that started it.
	ComputeTimeout time.Duration
	Clock      func() time.Time
	Logger     *slog.Logger
	Observer   Observer
}

type entry struct {
	value string
	// expires is zero for Forever entries.
	expires time.Time
}

// Cache serves fresh entries and computes missing ones. Invalidation of
// several keys is a single step: readers holding the shared lock never see
// some of them removed and others not.
type Cache struct {
	// lock is held shared by reads and stores, exclusively by invalidation.
	lock    sync.RWMutex
	entries *lru.Cache[string, entry]
	// epochs count invalidations per key; clears counts ClearAll calls.
	epochs map[string]uint64
	clears uint64

	group   singleflight.Group
	compute Compute
	ttl     time.Duration
	timeout time.Duration
	clockFn func() time.Time
	logger  *slog.Logger
	obs     Observer
}

func New(compute Compute, opts Options) (*Cache, error) {
	if compute == nil {
		return nil, errors.New("cache: compute function is required")
	}
	size := opts.Size
	if size <= 0 {
		size = 1024
	}
	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		entries: entries,
		epochs:  make(map[string]uint64),
		compute: compute,
		ttl:     opts.DefaultTTL,
		timeout: opts.ComputeTimeout,
		clockFn: opts.Clock,
		logger:  opts.Logger,
		obs:     opts.Observer,
	}
	if c.ttl == 0 {
		c.ttl = 5 * time.Minute
	}
	if c.timeout <= 0 {
		c.timeout = 2 * time.Minute
	}
	if c.clockFn == nil {
		c.clockFn = time.Now
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.obs == nil {
		c.obs = nopObserver{}
	}
	return c, nil
}

// GetOrCompute returns the cached output for command or computes, stores
// and returns it. Concurrent misses on one key share a single compute, which
// is detached from the cancellation of whichever caller started it; each
// caller stops waiting when its own ctx is done. A compute error evicts
// whatever was cached for the key and is returned.
func (c *Cache) GetOrCompute(ctx context.Context, command string, ttl time.Duration) (string, error) {
	if v, ok := c.Get(command); ok {
		c.obs.CacheHit()
		return v, nil
	}
	c.obs.CacheMiss()
	ch := c.group.DoChan(command, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		epoch, clears := c.stamp(command)
		out, err := c.compute(cctx, command)
		if err != nil {
			c.obs.CacheError()
			c.Invalidate(command)
			c.logger.Warn("cache compute failed", "command", command, "err", err)
			return "", err
		}
		c.storeIfCurrent(command, out, ttl, epoch, clears)
		return out, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Get returns a fresh cached value.
func (c *Cache) Get(command string) (string, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.getLocked(command)
}

// GetMany returns the fresh values among commands, observed together.
func (c *Cache) GetMany(commands []string) map[string]string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	out := make(map[string]string, len(commands))
	for _, cmd := range commands {
		if v, ok := c.getLocked(cmd); ok {
			out[cmd] = v
		}
	}
	return out
}

func (c *Cache) getLocked(command string) (string, bool) {
	e, ok := c.entries.Get(command)
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && !c.clockFn().Before(e.expires) {
		return "", false
	}
	return e.value, true
}

// Set stores value unconditionally.
func (c *Cache) Set(command, value string, ttl time.Duration) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	c.entries.Add(command, c.newEntry(value, ttl))
}

// Invalidate removes one entry.
func (c *Cache) Invalidate(command string) {
	c.InvalidateMany([]string{command})
}

// InvalidateMany removes every listed entry as one step.
func (c *Cache) InvalidateMany(commands []string) {
	if len(commands) == 0 {
		return
	}
	c.lock.Lock()
	for _, cmd := range commands {
		c.epochs[cmd]++
		c.entries.Remove(cmd)
	}
	c.lock.Unlock()
	c.obs.CacheInvalidated(len(commands))
	c.logger.Debug("cache invalidated", "commands", commands)
}

// ClearAll drops every entry.
func (c *Cache) ClearAll() {
	c.lock.Lock()
	n := c.entries.Len()
	c.entries.Purge()
	c.epochs = make(map[string]uint64)
	c.clears++
	c.lock.Unlock()
	c.obs.CacheInvalidated(n)
	c.logger.Info("cache cleared", "entries", n)
}

// Len reports the number of stored entries, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) stamp(command string) (uint64, uint64) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.epochs[command], c.clears
}

// storeIfCurrent drops the value when the key was invalidated while it was
// being computed.
func (c *Cache) storeIfCurrent(command, value string, ttl time.Duration, epoch, clears uint64) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.epochs[command] != epoch || c.clears != clears {
		c.logger.Debug("discarding result invalidated during compute", "command", command)
		return
	}
	c.entries.Add(command, c.newEntry(value, ttl))
}

func (c *Cache) newEntry(value string, ttl time.Duration) entry {
	if ttl == 0 {
		ttl = c.ttl
	}
	if ttl == Forever {
		return entry{value: value}
	}
	return entry{value: value, expires: c.clockFn().Add(ttl)}
}

type nopObserver struct{}

func (nopObserver) CacheHit()            {}
func (nopObserver) CacheMiss()           {}
func (nopObserver) CacheError()          {}
func (nopObserver) CacheInvalidated(int) {}
