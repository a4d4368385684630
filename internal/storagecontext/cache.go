package storagecontext

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"guideline-rag/internal/blobstore"
	"guideline-rag/internal/vectorstore"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 10
)

type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithCapacity(capacity int) Option {
	return func(c *Cache) {
		if capacity > 0 {
			c.capacity = capacity
		}
	}
}

type cacheEntry struct {
	location string
	sc       *StorageContext
	created  time.Time
}

// Cache keeps recently used storage contexts keyed by location. Entries expire
// a fixed TTL after creation; reads refresh LRU order but never extend the TTL.
type Cache struct {
	store    blobstore.Store
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List
	group singleflight.Group
}

func NewCache(store blobstore.Store, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		now:      time.Now,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCreate returns the cached context for location, or loads it, or creates
// and persists an empty one when nothing is stored there. Concurrent misses for
// the same location share a single load. vectors is only used on a miss.
func (c *Cache) GetOrCreate(ctx context.Context, location string, vectors vectorstore.Store) (*StorageContext, error) {
	if sc, ok := c.get(location); ok {
		return sc, nil
	}

	ch := c.group.DoChan(location, func() (any, error) {
		if sc, ok := c.get(location); ok {
			return sc, nil
		}
		// the shared load must not die with whichever caller started it
		sc, err := c.create(context.WithoutCancel(ctx), location, vectors)
		if err != nil {
			return nil, err
		}
		c.add(location, sc)
		return sc, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*StorageContext), nil
	}
}

func (c *Cache) create(ctx context.Context, location string, vectors vectorstore.Store) (*StorageContext, error) {
	sc, err := Load(ctx, c.store, location, vectors)
	if err == nil {
		return sc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	log.Info().Str("location", location).Msg("No persisted storage context, creating one")
	sc = New(c.store, location, vectors)
	if err := sc.Persist(ctx); err != nil {
		return nil, err
	}
	return sc, nil
}

func (c *Cache) get(location string) (*StorageContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[location]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.created) >= c.ttl {
		c.lru.Remove(elem)
		delete(c.items, location)
		log.Debug().Str("location", location).Msg("Storage context expired")
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return entry.sc, true
}

func (c *Cache) add(location string, sc *StorageContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[location]; ok {
		c.lru.Remove(elem)
	}
	c.items[location] = c.lru.PushFront(&cacheEntry{location: location, sc: sc, created: c.now()})

	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		evicted := oldest.Value.(*cacheEntry).location
		delete(c.items, evicted)
		log.Debug().Str("location", evicted).Msg("Storage context evicted")
	}
}

// Invalidate drops location from the cache.
func (c *Cache) Invalidate(location string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[location]; ok {
		c.lru.Remove(elem)
		delete(c.items, location)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
