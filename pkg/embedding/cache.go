package embedding

import (
	"container/list"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
	"ragchat-go/pkg/log"
)

// Space identifies an embedding (model, dimensionality) pairing.
// Vectors from different spaces are never comparable.
type Space string

const (
	SpaceRemote Space = "remote"
	SpaceLocal  Space = "local"
)

// ParseSpace maps a query parameter to a Space, defaulting to remote.
func ParseSpace(s string) Space {
	if strings.EqualFold(strings.TrimSpace(s), string(SpaceLocal)) {
		return SpaceLocal
	}
	return SpaceRemote
}

// ComputeFunc produces the vector for text in a given space.
type ComputeFunc func(ctx context.Context, text string) ([]float32, error)

// ErrDimensionMismatch is returned when a computed vector does not fit its space.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Cache memoizes query vectors. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	dims     map[Space]int

	group          singleflight.Group
	computeTimeout time.Duration

	rdb *redis.Client
	ttl time.Duration
}

type cacheEntry struct {
	key    string
	vector []float32
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithRedis enables a shared second tier. A zero ttl disables it.
func WithRedis(rdb *redis.Client, ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if rdb != nil && ttl > 0 {
			c.rdb = rdb
			c.ttl = ttl
		}
	}
}

// WithDimensions pins the expected vector size for a space.
func WithDimensions(space Space, dims int) CacheOption {
	return func(c *Cache) {
		if dims > 0 {
			c.dims[space] = dims
		}
	}
}

// WithComputeTimeout bounds a shared computation. Shared computations run
// detached from the caller that started them, so one caller going away does
// not fail the others waiting on the same key.
func WithComputeTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.computeTimeout = d
		}
	}
}

// NewCache creates a bounded LRU cache holding at most capacity vectors.
func NewCache(capacity int, opts ...CacheOption) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	c := &Cache{
		capacity:       capacity,
		ll:             list.New(),
		items:          make(map[string]*list.Element),
		dims:           make(map[Space]int),
		computeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Normalize trims the text and collapses internal whitespace runs.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Key returns the cache key for (text, space).
func Key(text string, space Space) string {
	sum := blake3.Sum256([]byte(Normalize(text)))
	return string(space) + ":" + hex.EncodeToString(sum[:])
}

// Dimensions reports the pinned dimensionality of a space, 0 if unknown.
func (c *Cache) Dimensions(space Space) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dims[space]
}

// Get returns the cached vector for (text, space) or calls compute once and stores its result.
// A failed computation is never cached. Each caller stops waiting when its own ctx is done.
func (c *Cache) Get(ctx context.Context, text string, space Space, compute ComputeFunc) ([]float32, error) {
	key := Key(text, space)
	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()
		if vec, ok := c.lookup(key); ok {
			return vec, nil
		}
		if vec, ok := c.loadRemote(ctx, key); ok && c.fits(space, vec) {
			c.store(key, vec)
			return vec, nil
		}
		vec, err := compute(ctx, Normalize(text))
		if err != nil {
			return nil, err
		}
		if !c.fits(space, vec) {
			return nil, fmt.Errorf("%w: space %s expects %d, got %d", ErrDimensionMismatch, space, c.Dimensions(space), len(vec))
		}
		c.store(key, vec)
		c.saveRemote(ctx, key, vec)
		return vec, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of vectors held in process.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) fits(space Space, vec []float32) bool {
	want := c.Dimensions(space)
	return want == 0 || len(vec) == want
}

func (c *Cache) lookup(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).vector, true
}

func (c *Cache) store(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		// 同一 key 只保留第一次写入的向量
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&cacheEntry{key: key, vector: vec})
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func redisKey(key string) string {
	return "embedding:" + key
}

func (c *Cache) loadRemote(ctx context.Context, key string) ([]float32, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("[EmbeddingCache] 读取 Redis 缓存失败: %v", err)
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

func (c *Cache) saveRemote(ctx context.Context, key string, vec []float32) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(key), raw, c.ttl).Err(); err != nil {
		log.Warnf("[EmbeddingCache] 写入 Redis 缓存失败: %v", err)
	}
}
