// Package dedup suppresses repeated submissions of the same inputs within a
// time window.
package dedup

import (
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"lukechampine.com/blake3"
)

// State is the outcome of Begin.
type State int

const (
	// Miss means the caller owns the key and must Complete or Abort it.
	Miss State = iota
	// InFlight means an identical request is still running.
	InFlight
	// Hit means an identical request finished within the window.
	Hit
)

func (s State) String() string {
	switch s {
	case Miss:
		return "new"
	case InFlight:
		return "inflight"
	case Hit:
		return "hit"
	}
	return "unknown"
}

type entry[V any] struct {
	value V
	cost  int64
}

// Options bounds the completed results a Cache keeps.
type Options[V any] struct {
	// Size is the maximum number of completed results.
	Size int
	// TTL is how long a completed result is served.
	TTL time.Duration
	// MaxBytes caps the summed Cost of completed results. 0 means no byte
	// bound. A single result over MaxBytes is never stored.
	MaxBytes int64
	// Cost estimates the resident size of a result. Required with MaxBytes.
	Cost func(V) int64
}

// Cache tracks in-flight keys and keeps completed results in a bounded,
// TTL-evicted LRU. In-flight keys never expire; only their owner releases
// them. A zero TTL or size disables the cache: Begin always returns Miss.
type Cache[V any] struct {
	mu       sync.Mutex
	opts     Options[V]
	inflight map[string]struct{}
	lru      *expirable.LRU[string, *entry[V]]
	bytes    atomic.Int64
}

// New builds a Cache bounded by entry count only.
func New[V any](size int, ttl time.Duration) *Cache[V] {
	return NewWithOptions(Options[V]{Size: size, TTL: ttl})
}

// NewWithOptions builds a Cache that may also be bounded by bytes.
func NewWithOptions[V any](opts Options[V]) *Cache[V] {
	c := &Cache[V]{opts: opts}
	if opts.Size > 0 && opts.TTL > 0 {
		c.inflight = make(map[string]struct{})
		// Called with the LRU's own lock held, including from its expiry
		// goroutine, so it must not take c.mu.
		onEvict := func(_ string, e *entry[V]) { c.bytes.Add(-e.cost) }
		c.lru = expirable.NewLRU[string, *entry[V]](opts.Size, onEvict, opts.TTL)
	}
	return c
}

// Enabled reports whether the cache keeps anything.
func (c *Cache[V]) Enabled() bool { return c != nil && c.lru != nil }

// Begin claims key. On Hit the cached value is returned.
func (c *Cache[V]) Begin(key string) (State, V) {
	var zero V
	if !c.Enabled() {
		return Miss, zero
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[key]; ok {
		return InFlight, zero
	}
	if e, ok := c.lru.Get(key); ok {
		return Hit, e.value
	}
	c.inflight[key] = struct{}{}
	return Miss, zero
}

// Complete releases key and stores v; later Begin calls within the window
// return Hit unless v does not fit the byte bound.
func (c *Cache[V]) Complete(key string, v V) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
	var cost int64
	if c.opts.MaxBytes > 0 && c.opts.Cost != nil {
		cost = c.opts.Cost(v)
		if cost > c.opts.MaxBytes {
			return
		}
	}
	// An expired entry may linger under key; drop it so its cost is released.
	c.lru.Remove(key)
	c.lru.Add(key, &entry[V]{value: v, cost: cost})
	c.bytes.Add(cost)
	for c.opts.MaxBytes > 0 && c.bytes.Load() > c.opts.MaxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Abort releases key so the next identical request runs again.
func (c *Cache[V]) Abort(key string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// Len returns the number of completed results held.
func (c *Cache[V]) Len() int {
	if !c.Enabled() {
		return 0
	}
	return c.lru.Len()
}

// Bytes returns the summed cost of the completed results held.
func (c *Cache[V]) Bytes() int64 {
	if !c.Enabled() {
		return 0
	}
	return c.bytes.Load()
}

// Fingerprint hashes parts with length prefixes so ("ab","c") and ("a","bc")
// differ.
func Fingerprint(parts ...[]byte) string {
	h := blake3.New(32, nil)
	var n [8]byte
	for _, p := range parts {
		l := uint64(len(p))
		for i := range n {
			n[i] = byte(l >> (8 * i))
		}
		_, _ = h.Write(n[:])
		_, _ = h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
