package store

import (
	"context"
	"sync"
	"time"

	"identity-service/internal/util"

	"go.uber.org/zap"
)

// MemoryCounter is a process-local Counter on a sync.Map with per-key
// compare-and-swap updates. Correct per instance only; horizontally
// scaled deployments should use the redis-backed counter instead.
type MemoryCounter struct {
	entries sync.Map // key -> *counterEntry
	stop    chan struct{}
	stopped sync.Once
	now     func() time.Time
}

type counterEntry struct {
	mu            sync.Mutex
	count         int
	lastAttemptAt time.Time
	window        time.Duration
}

func (e *counterEntry) expiredAt(t time.Time) bool {
	return t.Sub(e.lastAttemptAt) > e.window
}

func NewMemoryCounter() *MemoryCounter {
	c := &MemoryCounter{
		stop: make(chan struct{}),
		now:  time.Now,
	}
	go c.sweep(time.Minute)
	return c
}

func (c *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (int, error) {
	actual, _ := c.entries.LoadOrStore(key, &counterEntry{})
	entry := actual.(*counterEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := c.now()
	if entry.window > 0 && entry.expiredAt(now) {
		entry.count = 0
	}
	entry.count++
	entry.lastAttemptAt = now
	entry.window = window
	return entry.count, nil
}

func (c *MemoryCounter) Count(_ context.Context, key string) (int, error) {
	actual, ok := c.entries.Load(key)
	if !ok {
		return 0, nil
	}
	entry := actual.(*counterEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// Stale entries are treated as absent.
	if entry.expiredAt(c.now()) {
		return 0, nil
	}
	return entry.count, nil
}

func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.entries.Delete(key)
	return nil
}

// sweep garbage-collects expired counters on a low-priority timer so
// foreground requests never pay for cleanup.
func (c *MemoryCounter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			removed := 0
			now := c.now()
			c.entries.Range(func(key, value interface{}) bool {
				entry := value.(*counterEntry)
				entry.mu.Lock()
				expired := entry.expiredAt(now)
				entry.mu.Unlock()
				if expired {
					c.entries.Delete(key)
					removed++
				}
				return true
			})
			if removed > 0 {
				util.Debug("Swept expired attempt counters", zap.Int("removed", removed))
			}
		}
	}
}

func (c *MemoryCounter) Close() {
	c.stopped.Do(func() { close(c.stop) })
}

// MemoryKV is a process-local KV with TTL semantics matching the redis
// implementation.
type MemoryKV struct {
	entries sync.Map // key -> *kvEntry
	stop    chan struct{}
	stopped sync.Once
	now     func() time.Time
}

type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryKV() *MemoryKV {
	kv := &MemoryKV{
		stop: make(chan struct{}),
		now:  time.Now,
	}
	go kv.sweep(time.Minute)
	return kv
}

func (kv *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	kv.entries.Store(key, &kvEntry{
		value:     append([]byte(nil), value...),
		expiresAt: kv.now().Add(ttl),
	})
	return nil
}

func (kv *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	actual, ok := kv.entries.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	entry := actual.(*kvEntry)
	if kv.now().After(entry.expiresAt) {
		kv.entries.Delete(key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

func (kv *MemoryKV) GetDel(_ context.Context, key string) ([]byte, error) {
	actual, ok := kv.entries.LoadAndDelete(key)
	if !ok {
		return nil, ErrNotFound
	}
	entry := actual.(*kvEntry)
	if kv.now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

func (kv *MemoryKV) Delete(_ context.Context, key string) error {
	kv.entries.Delete(key)
	return nil
}

func (kv *MemoryKV) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-kv.stop:
			return
		case <-ticker.C:
			now := kv.now()
			kv.entries.Range(func(key, value interface{}) bool {
				if now.After(value.(*kvEntry).expiresAt) {
					kv.entries.Delete(key)
				}
				return true
			})
		}
	}
}

func (kv *MemoryKV) Close() {
	kv.stopped.Do(func() { close(kv.stop) })
}
