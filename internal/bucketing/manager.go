package bucketing

import (
	"hash"
	"sync"

	"identity-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager assigns stable murmur3 buckets: account buckets are the
// Scylla partition key component for account rows, event buckets shard
// throttle-counter keys.
type Manager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		accountBuckets: cfg.Bucketing.AccountBuckets,
		eventBuckets:   cfg.Bucketing.EventBuckets,
	}

	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// AccountBucket returns the consistent bucket for an account id or
// email hash (0 to accountBuckets-1).
func (m *Manager) AccountBucket(id string) int {
	return m.bucket(id, m.accountBuckets)
}

// EventBucket returns the bucket for a client identifier, used to shard
// attempt-counter keys.
func (m *Manager) EventBucket(identifier string) int {
	return m.bucket(identifier, m.eventBuckets)
}

func (m *Manager) bucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return int(hasher.Sum64() % uint64(numBuckets))
}
