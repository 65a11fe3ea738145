package memory

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type entryKey struct {
	task string
	key  string
}

// shortTerm is per-task working state. Entries expire at their ttl or when
// the task is released, whichever comes first.
type shortTerm struct {
	cache *ttlcache.Cache[entryKey, any]
}

func newShortTerm(defaultTTL time.Duration) *shortTerm {
	return &shortTerm{
		cache: ttlcache.New[entryKey, any](
			ttlcache.WithTTL[entryKey, any](defaultTTL),
			ttlcache.WithDisableTouchOnHit[entryKey, any](),
		),
	}
}

func (s *shortTerm) put(task, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	s.cache.Set(entryKey{task, key}, value, ttl)
}

func (s *shortTerm) get(task, key string) (any, bool) {
	item := s.cache.Get(entryKey{task, key})
	if item == nil || item.IsExpired() {
		return nil, false
	}
	return item.Value(), true
}

func (s *shortTerm) release(task string) int {
	var keys []entryKey
	s.cache.Range(func(item *ttlcache.Item[entryKey, any]) bool {
		if item.Key().task == task {
			keys = append(keys, item.Key())
		}
		return true
	})
	for _, k := range keys {
		s.cache.Delete(k)
	}
	return len(keys)
}

// TaskMemory is the working memory view handed to one task's agent.
type TaskMemory struct {
	st     *shortTerm
	taskID string
}

// Put stores value for ttl; a ttl of zero uses the configured default.
func (m TaskMemory) Put(key string, value any, ttl time.Duration) {
	m.st.put(m.taskID, key, value, ttl)
}

// Get returns the live value stored under key.
func (m TaskMemory) Get(key string) (any, bool) {
	return m.st.get(m.taskID, key)
}
