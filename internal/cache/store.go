package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fragcache/fragcache/internal/logging"
)

const (
	// DefaultTTL 在 Options.TTL 未设置时使用。
	DefaultTTL = 5 * time.Minute
	// DefaultMaxEntries 在 Options.MaxEntries 未设置时使用。
	DefaultMaxEntries = 1000
	// ForceRefresh 作为 GetWithTTL 的 ttl 传入时总是视为过期。
	ForceRefresh time.Duration = -1
)

// FetchFunc 负责为某个 key 产出新值。
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Options 控制 Store 的 TTL、容量与时钟。
type Options[V any] struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
	// Digest 为新值计算摘要，用于变更日志与诊断输出，可为空。
	Digest func(V) string
	Logger *logrus.Logger
}

// Entry 是某个 key 的缓存快照。RefreshedAt 仅在回源成功时更新。
type Entry[V any] struct {
	Key         string    `json:"key"`
	Value       V         `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
	LastAccess  time.Time `json:"last_access"`
	Digest      string    `json:"digest,omitempty"`
}

// Fresh 判断条目在 ttl 内是否仍然新鲜；ttl <= 0 时总是过期。
func (e Entry[V]) Fresh(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(e.RefreshedAt) < ttl
}

type slot[V any] struct {
	mu    sync.RWMutex
	entry Entry[V]
}

func (s *slot[V]) snapshot() Entry[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entry
}

func (s *slot[V]) touch(at time.Time) {
	s.mu.Lock()
	s.entry.LastAccess = at
	s.mu.Unlock()
}

// Store 是带单飞回源的内存缓存，不同 key 的读取与回源互不阻塞。
type Store[V any] struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	digest     func(V) string
	logger     *logrus.Logger

	entries sync.Map // string -> *slot[V]
	size    atomic.Int64
	locks   *keyLocks
	evictMu sync.Mutex
}

// New 构造 Store，未设置的选项使用默认值。
func New[V any](opts Options[V]) *Store[V] {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store[V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
		digest:     opts.Digest,
		logger:     logger,
		locks:      newKeyLocks(),
	}
}

// TTL 返回 Store 的默认新鲜期。
func (s *Store[V]) TTL() time.Duration {
	return s.ttl
}

// Get 按 Store 的 TTL 读取 key，必要时调用 fetch 回源。
func (s *Store[V]) Get(ctx context.Context, key string, fetch FetchFunc[V]) (V, error) {
	return s.GetWithTTL(ctx, key, s.ttl, fetch)
}

// GetWithTTL 读取 key：新鲜值直接返回；过期或缺失时在 key 锁内回源。
// 回源失败且存在旧值时返回旧值；没有旧值时返回 *NoCachedValueError。
// ttl <= 0 表示强制回源。
func (s *Store[V]) GetWithTTL(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[V]) (V, error) {
	if current, ok := s.load(key); ok {
		entry := current.snapshot()
		if entry.Fresh(s.now(), ttl) {
			current.touch(s.now())
			return entry.Value, nil
		}
	}

	lock, release := s.locks.acquire(key)
	defer release()
	observed := lock.attempts.Load()
	lock.mu.Lock()
	defer lock.mu.Unlock()

	if ttl > 0 {
		if lock.attempts.Load() != observed {
			// 排队期间已有回源完成，复用其结果。
			if lock.lastErr == nil {
				s.touch(key)
				value, _ := lock.lastValue.(V)
				return value, nil
			}
			return s.outcome(key, lock.lastErr)
		}
		if current, ok := s.load(key); ok {
			entry := current.snapshot()
			if entry.Fresh(s.now(), ttl) {
				current.touch(s.now())
				return entry.Value, nil
			}
		}
	}

	value, fetchErr := s.populate(ctx, lock, key, fetch)
	if fetchErr == nil {
		return value, nil
	}
	return s.outcome(key, fetchErr)
}

// Refresh 强制回源并返回回源错误本身；失败时保留旧值。
func (s *Store[V]) Refresh(ctx context.Context, key string, fetch FetchFunc[V]) error {
	lock, release := s.locks.acquire(key)
	defer release()
	lock.mu.Lock()
	defer lock.mu.Unlock()

	_, err := s.populate(ctx, lock, key, fetch)
	return err
}

// Replace 在 key 锁内替换值的表示形式，不修改任何时间戳。fn 返回错误时保持原值。
func (s *Store[V]) Replace(key string, fn func(V) (V, error)) (V, error) {
	unlock := s.locks.lock(key)
	defer unlock()

	var zero V
	current, ok := s.load(key)
	if !ok {
		return zero, ErrNotFound
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	next, err := fn(current.entry.Value)
	if err != nil {
		return zero, err
	}
	current.entry.Value = next
	return next, nil
}

// Peek 返回条目快照，不触发回源也不更新访问时间。
func (s *Store[V]) Peek(key string) (Entry[V], bool) {
	current, ok := s.load(key)
	if !ok {
		return Entry[V]{}, false
	}
	return current.snapshot(), true
}

// Keys 返回排序后的全部 key。
func (s *Store[V]) Keys() []string {
	keys := make([]string, 0, s.Len())
	s.entries.Range(func(key, _ any) bool {
		keys = append(keys, key.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Entries 返回按 key 排序的全部条目快照。
func (s *Store[V]) Entries() []Entry[V] {
	out := make([]Entry[V], 0, s.Len())
	s.entries.Range(func(_, value any) bool {
		out = append(out, value.(*slot[V]).snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len 返回当前条目数。
func (s *Store[V]) Len() int {
	return int(s.size.Load())
}

// Flush 清空全部条目。
func (s *Store[V]) Flush() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	s.entries.Range(func(key, _ any) bool {
		if _, loaded := s.entries.LoadAndDelete(key); loaded {
			s.size.Add(-1)
		}
		return true
	})
	s.logger.WithFields(logrus.Fields{"action": "cache_flush"}).Info("cache flushed")
}

func (s *Store[V]) touch(key string) {
	if current, ok := s.load(key); ok {
		current.touch(s.now())
	}
}

func (s *Store[V]) load(key string) (*slot[V], bool) {
	value, ok := s.entries.Load(key)
	if !ok {
		return nil, false
	}
	return value.(*slot[V]), true
}

// populate 必须在持有 key 锁时调用。成功时返回写入的值，与条目之后是否被淘汰无关。
func (s *Store[V]) populate(ctx context.Context, lock *keyLock, key string, fetch FetchFunc[V]) (V, error) {
	value, err := fetch(ctx)
	lock.lastErr = err
	lock.lastValue = value
	lock.attempts.Add(1)

	if err != nil {
		if current, ok := s.load(key); ok {
			entry := current.snapshot()
			fields := logging.CacheFields("cache_stale_served", key)
			fields["refreshed_at"] = entry.RefreshedAt
			s.logger.WithError(err).WithFields(fields).Warn("serving stale value after failed refresh")
		}
		return value, err
	}

	s.store(key, value)
	return value, nil
}

func (s *Store[V]) store(key string, value V) {
	now := s.now()
	digest := ""
	if s.digest != nil {
		digest = s.digest(value)
	}

	if current, ok := s.load(key); ok {
		current.mu.Lock()
		changed := current.entry.Digest != digest
		current.entry.Value = value
		current.entry.RefreshedAt = now
		current.entry.LastAccess = now
		current.entry.Digest = digest
		current.mu.Unlock()

		fields := logging.CacheFields("cache_refresh", key)
		fields["changed"] = changed
		s.logger.WithFields(fields).Debug("cache entry refreshed")
		return
	}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	created := &slot[V]{entry: Entry[V]{
		Key:         key,
		Value:       value,
		CreatedAt:   now,
		RefreshedAt: now,
		LastAccess:  now,
		Digest:      digest,
	}}
	// 调用方持有 key 锁，条目只可能被 Flush/淘汰删除，不会被并发插入。
	s.entries.Store(key, created)
	s.size.Add(1)
	for s.Len() > s.maxEntries {
		if !s.evictOldest(key) {
			break
		}
	}
	s.logger.WithFields(logging.CacheFields("cache_insert", key)).Debug("cache entry created")
}

// evictOldest 淘汰 LastAccess 最早的条目，keep 不参与淘汰。调用方持有 evictMu。
func (s *Store[V]) evictOldest(keep string) bool {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	s.entries.Range(func(key, value any) bool {
		k := key.(string)
		if k == keep {
			return true
		}
		entry := value.(*slot[V]).snapshot()
		if !found || entry.LastAccess.Before(oldest) {
			victim, oldest, found = k, entry.LastAccess, true
		}
		return true
	})
	if !found {
		return false
	}
	if _, loaded := s.entries.LoadAndDelete(victim); loaded {
		s.size.Add(-1)
	}
	s.logger.WithFields(logging.CacheFields("cache_evict", victim)).Debug("cache entry evicted")
	return true
}

// outcome 把当前条目与回源错误合成 Get 的返回值。
func (s *Store[V]) outcome(key string, fetchErr error) (V, error) {
	if current, ok := s.load(key); ok {
		current.touch(s.now())
		return current.snapshot().Value, nil
	}
	var zero V
	if fetchErr == nil {
		fetchErr = ErrNotFound
	}
	return zero, &NoCachedValueError{Key: key, Err: fetchErr}
}
