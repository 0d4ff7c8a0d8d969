package cache

import (
	"sync"
	"sync/atomic"
)

// keyLock 串行化同一 key 的回源。attempts 在每次回源结束后递增，
// 等待者据此判断自己排队期间是否已有结果可复用。lastValue 仅在 lastErr 为 nil 时有效。
type keyLock struct {
	mu        sync.Mutex
	refs      int
	attempts  atomic.Uint64
	lastErr   error
	lastValue any
}

// keyLocks 按需创建 keyLock，并在最后一个持有者释放后回收。
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// acquire 增加引用但不加锁，返回的 release 必须在使用完毕后调用。
func (l *keyLocks) acquire(key string) (*keyLock, func()) {
	l.mu.Lock()
	lock := l.locks[key]
	if lock == nil {
		lock = &keyLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	return lock, func() {
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// lock 获取 key 的互斥锁，返回解锁并释放引用的函数。
func (l *keyLocks) lock(key string) func() {
	lock, release := l.acquire(key)
	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		release()
	}
}

func (l *keyLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
