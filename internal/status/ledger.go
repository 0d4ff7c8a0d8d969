// Package status keeps the outcome of the most recent upstream fetch for every
// cache key. Status panels and the /-/status route read it; the fetcher and the
// content service's property conversion write it. Entries are overwritten per key and never expire.
package status

import (
	"strings"
	"sync"
	"time"
)

// FetchStatus 描述某个缓存键最近一次回源结果。StatusCode 为 0 表示未收到 HTTP 响应。
type FetchStatus struct {
	Key        string    `json:"key"`
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// InvalidPrefix 标记返回 2xx 但内容未被接受的记录。
const InvalidPrefix = "invalid "

// OK 表示最近一次回源返回 2xx 且内容校验通过。
func (s FetchStatus) OK() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300 && !strings.HasPrefix(s.Message, InvalidPrefix)
}

// Ledger 是按 key 覆盖写入的并发安全状态表，不同 key 之间互不阻塞。
type Ledger struct {
	entries sync.Map
}

// NewLedger 创建空的状态表。
func NewLedger() *Ledger {
	return &Ledger{}
}

// Record 覆盖写入 key 的最近一次回源结果。
func (l *Ledger) Record(key string, code int, message string, at time.Time) {
	l.entries.Store(key, FetchStatus{
		Key:        key,
		StatusCode: code,
		Message:    message,
		Timestamp:  at,
	})
}

// Get 返回单个 key 的状态。
func (l *Ledger) Get(key string) (FetchStatus, bool) {
	value, ok := l.entries.Load(key)
	if !ok {
		return FetchStatus{}, false
	}
	return value.(FetchStatus), true
}

// Snapshot 复制当前所有状态，调用方可以自由修改返回的 map。
func (l *Ledger) Snapshot() map[string]FetchStatus {
	out := make(map[string]FetchStatus)
	l.entries.Range(func(key, value any) bool {
		out[key.(string)] = value.(FetchStatus)
		return true
	})
	return out
}

// Len 返回已记录的 key 数量。
func (l *Ledger) Len() int {
	n := 0
	l.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// humanLayout 对应状态面板使用的 dd.MM.yyyy HH:mm:ss。
const humanLayout = "02.01.2006 15:04:05"

// HumanTime 把时间格式化为状态面板展示格式；零值返回空串。
func HumanTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(humanLayout)
}
