// Package cluster propagates "refresh now" signals between processes that
// serve the same application. Only the signal travels; cached values are never
// replicated. A node never handles its own broadcast, and receivers must not
// rebroadcast, which keeps peers from looping.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Signal 是集群内传递的不透明消息。
type Signal string

// RefreshSignal 要求接收方刷新本地缓存。
const RefreshSignal Signal = "updateCache"

// PeerID 唯一标识一个节点。
type PeerID string

// Channel 是组通信抽象：加入组、广播信号、接收信号、列出成员。
type Channel interface {
	Join(group string) error
	Broadcast(ctx context.Context, sig Signal) error
	OnReceive(handler func(Signal))
	Members() []PeerID
	Close() error
}

var (
	// ErrNotJoined 表示尚未加入任何组。
	ErrNotJoined = errors.New("cluster channel not joined")
	// ErrClosed 表示通道已关闭。
	ErrClosed = errors.New("cluster channel closed")
)

// SendError 描述向单个节点广播失败，多个节点失败时以 errors.Join 合并。
type SendError struct {
	Peer PeerID
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send signal to %s: %v", e.Peer, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

const groupPrefix = "fragcache-sync-"

// GroupName 根据应用名生成确定的组名，只有同一应用的节点会加入同一组。
func GroupName(appName string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(appName)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	name := strings.TrimSuffix(b.String(), "-")
	if name == "" {
		name = "default"
	}
	return groupPrefix + name
}
