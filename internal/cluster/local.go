package cluster

import (
	"context"
	"sort"
	"sync"
)

// Hub 是进程内的组总线，供测试与同进程多实例使用。
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[PeerID]*LocalChannel
}

// NewHub 创建空总线。
func NewHub() *Hub {
	return &Hub{groups: make(map[string]map[PeerID]*LocalChannel)}
}

// Channel 为 id 创建挂在该总线上的通道。
func (h *Hub) Channel(id PeerID) *LocalChannel {
	return &LocalChannel{hub: h, id: id}
}

func (h *Hub) add(group string, ch *LocalChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	if members == nil {
		members = make(map[PeerID]*LocalChannel)
		h.groups[group] = members
	}
	members[ch.id] = ch
}

func (h *Hub) remove(group string, id PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	delete(members, id)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

func (h *Hub) members(group string) []*LocalChannel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*LocalChannel, 0, len(h.groups[group]))
	for _, ch := range h.groups[group] {
		out = append(out, ch)
	}
	return out
}

// LocalChannel 实现 Channel，信号通过 Hub 投递给同组其它成员。
type LocalChannel struct {
	hub *Hub
	id  PeerID

	mu       sync.RWMutex
	group    string
	joined   bool
	closed   bool
	handler  func(Signal)
	inflight sync.WaitGroup
}

// ID 返回节点标识。
func (c *LocalChannel) ID() PeerID {
	return c.id
}

func (c *LocalChannel) Join(group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.joined && c.group != group {
		c.hub.remove(c.group, c.id)
	}
	c.group = group
	c.joined = true
	c.hub.add(group, c)
	return nil
}

func (c *LocalChannel) Broadcast(ctx context.Context, sig Signal) error {
	c.mu.RLock()
	closed, joined, group := c.closed, c.joined, c.group
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !joined {
		return ErrNotJoined
	}
	for _, peer := range c.hub.members(group) {
		if err := ctx.Err(); err != nil {
			return err
		}
		peer.deliver(c.id, group, sig)
	}
	return nil
}

func (c *LocalChannel) OnReceive(handler func(Signal)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *LocalChannel) Members() []PeerID {
	c.mu.RLock()
	joined, group := c.joined, c.group
	c.mu.RUnlock()
	if !joined {
		return []PeerID{}
	}
	members := c.hub.members(group)
	ids := make([]PeerID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close 退出组并等待正在执行的接收回调结束。
func (c *LocalChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.joined {
		c.hub.remove(c.group, c.id)
		c.joined = false
	}
	c.mu.Unlock()

	c.inflight.Wait()
	return nil
}

func (c *LocalChannel) deliver(from PeerID, group string, sig Signal) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !accept(c.id, c.group, c.joined && !c.closed, from, group, sig) || c.handler == nil {
		return false
	}
	handler := c.handler
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		handler(sig)
	}()
	return true
}

// accept 过滤自身广播、其它组以及非刷新信号。
func accept(self PeerID, ownGroup string, active bool, from PeerID, group string, sig Signal) bool {
	return active && from != self && group == ownGroup && sig == RefreshSignal
}
