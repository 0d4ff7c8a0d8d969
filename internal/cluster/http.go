package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fragcache/fragcache/internal/logging"
)

// NodeHeader 携带发送方节点标识。
const NodeHeader = "X-Fragcache-Node"

const (
	defaultBindPort  = 7800
	defaultHeartbeat = 5 * time.Second
	// memberTTL 以心跳间隔为单位，超过该次数未响应的节点不再计入成员。
	memberTTL = 3
)

// HTTPOptions 配置基于 HTTP 的集群通道。
type HTTPOptions struct {
	NodeID PeerID
	// Peers 为节点地址列表，缺省端口时补 BindPort，可包含自身地址。
	Peers     []string
	BindPort  int
	Heartbeat time.Duration
	// Listener 可选，测试中用于绑定随机端口。
	Listener net.Listener
	Client   *http.Client
	Logger   *logrus.Logger
	Now      func() time.Time
}

// HTTPChannel 在 BindPort 上暴露信号与心跳端点，并向配置的节点逐个投递广播。
type HTTPChannel struct {
	id        PeerID
	peers     []string
	bindPort  int
	heartbeat time.Duration
	client    *http.Client
	logger    *logrus.Logger
	now       func() time.Time
	app       *fiber.App

	mu       sync.RWMutex
	listener net.Listener
	serving  bool
	group    string
	joined   bool
	closed   bool
	handler  func(Signal)
	seen     map[PeerID]time.Time
	stop     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// NewHTTPChannel 构造通道；监听与心跳在 Join 时启动。
func NewHTTPChannel(opts HTTPOptions) (*HTTPChannel, error) {
	id := opts.NodeID
	if id == "" {
		id = PeerID(uuid.NewString())
	}
	bindPort := opts.BindPort
	if bindPort == 0 {
		bindPort = defaultBindPort
	}
	if bindPort < 0 || bindPort > 65535 {
		return nil, fmt.Errorf("invalid bind port %d", bindPort)
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: heartbeat}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	peers := make([]string, 0, len(opts.Peers))
	for _, host := range opts.Peers {
		peer, err := peerBaseURL(host, bindPort)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}

	ch := &HTTPChannel{
		id:        id,
		peers:     peers,
		bindPort:  bindPort,
		heartbeat: heartbeat,
		client:    client,
		logger:    logger,
		now:       now,
		listener:  opts.Listener,
		seen:      make(map[PeerID]time.Time),
	}
	ch.app = ch.newApp()
	return ch, nil
}

// ID 返回本节点标识。
func (c *HTTPChannel) ID() PeerID {
	return c.id
}

// Peers 返回展开后的节点基础地址。
func (c *HTTPChannel) Peers() []string {
	return append([]string(nil), c.peers...)
}

func (c *HTTPChannel) newApp() *fiber.App {
	app := fiber.New()
	app.Use(recover.New())
	app.Post("/-/cluster/:group/signal", c.handleSignal)
	app.Get("/-/cluster/:group/hello", c.handleHello)
	return app
}

func (c *HTTPChannel) handleSignal(ctx fiber.Ctx) error {
	from := PeerID(strings.TrimSpace(string(ctx.Request().Header.Peek(NodeHeader))))
	group := ctx.Params("group")
	sig := Signal(strings.TrimSpace(string(ctx.Request().Body())))

	if from != "" && from != c.id {
		c.markSeen(from)
	}
	accepted := c.deliver(from, group, sig)
	fields := logging.ClusterFields("cluster_signal_received", group, string(from))
	fields["accepted"] = accepted
	c.logger.WithFields(fields).Info("cluster signal received")

	return ctx.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"node":     c.id,
		"accepted": accepted,
	})
}

func (c *HTTPChannel) handleHello(ctx fiber.Ctx) error {
	group := ctx.Params("group")
	c.mu.RLock()
	active := c.joined && !c.closed && c.group == group
	c.mu.RUnlock()
	if !active {
		return ctx.SendStatus(fiber.StatusNotFound)
	}
	if from := PeerID(strings.TrimSpace(string(ctx.Request().Header.Peek(NodeHeader)))); from != "" && from != c.id {
		c.markSeen(from)
	}
	return ctx.JSON(fiber.Map{
		"node":  c.id,
		"group": group,
	})
}

// Join 加入组；首次调用时开始监听 BindPort 并启动心跳。
func (c *HTTPChannel) Join(group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.joined && c.group != group {
		c.seen = make(map[PeerID]time.Time)
	}
	c.group = group
	c.joined = true

	if !c.serving {
		if c.listener == nil {
			ln, err := net.Listen("tcp", ":"+strconv.Itoa(c.bindPort))
			if err != nil {
				c.joined = false
				return fmt.Errorf("cluster listen on %d: %w", c.bindPort, err)
			}
			c.listener = ln
		}
		c.serving = true
		go c.serve(c.listener)

		c.stop = make(chan struct{})
		c.loopDone = make(chan struct{})
		go c.heartbeatLoop(c.stop, c.loopDone)
	}

	c.logger.WithFields(logging.ClusterFields("cluster_join", group, "")).
		WithField("node", c.id).Info("joined cluster group")
	return nil
}

func (c *HTTPChannel) serve(ln net.Listener) {
	err := c.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.WithError(err).WithFields(logrus.Fields{"action": "cluster_serve"}).Error("cluster endpoint stopped")
	}
}

// Broadcast 将信号逐个投递给其它节点，失败以 *SendError 返回并合并。
func (c *HTTPChannel) Broadcast(ctx context.Context, sig Signal) error {
	c.mu.RLock()
	closed, joined, group := c.closed, c.joined, c.group
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !joined {
		return ErrNotJoined
	}

	var errs []error
	for _, peer := range c.peers {
		if err := c.send(ctx, peer, group, sig); err != nil {
			errs = append(errs, &SendError{Peer: PeerID(peer), Err: err})
		}
	}
	fields := logging.ClusterFields("cluster_broadcast", group, "")
	fields["peers"] = len(c.peers)
	fields["failed"] = len(errs)
	c.logger.WithFields(fields).Info("cluster signal broadcast")
	return errors.Join(errs...)
}

func (c *HTTPChannel) send(ctx context.Context, peer, group string, sig Signal) error {
	target := peer + "/-/cluster/" + url.PathEscape(group) + "/signal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(string(sig)))
	if err != nil {
		return err
	}
	req.Header.Set(NodeHeader, string(c.id))
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("peer responded %s", resp.Status)
	}
	return nil
}

func (c *HTTPChannel) OnReceive(handler func(Signal)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Members 返回自身与最近三个心跳周期内响应过的节点；未加入组时为空。
func (c *HTTPChannel) Members() []PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.joined || c.closed {
		return []PeerID{}
	}
	cutoff := c.now().Add(-memberTTL * c.heartbeat)
	ids := []PeerID{c.id}
	for id, at := range c.seen {
		if at.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close 停止心跳与监听，并等待正在执行的接收回调。
func (c *HTTPChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.joined = false
	serving, stop, loopDone := c.serving, c.stop, c.loopDone
	c.mu.Unlock()

	var err error
	if serving {
		close(stop)
		<-loopDone
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = c.app.ShutdownWithContext(ctx)
		_ = c.listener.Close()
	} else if c.listener != nil {
		err = c.listener.Close()
	}
	c.inflight.Wait()
	return err
}

func (c *HTTPChannel) deliver(from PeerID, group string, sig Signal) bool {
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

func (c *HTTPChannel) markSeen(id PeerID) {
	c.mu.Lock()
	c.seen[id] = c.now()
	c.mu.Unlock()
}

func (c *HTTPChannel) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		c.probePeers(stop)
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (c *HTTPChannel) probePeers(stop <-chan struct{}) {
	c.mu.RLock()
	group := c.group
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.heartbeat)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, peer := range c.peers {
		id, err := c.hello(ctx, peer, group)
		if err != nil {
			c.logger.WithError(err).WithFields(logging.ClusterFields("cluster_heartbeat", group, peer)).
				Debug("peer did not answer heartbeat")
			continue
		}
		if id != c.id {
			c.markSeen(id)
		}
	}
}

func (c *HTTPChannel) hello(ctx context.Context, peer, group string) (PeerID, error) {
	target := peer + "/-/cluster/" + url.PathEscape(group) + "/hello"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(NodeHeader, string(c.id))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("peer responded %s", resp.Status)
	}

	var payload struct {
		Node PeerID `json:"node"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode hello: %w", err)
	}
	if payload.Node == "" {
		return "", errors.New("hello without node id")
	}
	return payload.Node, nil
}

// peerBaseURL 把 host、host:port 或完整 URL 统一为 http(s)://host:port。
func peerBaseURL(host string, port int) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("empty peer host")
	}
	if strings.Contains(host, "://") {
		parsed, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("invalid peer %q: %w", host, err)
		}
		if parsed.Host == "" {
			return "", fmt.Errorf("invalid peer %q: missing host", host)
		}
		return parsed.Scheme + "://" + parsed.Host, nil
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return "http://" + host, nil
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}
