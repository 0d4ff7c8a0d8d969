// Package content is the façade consumed by page decoration and status
// surfaces. It maps request paths to cache keys, populates the cache through
// the fetcher, converts property lists lazily and fans refresh requests out to
// the cluster.
package content

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/fragcache/fragcache/internal/cache"
	"github.com/fragcache/fragcache/internal/cluster"
	"github.com/fragcache/fragcache/internal/fetch"
	"github.com/fragcache/fragcache/internal/logging"
	"github.com/fragcache/fragcache/internal/status"
)

// Fetcher 为缓存键拉取原始内容，*fetch.Fetcher 满足该接口。
type Fetcher interface {
	Fetch(ctx context.Context, key string) (string, error)
}

// Options 描述一个内容服务实例。Fetcher 为空时根据 Client/HTTPTimeout 创建。
type Options struct {
	BaseURL        string
	AppName        string
	TTL            time.Duration
	MaxEntries     int
	HTTPTimeout    time.Duration
	VolatileParams []string
	Client         *http.Client
	Fetcher        Fetcher
	Ledger         *status.Ledger
	Channel        cluster.Channel
	Logger         *logrus.Logger
	Now            func() time.Time
}

// DefaultVolatileParams 在 Options.VolatileParams 为 nil 时使用。
var DefaultVolatileParams = []string{fetch.CacheBusterParam}

// payload 只持有一种表示：原始文本或解析后的属性表。
type payload struct {
	raw    string
	props  PropertySet
	digest string
}

func (p payload) isProperties() bool {
	return p.props != nil
}

// kind 返回表示形式名称，用于诊断输出。
func (p payload) kind() string {
	if p.isProperties() {
		return "properties"
	}
	return "content"
}

func (p payload) size() int {
	if p.isProperties() {
		return len(p.props)
	}
	return len(p.raw)
}

// EntryInfo 是状态面板展示的条目摘要。
type EntryInfo struct {
	Key         string              `json:"key"`
	Kind        string              `json:"kind"`
	Size        int                 `json:"size"`
	Digest      string              `json:"digest"`
	CreatedAt   time.Time           `json:"created_at"`
	RefreshedAt time.Time           `json:"refreshed_at"`
	LastAccess  time.Time           `json:"last_access"`
	Stale       bool                `json:"stale"`
	Status      *status.FetchStatus `json:"status,omitempty"`
}

// Service 拥有缓存、状态表与集群通道，可以在同一进程中创建多个实例。
type Service struct {
	baseURL  string
	appName  string
	group    string
	volatile map[string]struct{}
	store    *cache.Store[payload]
	fetcher  Fetcher
	ledger   *status.Ledger
	channel  cluster.Channel
	logger   *logrus.Logger
	now      func() time.Time
}

// NewService 构造服务；配置了 Channel 时立即加入 GroupName(AppName) 并监听刷新信号。
func NewService(opts Options) (*Service, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("content: base url required")
	}
	baseURL := normalizeBaseURL(opts.BaseURL)
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("content: invalid base url: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ledger := opts.Ledger
	if ledger == nil {
		ledger = status.NewLedger()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		client := opts.Client
		if client == nil {
			client = fetch.NewUpstreamClient(opts.HTTPTimeout)
		}
		fetcher = fetch.NewFetcher(fetch.Options{
			Client:   client,
			Recorder: ledger,
			Logger:   logger,
			Now:      now,
		})
	}
	volatileNames := opts.VolatileParams
	if volatileNames == nil {
		volatileNames = DefaultVolatileParams
	}
	volatile := make(map[string]struct{}, len(volatileNames))
	for _, name := range volatileNames {
		volatile[name] = struct{}{}
	}
	appName := opts.AppName
	if appName == "" {
		appName = "fragcache"
	}

	s := &Service{
		baseURL:  baseURL,
		appName:  appName,
		group:    cluster.GroupName(appName),
		volatile: volatile,
		fetcher:  fetcher,
		ledger:   ledger,
		channel:  opts.Channel,
		logger:   logger,
		now:      now,
	}
	s.store = cache.New(cache.Options[payload]{
		TTL:        opts.TTL,
		MaxEntries: opts.MaxEntries,
		Now:        now,
		Digest:     func(p payload) string { return p.digest },
		Logger:     logger,
	})

	if s.channel != nil {
		s.channel.OnReceive(s.onSignal)
		if err := s.channel.Join(s.group); err != nil {
			return nil, fmt.Errorf("content: join %s: %w", s.group, err)
		}
	}
	return s, nil
}

// BaseURL 返回规范化后的内容源地址。
func (s *Service) BaseURL() string { return s.baseURL }

// AppName 返回应用名。
func (s *Service) AppName() string { return s.appName }

// Group 返回集群组名。
func (s *Service) Group() string { return s.group }

// TTL 返回缓存新鲜期。
func (s *Service) TTL() time.Duration { return s.store.TTL() }

// GetContent 返回 path 对应的原始文本，过期时可能是旧值。
// 只有在回源失败且没有旧值时返回 *cache.NoCachedValueError。
func (s *Service) GetContent(ctx context.Context, path string) (string, error) {
	key := s.CacheKey(path)
	p, err := s.store.Get(ctx, key, s.loader(key))
	if err != nil {
		return "", err
	}
	if p.isProperties() {
		return p.props.XML(), nil
	}
	return p.raw, nil
}

// GetProperties 返回 path 对应的属性表。首次读取时原地把原始文本替换为解析结果，
// 解析失败时返回 *ParseError，原始文本保留在缓存中。
func (s *Service) GetProperties(ctx context.Context, path string) (PropertySet, error) {
	key := s.CacheKey(path)
	p, err := s.store.Get(ctx, key, s.loader(key))
	if err != nil {
		return nil, err
	}
	if p.isProperties() {
		return p.props.Clone(), nil
	}

	converted, err := s.store.Replace(key, func(current payload) (payload, error) {
		if current.isProperties() {
			return current, nil
		}
		props, perr := ParseProperties(current.raw)
		if perr != nil {
			s.recordParseFailure(key, perr)
			return current, &ParseError{Key: key, Err: perr}
		}
		s.logger.WithFields(logging.CacheFields("cache_convert", key)).Debug("cached content converted to properties")
		return payload{props: props, digest: current.digest}, nil
	})
	switch {
	case err == nil:
		return converted.props.Clone(), nil
	case errors.Is(err, cache.ErrNotFound):
		// 条目在读取后被清空或淘汰，直接解析本次拿到的值。
		props, perr := ParseProperties(p.raw)
		if perr != nil {
			return nil, &ParseError{Key: key, Err: perr}
		}
		return props, nil
	default:
		s.logger.WithError(err).WithFields(logging.CacheFields("cache_convert", key)).Warn("properties_parse_failed")
		return nil, err
	}
}

// RefreshCache 强制刷新全部已缓存的 key 并保留各自的表示形式。单个 key 失败不影响其它 key，
// 所有失败合并返回。broadcast 为 true 时在本地刷新完成后通知其它节点。
func (s *Service) RefreshCache(ctx context.Context, broadcast bool) error {
	started := s.now()
	keys := s.store.Keys()

	var errs []error
	for _, key := range keys {
		if err := s.store.Refresh(ctx, key, s.loader(key)); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", key, err))
		}
	}

	fields := logrus.Fields{
		"action":     "cache_refresh_all",
		"keys":       len(keys),
		"failed":     len(errs),
		"broadcast":  broadcast,
		"elapsed_ms": s.now().Sub(started).Milliseconds(),
	}
	s.logger.WithFields(fields).Info("cache refreshed")

	if broadcast && s.channel != nil {
		if err := s.channel.Broadcast(ctx, cluster.RefreshSignal); err != nil {
			s.logger.WithError(err).
				WithFields(logging.ClusterFields("cluster_broadcast_failed", s.group, "")).
				Warn("refresh signal not delivered to every peer")
		}
	}
	return errors.Join(errs...)
}

// FlushCache 清空缓存，不影响状态表，也不通知其它节点。
func (s *Service) FlushCache() {
	s.store.Flush()
}

// Statuses 返回每个 key 最近一次回源的结果。
func (s *Service) Statuses() map[string]status.FetchStatus {
	return s.ledger.Snapshot()
}

// Members 返回集群成员；未启用集群或未连接时为空。
func (s *Service) Members() []cluster.PeerID {
	if s.channel == nil {
		return []cluster.PeerID{}
	}
	return s.channel.Members()
}

// Entries 返回按 key 排序的条目摘要。
func (s *Service) Entries() []EntryInfo {
	now := s.now()
	ttl := s.store.TTL()
	entries := s.store.Entries()
	out := make([]EntryInfo, 0, len(entries))
	for _, entry := range entries {
		info := EntryInfo{
			Key:         entry.Key,
			Kind:        entry.Value.kind(),
			Size:        entry.Value.size(),
			Digest:      entry.Digest,
			CreatedAt:   entry.CreatedAt,
			RefreshedAt: entry.RefreshedAt,
			LastAccess:  entry.LastAccess,
			Stale:       !entry.Fresh(now, ttl),
		}
		if st, ok := s.ledger.Get(entry.Key); ok {
			info.Status = &st
		}
		out = append(out, info)
	}
	return out
}

// Close 离开集群并等待正在处理的刷新信号。
func (s *Service) Close() error {
	if s.channel == nil {
		return nil
	}
	return s.channel.Close()
}

func (s *Service) onSignal(sig cluster.Signal) {
	if sig != cluster.RefreshSignal {
		return
	}
	s.logger.WithFields(logging.ClusterFields("cluster_refresh_received", s.group, "")).Info("refreshing cache on peer request")
	if err := s.RefreshCache(context.Background(), false); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"action": "cache_refresh_all"}).Warn("peer triggered refresh had failures")
	}
}

// loader 在 key 锁内执行，按当前条目的表示形式决定是否同时解析属性表。
func (s *Service) loader(key string) cache.FetchFunc[payload] {
	return func(ctx context.Context) (payload, error) {
		raw, err := s.fetcher.Fetch(ctx, key)
		if err != nil {
			return payload{}, err
		}
		p := payload{raw: raw, digest: digest(raw)}

		if current, ok := s.store.Peek(key); ok && current.Value.isProperties() {
			props, perr := ParseProperties(raw)
			if perr != nil {
				s.recordParseFailure(key, perr)
				return payload{}, &ParseError{Key: key, Err: perr}
			}
			p = payload{props: props, digest: p.digest}
		}
		return p, nil
	}
}

// recordParseFailure 覆盖回源成功时写入的状态，沿用其 HTTP 状态码。
func (s *Service) recordParseFailure(key string, err error) {
	code := http.StatusOK
	if st, ok := s.ledger.Get(key); ok && st.StatusCode != 0 {
		code = st.StatusCode
	}
	s.ledger.Record(key, code, status.InvalidPrefix+"properties: "+err.Error(), s.now())
}

func digest(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
