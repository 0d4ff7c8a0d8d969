// Package fetch performs single upstream GETs for cache keys. Each attempt
// carries a cache-busting sid parameter, has its body validated, and leaves
// exactly one record in the status ledger.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fragcache/fragcache/internal/logging"
)

// CacheBusterParam 是附加到上游 URL 的随机参数名。
const CacheBusterParam = "sid"

// maxErrorBody 限制非 2xx 响应时丢弃的正文大小，便于连接复用。
const maxErrorBody = 64 * 1024

// Recorder 接收每次回源的结果，status.Ledger 满足该接口。
type Recorder interface {
	Record(key string, code int, message string, at time.Time)
}

// Options 配置 Fetcher；Client 为空时按 DefaultTimeout 创建。
type Options struct {
	Client   *http.Client
	Recorder Recorder
	Logger   *logrus.Logger
	Now      func() time.Time
}

// Fetcher 针对缓存键执行一次阻塞 GET。
type Fetcher struct {
	client   *http.Client
	recorder Recorder
	logger   *logrus.Logger
	now      func() time.Time
	token    func() string
}

// NewFetcher 构造 Fetcher。
func NewFetcher(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = NewUpstreamClient(DefaultTimeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Fetcher{
		client:   client,
		recorder: opts.Recorder,
		logger:   logger,
		now:      now,
		token:    newToken,
	}
}

// Fetch 拉取 key 对应的上游内容并校验。返回的错误为 *TransportError 或 *InvalidContentError。
func (f *Fetcher) Fetch(ctx context.Context, key string) (string, error) {
	started := f.now()
	target := withCacheBuster(key, f.token())

	body, code, err := f.get(ctx, target)
	if err != nil {
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			transportErr.URL = key
			f.record(key, transportErr.StatusCode, transportErr.Message)
		}
		f.logResult(key, code, started, err)
		return "", err
	}

	if verr := Validate(body); verr != nil {
		invalid := &InvalidContentError{
			URL:        key,
			StatusCode: code,
			Length:     utf8.RuneCountInString(body),
			Reason:     verr.Error(),
		}
		f.record(key, code, "invalid content: "+verr.Error())
		f.logResult(key, code, started, invalid)
		return "", invalid
	}

	f.record(key, code, reasonPhrase(code, ""))
	f.logResult(key, code, started, nil)
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, target string) (string, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, &TransportError{Message: err.Error(), Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, &TransportError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return "", resp.StatusCode, &TransportError{
			StatusCode: resp.StatusCode,
			Message:    reasonPhrase(resp.StatusCode, resp.Status),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, &TransportError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("read body: %v", err),
			Err:        err,
		}
	}
	return string(data), resp.StatusCode, nil
}

func (f *Fetcher) record(key string, code int, message string) {
	if f.recorder == nil {
		return
	}
	f.recorder.Record(key, code, message, f.now())
}

func (f *Fetcher) logResult(key string, code int, started time.Time, err error) {
	fields := logging.CacheFields("upstream_fetch", key)
	fields["upstream_status"] = code
	fields["elapsed_ms"] = f.now().Sub(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		var invalid *InvalidContentError
		if errors.As(err, &invalid) {
			fields["length"] = invalid.Length
			f.logger.WithFields(fields).Warn("upstream_invalid_content")
			return
		}
		f.logger.WithFields(fields).Warn("upstream_fetch_failed")
		return
	}
	f.logger.WithFields(fields).Debug("upstream_fetch_complete")
}

// withCacheBuster 在原始查询串后追加 sid，URL 无法解析时原样返回。
func withCacheBuster(raw, token string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	param := CacheBusterParam + "=" + url.QueryEscape(token)
	if parsed.RawQuery == "" {
		parsed.RawQuery = param
	} else {
		parsed.RawQuery += "&" + param
	}
	return parsed.String()
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// reasonPhrase 优先使用响应自带的状态描述，其次退回标准文本。
func reasonPhrase(code int, status string) string {
	if status != "" {
		if reason := strings.TrimSpace(strings.TrimPrefix(status, strconv.Itoa(code))); reason != "" {
			return reason
		}
	}
	if text := http.StatusText(code); text != "" {
		return text
	}
	return strconv.Itoa(code)
}
