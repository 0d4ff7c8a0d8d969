// Package message reads localized texts from cached property lists.
package message

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fragcache/fragcache/internal/content"
	"github.com/fragcache/fragcache/internal/logging"
)

// PropertiesSource 提供属性表，*content.Service 满足该接口。
type PropertiesSource interface {
	GetProperties(ctx context.Context, path string) (content.PropertySet, error)
}

// Listener 在返回前加工取到的文本，按注册顺序依次执行。
type Listener func(value string) string

// BundleOptions 配置单个属性文件对应的消息包。
type BundleOptions struct {
	Path string
	// Debug 为 true 时缺失的 key 渲染为 <b>[key]</b>。
	Debug bool
	// DisregardUnknownKeys 为 true 时缺失的 key 不记录错误日志。
	DisregardUnknownKeys bool
	Listeners            []Listener
	Logger               *logrus.Logger
}

// Bundle 按 key 读取属性文件中的单条文本。
type Bundle struct {
	source    PropertiesSource
	path      string
	debug     bool
	disregard bool
	listeners []Listener
	logger    *logrus.Logger
}

// NewBundle 构造消息包。
func NewBundle(source PropertiesSource, opts BundleOptions) *Bundle {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bundle{
		source:    source,
		path:      opts.Path,
		debug:     opts.Debug,
		disregard: opts.DisregardUnknownKeys,
		listeners: append([]Listener(nil), opts.Listeners...),
		logger:    logger,
	}
}

// Get 返回 key 对应的文本；缺失时返回空串（调试模式下返回占位标记）。
func (b *Bundle) Get(ctx context.Context, key string) string {
	props, err := b.source.GetProperties(ctx, b.path)
	if err != nil {
		b.logger.WithError(err).WithFields(b.fields(key)).Error("message_lookup_failed")
	}

	value, ok := props.Get(strings.TrimSpace(key))
	if ok {
		for _, listener := range b.listeners {
			value = listener(value)
		}
		return value
	}

	if b.debug {
		return fmt.Sprintf("<b>[%s]</b>", key)
	}
	if err == nil && !b.disregard {
		b.logger.WithFields(b.fields(key)).Error("message_key_missing")
	}
	return ""
}

func (b *Bundle) fields(key string) logrus.Fields {
	fields := logging.CacheFields("message_get", b.path)
	fields["message_key"] = key
	return fields
}
