package message

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fragcache/fragcache/internal/logging"
)

// Retriever 按 key、locale 与 variant 取文本。
type Retriever interface {
	Retrieve(ctx context.Context, key, locale, variant string) string
}

// Strings 从 <path>?locale=<l>&variant=<v> 对应的属性表中取文本，缺失或失败时返回占位标记。
type Strings struct {
	source PropertiesSource
	path   string
	logger *logrus.Logger
}

// NewStrings 构造多语言文本读取器。
func NewStrings(source PropertiesSource, path string, logger *logrus.Logger) *Strings {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Strings{source: source, path: path, logger: logger}
}

// Retrieve 实现 Retriever。
func (s *Strings) Retrieve(ctx context.Context, key, locale, variant string) string {
	path := s.localizedPath(locale, variant)
	props, err := s.source.GetProperties(ctx, path)
	if err != nil {
		fields := logging.CacheFields("message_retrieve", path)
		fields["message_key"] = key
		s.logger.WithError(err).WithFields(fields).Error("message_lookup_failed")
		return missing(key, locale, variant)
	}
	if value, ok := props.Get(strings.TrimSpace(key)); ok {
		return value
	}
	return missing(key, locale, variant)
}

func (s *Strings) localizedPath(locale, variant string) string {
	return s.path + "?locale=" + url.QueryEscape(locale) + "&variant=" + url.QueryEscape(variant)
}

func missing(key, locale, variant string) string {
	return fmt.Sprintf("<b>[%s locale:%s, variant:%s]</b>", key, locale, variant)
}
