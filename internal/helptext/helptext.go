// Package helptext reads HTML help texts published as XML by the content source.
package helptext

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fragcache/fragcache/internal/logging"
)

// ContentSource 提供原始文本，*content.Service 满足该接口。
type ContentSource interface {
	GetContent(ctx context.Context, path string) (string, error)
}

// HTMLContent 是一条帮助文本。
type HTMLContent struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	HTML  string `json:"html"`
}

// Listener 在返回前加工帮助文本。
type Listener func(HTMLContent) HTMLContent

var errUnexpectedRoot = errors.New("unexpected root element")

type htmlDocument struct {
	XMLName xml.Name `xml:"htmlinnhold"`
	Title   string   `xml:"title"`
	HTML    struct {
		Inner string `xml:",innerxml"`
	} `xml:"html"`
}

type listDocument struct {
	XMLName xml.Name    `xml:"innholdsliste"`
	Items   []listEntry `xml:"htmlinnhold"`
}

type listEntry struct {
	Key   string `xml:"key,attr"`
	Title string `xml:"title,attr"`
}

// Reader 从固定路径读取帮助文本。
type Reader struct {
	source    ContentSource
	path      string
	listeners []Listener
	logger    *logrus.Logger
}

// NewReader 构造帮助文本读取器。
func NewReader(source ContentSource, path string, logger *logrus.Logger, listeners ...Listener) *Reader {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reader{source: source, path: path, listeners: listeners, logger: logger}
}

// Get 读取 <path>?key=<key>；内容缺失或根元素不是 htmlinnhold 时返回 nil。
func (r *Reader) Get(ctx context.Context, key string) *HTMLContent {
	path := r.path + "?key=" + url.QueryEscape(key)
	raw, err := r.source.GetContent(ctx, path)
	if err != nil {
		r.logger.WithError(err).WithFields(r.fields("helptext_get", path)).Error("helptext_load_failed")
		return nil
	}

	var doc htmlDocument
	if err := decode(raw, &doc, "htmlinnhold"); err != nil {
		r.logger.WithError(err).WithFields(r.fields("helptext_get", path)).Warn("helptext_parse_failed")
		return nil
	}

	item := r.process(HTMLContent{
		Key:   key,
		Title: strings.TrimSpace(doc.Title),
		HTML:  strings.TrimSpace(doc.HTML.Inner),
	})
	return &item
}

// List 读取目录，失败时返回空列表。
func (r *Reader) List(ctx context.Context) []HTMLContent {
	raw, err := r.source.GetContent(ctx, r.path)
	if err != nil {
		r.logger.WithError(err).WithFields(r.fields("helptext_list", r.path)).Error("helptext_load_failed")
		return []HTMLContent{}
	}

	var doc listDocument
	if err := decode(raw, &doc, "innholdsliste"); err != nil {
		r.logger.WithError(err).WithFields(r.fields("helptext_list", r.path)).Warn("helptext_parse_failed")
		return []HTMLContent{}
	}

	out := make([]HTMLContent, 0, len(doc.Items))
	for _, entry := range doc.Items {
		out = append(out, r.process(HTMLContent{Key: entry.Key, Title: entry.Title}))
	}
	return out
}

// process 按注册顺序执行全部 listener。
func (r *Reader) process(item HTMLContent) HTMLContent {
	for _, listener := range r.listeners {
		item = listener(item)
	}
	return item
}

func (r *Reader) fields(action, path string) logrus.Fields {
	return logging.CacheFields(action, path)
}

// decode 先检查根元素名，避免 encoding/xml 对不匹配的根返回含糊的错误。
func decode(raw string, v any, root string) error {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	for {
		tok, err := decoder.Token()
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != root {
			return fmt.Errorf("%w: %s", errUnexpectedRoot, start.Name.Local)
		}
		return decoder.DecodeElement(v, &start)
	}
}
