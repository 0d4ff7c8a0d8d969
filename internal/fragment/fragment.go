// Package fragment extracts named page fragments (header, footer, menus)
// from a decorated page served by the content source.
package fragment

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/fragcache/fragcache/internal/logging"
)

// SubmenuName 是需要附带菜单路径的片段名。
const SubmenuName = "submenu"

// ContentSource 提供原始页面，*content.Service 满足该接口。
type ContentSource interface {
	GetContent(ctx context.Context, path string) (string, error)
}

// Request 描述一次片段请求。
type Request struct {
	AppName     string
	ActiveItem  string
	UserRole    string
	SubmenuPath string
	Names       []string
}

// Fetcher 从 Path 对应的页面中取出片段。
type Fetcher struct {
	source ContentSource
	path   string
	logger *logrus.Logger
}

// NewFetcher 构造片段读取器。
func NewFetcher(source ContentSource, path string, logger *logrus.Logger) *Fetcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Fetcher{source: source, path: path, logger: logger}
}

// Fetch 返回 name -> 元素内部 HTML；页面中不存在的 id 对应空串。
func (f *Fetcher) Fetch(ctx context.Context, req Request) (map[string]string, error) {
	path := f.pagePath(req)
	raw, err := f.source.GetContent(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fragment: load %s: %w", path, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("fragment: parse %s: %w", path, err)
	}

	wanted := make(map[string]struct{}, len(req.Names))
	out := make(map[string]string, len(req.Names))
	for _, name := range req.Names {
		wanted[name] = struct{}{}
		out[name] = ""
	}

	doc.Find("[id]").Each(func(i int, s *goquery.Selection) {
		id, _ := s.Attr("id")
		if _, ok := wanted[id]; !ok {
			return
		}
		delete(wanted, id)
		html, herr := s.Html()
		if herr != nil {
			f.logger.WithError(herr).WithFields(logging.CacheFields("fragment_render", path)).Warn("fragment_render_failed")
			return
		}
		out[id] = strings.TrimSpace(html)
	})

	if len(wanted) > 0 {
		fields := logging.CacheFields("fragment_fetch", path)
		fields["missing"] = len(wanted)
		f.logger.WithFields(fields).Debug("fragments missing from page")
	}
	return out, nil
}

// pagePath 按 appname、activeitem、userrole 与片段名拼接查询参数。
func (f *Fetcher) pagePath(req Request) string {
	params := []string{
		"appname=" + url.QueryEscape(req.AppName),
		"activeitem=" + url.QueryEscape(req.ActiveItem),
	}
	if req.UserRole != "" {
		params = append(params, "userrole="+url.QueryEscape(req.UserRole))
	}
	for _, name := range req.Names {
		if name == SubmenuName {
			params = append(params, SubmenuName+"="+url.QueryEscape(req.SubmenuPath))
			continue
		}
		params = append(params, url.QueryEscape(name)+"=true")
	}
	sep := "?"
	if strings.Contains(f.path, "?") {
		sep = "&"
	}
	return f.path + sep + strings.Join(params, "&")
}
