package content

import (
	"net/url"
	"strings"
)

// urlPathPrefix 标记形如 urlPath=/a/b,extra 的参数，只保留第一个逗号之前的部分。
const urlPathPrefix = "urlPath"

// CacheKey 把请求路径解析为缓存键：拼接 BaseURL，去掉会话相关参数，并按参数名排序。
func (s *Service) CacheKey(path string) string {
	return cacheKey(s.baseURL, path, s.volatile)
}

func cacheKey(baseURL, path string, volatile map[string]struct{}) string {
	full := path
	if !hasScheme(path) {
		full = baseURL + strings.TrimLeft(path, "/")
	}

	parsed, err := url.Parse(full)
	if err != nil || parsed.RawQuery == "" {
		return full
	}
	values, err := url.ParseQuery(parsed.RawQuery)
	if err != nil {
		return full
	}
	for name, vals := range values {
		if _, drop := volatile[name]; drop {
			values.Del(name)
			continue
		}
		if strings.HasPrefix(name, urlPathPrefix) {
			for i, v := range vals {
				if idx := strings.IndexByte(v, ','); idx >= 0 {
					vals[i] = v[:idx]
				}
			}
		}
	}
	parsed.RawQuery = values.Encode()
	return parsed.String()
}

func hasScheme(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// normalizeBaseURL 保证 BaseURL 以斜杠结尾。
func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	return raw
}
