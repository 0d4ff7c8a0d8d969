package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateBaseURL(g.BaseURL); err != nil {
		return fmt.Errorf("Global.BaseURL: %w", err)
	}
	if strings.ContainsAny(g.AppName, " /?#") {
		return newFieldError("Global.AppName", "不允许包含空格或 URL 分隔符")
	}
	if g.HTTPTimeoutMillis <= 0 {
		return newFieldError("Global.HTTPTimeoutMillis", "必须大于 0")
	}
	if g.RefreshInterval.DurationValue() <= 0 {
		return newFieldError("Global.RefreshInterval", "必须大于 0")
	}
	if g.MaxElements <= 0 {
		return newFieldError("Global.MaxElements", "必须大于 0")
	}

	if err := c.Cluster.validate(); err != nil {
		return err
	}
	return nil
}

func (c ClusterConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Hosts) == 0 {
		return newFieldError("Cluster.Hosts", "启用集群同步时至少需要一个节点")
	}
	for _, host := range c.Hosts {
		if strings.Contains(host, " ") {
			return newFieldError(clusterHostField(host), "不允许包含空格")
		}
	}
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return newFieldError("Cluster.BindPort", "必须在 1-65535")
	}
	if c.Heartbeat.DurationValue() <= 0 {
		return newFieldError("Cluster.Heartbeat", "必须大于 0")
	}
	return nil
}

func validateBaseURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("缺少内容源地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，内容源: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("内容源缺少 Host: %s", raw)
	}
	return nil
}

// ClusterHosts 返回启用时的节点列表，未启用时返回 nil，便于日志输出。
func (c *Config) ClusterHosts() []string {
	if c == nil || !c.Cluster.Enabled {
		return nil
	}
	return append([]string(nil), c.Cluster.Hosts...)
}
