package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort        = 9090
	defaultAppName           = "fragcache"
	defaultHTTPTimeoutMillis = 3000
	defaultRefreshInterval   = 5 * time.Minute
	defaultMaxElements       = 1000
	defaultClusterBindPort   = 7800
	defaultClusterHeartbeat  = 5 * time.Second
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyClusterDefaults(&cfg.Cluster)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Global.BaseURL = strings.TrimSpace(cfg.Global.BaseURL)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("AppName", defaultAppName)
	v.SetDefault("HTTPTimeoutMillis", defaultHTTPTimeoutMillis)
	v.SetDefault("RefreshInterval", int(defaultRefreshInterval/time.Second))
	v.SetDefault("MaxElements", defaultMaxElements)
	v.SetDefault("VolatileParams", []string{"sid"})
	v.SetDefault("Cluster.Enabled", false)
	v.SetDefault("Cluster.BindPort", defaultClusterBindPort)
	v.SetDefault("Cluster.Heartbeat", "5s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if strings.TrimSpace(g.AppName) == "" {
		g.AppName = defaultAppName
	}
	if g.HTTPTimeoutMillis == 0 {
		g.HTTPTimeoutMillis = defaultHTTPTimeoutMillis
	}
	if g.RefreshInterval.DurationValue() == 0 {
		g.RefreshInterval = Duration(defaultRefreshInterval)
	}
	if g.MaxElements == 0 {
		g.MaxElements = defaultMaxElements
	}
	cleaned := g.VolatileParams[:0]
	for _, name := range g.VolatileParams {
		if name = strings.TrimSpace(name); name != "" {
			cleaned = append(cleaned, name)
		}
	}
	g.VolatileParams = cleaned
}

func applyClusterDefaults(c *ClusterConfig) {
	if c.BindPort == 0 {
		c.BindPort = defaultClusterBindPort
	}
	if c.Heartbeat.DurationValue() == 0 {
		c.Heartbeat = Duration(defaultClusterHeartbeat)
	}
	hosts := c.Hosts[:0]
	for _, host := range c.Hosts {
		if host = strings.TrimSpace(host); host != "" {
			hosts = append(hosts, host)
		}
	}
	c.Hosts = hosts
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
