package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志以及缓存/回源行为。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	BaseURL           string   `mapstructure:"BaseURL"`
	AppName           string   `mapstructure:"AppName"`
	HTTPTimeoutMillis int      `mapstructure:"HTTPTimeoutMillis"`
	RefreshInterval   Duration `mapstructure:"RefreshInterval"`
	MaxElements       int      `mapstructure:"MaxElements"`
	VolatileParams    []string `mapstructure:"VolatileParams"`
}

// HTTPTimeout 把毫秒配置转换为 time.Duration。
func (g GlobalConfig) HTTPTimeout() time.Duration {
	return time.Duration(g.HTTPTimeoutMillis) * time.Millisecond
}

// ClusterConfig 控制节点间的缓存刷新广播，仅在 Enabled 时生效。
type ClusterConfig struct {
	Enabled   bool     `mapstructure:"Enabled"`
	Hosts     []string `mapstructure:"Hosts"`
	BindPort  int      `mapstructure:"BindPort"`
	Heartbeat Duration `mapstructure:"Heartbeat"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Cluster ClusterConfig `mapstructure:"Cluster"`
}
