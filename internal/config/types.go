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

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreDriver     string   `mapstructure:"StoreDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// Origin 是页面所在源，seed 路径相对它解析，也用于判定响应是否同源（basic）。
	Origin string `mapstructure:"Origin"`
}

// CacheConfig 描述缓存代版本、预热清单以及写入约束。
type CacheConfig struct {
	Version        string   `mapstructure:"Version"`
	Seed           []string `mapstructure:"Seed"`
	SkipWaiting    bool     `mapstructure:"SkipWaiting"`
	MaxEntrySize   int64    `mapstructure:"MaxEntrySize"`
	PersistTimeout Duration `mapstructure:"PersistTimeout"`
}

// BypassConfig 决定哪些请求永不经过缓存。
type BypassConfig struct {
	Rules   []string `mapstructure:"Rules"`
	Origins []string `mapstructure:"Origins"`
	Paths   []string `mapstructure:"Paths"`
}

// RouteConfig 把某个 Host 映射到独立上游，例如把 genai.local 指向生成式 AI 接口。
type RouteConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Cache  CacheConfig   `mapstructure:"Cache"`
	Bypass BypassConfig  `mapstructure:"Bypass"`
	Routes []RouteConfig `mapstructure:"Route"`
}
