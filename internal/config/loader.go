package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/postflow/edge-cache/internal/cache"
	"github.com/postflow/edge-cache/internal/classify"
)

// 默认缓存代与预热清单，对应页面首屏所需的静态资源。
const (
	DefaultCacheVersion = "postflow-v1"
	envPrefix           = "EDGE_CACHE"
)

// DefaultSeed 返回默认预热清单的副本。
func DefaultSeed() []string {
	return []string{"/", "/index.html", "/index.tsx", "/manifest.json"}
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreDriver", cache.DriverDisk)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("Cache.Version", DefaultCacheVersion)
	v.SetDefault("Cache.Seed", DefaultSeed())
	v.SetDefault("Cache.SkipWaiting", true)
	v.SetDefault("Cache.MaxEntrySize", 32*1024*1024)
	v.SetDefault("Cache.PersistTimeout", "10s")
	v.SetDefault("Bypass.Rules", classify.DefaultRules())
}

// applyDefaults 兜底处理显式写成零值的字段。
func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.StoreDriver = strings.ToLower(strings.TrimSpace(g.StoreDriver))
	if g.StoreDriver == "" {
		g.StoreDriver = cache.DriverDisk
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")

	c := &cfg.Cache
	c.Version = strings.TrimSpace(c.Version)
	if c.PersistTimeout.DurationValue() == 0 {
		c.PersistTimeout = Duration(10 * time.Second)
	}
	for i := range cfg.Routes {
		cfg.Routes[i].Domain = strings.ToLower(strings.TrimSpace(cfg.Routes[i].Domain))
	}
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
