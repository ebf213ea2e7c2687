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
)

const (
	defaultListenPort        = 5000
	defaultRetryDelay        = 5 * time.Second
	defaultUpstreamTimeout   = 30 * time.Second
	defaultSearchResultCount = 20
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

	if err := rejectBackendLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Backends {
		applyBackendDefaults(&cfg.Backends[i])
	}

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
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("RetryDelay", "5s")
	v.SetDefault("MaxRetries", 0)
	v.SetDefault("MaxRedirects", 0)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("SearchResultCount", defaultSearchResultCount)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if g.RetryDelay.DurationValue() == 0 {
		g.RetryDelay = Duration(defaultRetryDelay)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(defaultUpstreamTimeout)
	}
	if g.SearchResultCount == 0 {
		g.SearchResultCount = defaultSearchResultCount
	}
}

func applyBackendDefaults(b *BackendConfig) {
	b.Name = strings.TrimSpace(b.Name)
	b.Type = strings.ToLower(strings.TrimSpace(b.Type))
	if b.Type == "" {
		// 未声明 Type 时按名称匹配模块，例如 Name = "gmusic"。
		b.Type = strings.ToLower(b.Name)
	}
	b.Upstream = strings.TrimRight(strings.TrimSpace(b.Upstream), "/")
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

// rejectBackendLevelPorts 拒绝 [[Backend]] 下的 Port 字段：所有 Backend 共享全局 ListenPort。
// viper 会把键名统一转为小写，且数组表可能解码为 []interface{} 或 []map[string]interface{}。
func rejectBackendLevelPorts(v *viper.Viper) error {
	var entries []map[string]interface{}
	switch raw := v.Get("Backend").(type) {
	case []interface{}:
		for _, item := range raw {
			if m, ok := item.(map[string]interface{}); ok {
				entries = append(entries, m)
			}
		}
	case []map[string]interface{}:
		entries = raw
	default:
		return nil
	}

	for idx, m := range entries {
		if _, exists := lookupKey(m, "Port"); !exists {
			continue
		}
		name := fmt.Sprintf("#%d", idx)
		if rawName, ok := lookupKey(m, "Name"); ok {
			if s, ok := rawName.(string); ok && strings.TrimSpace(s) != "" {
				name = strings.TrimSpace(s)
			}
		}
		return newFieldError(backendField(name, "Port"), "不支持单独端口，请使用全局 ListenPort")
	}

	return nil
}

// lookupKey 以大小写不敏感的方式读取 map 键。
func lookupKey(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
