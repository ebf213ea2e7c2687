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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
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

// GlobalConfig 描述全局运行时行为，所有 Backend 共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
	// RetryDelay 是下载传输失败后重连前的固定等待时间。
	RetryDelay Duration `mapstructure:"RetryDelay"`
	// MaxRetries/MaxRedirects 为 0 表示不设上限。
	MaxRetries        int      `mapstructure:"MaxRetries"`
	MaxRedirects      int      `mapstructure:"MaxRedirects"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	SearchResultCount int      `mapstructure:"SearchResultCount"`
}

// BackendConfig 描述一个上游流媒体服务账号及其缓存命名空间。
type BackendConfig struct {
	Name     string `mapstructure:"Name"`
	Type     string `mapstructure:"Type"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig    `mapstructure:",squash"`
	Backends []BackendConfig `mapstructure:"Backend"`
}

// HasCredentials 表示当前 Backend 是否配置了完整的上游凭证。
func (b BackendConfig) HasCredentials() bool {
	return b.Username != "" && b.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (b BackendConfig) AuthMode() string {
	if b.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有 Backend 的鉴权模式摘要，例如 gmusic:credentialed。
func CredentialModes(backends []BackendConfig) []string {
	if len(backends) == 0 {
		return nil
	}
	result := make([]string, len(backends))
	for i, b := range backends {
		result[i] = fmt.Sprintf("%s:%s", b.Name, b.AuthMode())
	}
	return result
}

// Backend 按名称查找 Backend 配置。
func (c *Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}
