package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/partyplay/songcache/internal/backend"
)

// Backend 名称同时用作缓存目录和 URL 路径段；"-" 开头的段保留给诊断接口。
var backendNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.RetryDelay.DurationValue() <= 0 {
		return newFieldError("Global.RetryDelay", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.MaxRedirects < 0 {
		return newFieldError("Global.MaxRedirects", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.SearchResultCount <= 0 {
		return newFieldError("Global.SearchResultCount", "必须大于 0")
	}

	if len(c.Backends) == 0 {
		return errors.New("至少需要配置一个 Backend")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			return newFieldError("Backend[].Name", "不能为空")
		}
		if !backendNamePattern.MatchString(b.Name) {
			return newFieldError(backendField(b.Name, "Name"), "仅允许小写字母、数字、- 与 _，且不能以 - 开头")
		}
		if _, exists := seenNames[b.Name]; exists {
			return newFieldError(backendField(b.Name, "Name"), "重复")
		}
		seenNames[b.Name] = struct{}{}

		normalizedType := strings.ToLower(strings.TrimSpace(b.Type))
		if normalizedType == "" {
			return newFieldError(backendField(b.Name, "Type"), "不能为空")
		}
		if _, ok := backend.Resolve(normalizedType); !ok {
			return newFieldError(backendField(b.Name, "Type"),
				fmt.Sprintf("未注册模块: %s，可选 %s", normalizedType, strings.Join(backend.Keys(), "|")))
		}
		b.Type = normalizedType

		if (b.Username == "") != (b.Password == "") {
			return newFieldError(backendField(b.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(b.Upstream); err != nil {
			return fmt.Errorf("%s: %w", backendField(b.Name, "Upstream"), err)
		}
		if b.Proxy != "" {
			if err := validateUpstream(b.Proxy); err != nil {
				return fmt.Errorf("%s: %w", backendField(b.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
