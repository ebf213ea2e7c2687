package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/partyplay/songcache/internal/backend"
	"github.com/partyplay/songcache/internal/cache"
	"github.com/partyplay/songcache/internal/config"
	"github.com/partyplay/songcache/internal/coordinator"
	"github.com/partyplay/songcache/internal/fetch"
	"github.com/partyplay/songcache/internal/metrics"
	"github.com/partyplay/songcache/internal/upstream"
)

// BackendRoute 将 Backend 配置与运行时组件聚合在一起，供路由层直接复用，
// 避免每个请求重复解析配置或重建客户端。
type BackendRoute struct {
	// Config 是用户在 config.toml 中声明的 Backend 字段副本。
	Config config.BackendConfig
	// Module 记录当前 backend 选用的模块元数据（扩展名、Content-Type）。
	Module backend.Metadata
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// SearchLimit 是搜索接口返回的最大条数。
	SearchLimit int

	Store       *cache.FileStore
	Client      *upstream.Client
	Fetcher     *fetch.Fetcher
	Coordinator *coordinator.Coordinator
}

// Name 返回 backend 名称，即 URL 与缓存目录的第一段。
func (r *BackendRoute) Name() string {
	return r.Config.Name
}

// RegistryOptions 描述构建 BackendRegistry 时共享的依赖。
type RegistryOptions struct {
	Logger  *logrus.Logger
	Metrics *metrics.Observer
	// BaseContext 在进程退出时取消，用于中断下载的重试等待。
	BaseContext context.Context
	// StreamHTTP 覆盖下载正文使用的 HTTP 客户端，默认按 backend 代理构建。
	StreamHTTP fetch.Doer
}

// BackendRegistry 提供 backend 名称到 BackendRoute 的查询能力。
type BackendRegistry struct {
	routes  map[string]*BackendRoute
	ordered []*BackendRoute
}

// NewBackendRegistry 根据配置为每个 Backend 构建缓存、上游客户端与协调器。
// 调用方应在启动阶段创建一次并复用。
func NewBackendRegistry(cfg *config.Config, opts RegistryOptions) (*BackendRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}

	registry := &BackendRegistry{
		routes: make(map[string]*BackendRoute, len(cfg.Backends)),
	}

	for _, b := range cfg.Backends {
		name := strings.TrimSpace(b.Name)
		if _, exists := registry.routes[name]; exists {
			return nil, fmt.Errorf("duplicate backend name detected: %s", name)
		}

		route, err := buildBackendRoute(cfg, b, opts)
		if err != nil {
			return nil, err
		}

		registry.routes[name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 backend 名称查找 BackendRoute。
func (r *BackendRegistry) Lookup(name string) (*BackendRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.routes[strings.TrimSpace(name)]
	return route, ok
}

// List 返回当前注册的 BackendRoute（按配置定义的顺序），用于诊断输出。
func (r *BackendRegistry) List() []*BackendRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*BackendRoute(nil), r.ordered...)
}

// AuthenticateAll 在启动阶段为每个 backend 预先获取凭证。失败只记录日志：
// 下载链路会在需要时重新认证。
func (r *BackendRegistry) AuthenticateAll(ctx context.Context, logger *logrus.Logger) {
	if r == nil {
		return
	}
	for _, route := range r.ordered {
		fields := logrus.Fields{
			"action":    "startup_auth",
			"backend":   route.Name(),
			"auth_mode": route.Config.AuthMode(),
		}
		if err := route.Client.Authenticate(ctx); err != nil {
			logger.WithFields(fields).WithError(err).Warn("启动认证失败，将在下载时重试")
			continue
		}
		logger.WithFields(fields).Info("启动认证完成")
	}
}

func buildBackendRoute(cfg *config.Config, b config.BackendConfig, opts RegistryOptions) (*BackendRoute, error) {
	meta, err := moduleMetadataForBackend(b)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.Name, err)
	}

	upstreamURL, err := url.Parse(b.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for backend %s: %w", b.Name, err)
	}

	var proxyURL *url.URL
	if b.Proxy != "" {
		proxyURL, err = url.Parse(b.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for backend %s: %w", b.Name, err)
		}
	}

	store, err := cache.NewStore(cfg.Global.StoragePath, b.Name, meta.Extension)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.Name, err)
	}

	client, err := upstream.NewClient(upstream.Options{
		Backend:  b.Name,
		Format:   meta.Extension,
		Upstream: b.Upstream,
		Proxy:    b.Proxy,
		Username: b.Username,
		Password: b.Password,
		Timeout:  cfg.Global.UpstreamTimeout.DurationValue(),
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.Name, err)
	}

	streamHTTP := opts.StreamHTTP
	if streamHTTP == nil {
		streamHTTP = upstream.NewStreamClient(proxyURL)
	}
	fetcher, err := fetch.New(fetch.Options{
		Backend:      b.Name,
		Store:        store,
		Service:      client,
		HTTP:         streamHTTP,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
		RetryDelay:   cfg.Global.RetryDelay.DurationValue(),
		MaxRetries:   cfg.Global.MaxRetries,
		MaxRedirects: cfg.Global.MaxRedirects,
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.Name, err)
	}

	coord, err := coordinator.New(coordinator.Options{
		Backend:     b.Name,
		Store:       store,
		Fetcher:     fetcher,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		BaseContext: opts.BaseContext,
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.Name, err)
	}

	return &BackendRoute{
		Config:      b,
		Module:      meta,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
		SearchLimit: cfg.Global.SearchResultCount,
		Store:       store,
		Client:      client,
		Fetcher:     fetcher,
		Coordinator: coord,
	}, nil
}

func moduleMetadataForBackend(b config.BackendConfig) (backend.Metadata, error) {
	key := b.Type
	if key == "" {
		key = b.Name
	}
	if meta, ok := backend.Resolve(key); ok {
		return meta, nil
	}
	return backend.Metadata{}, fmt.Errorf("module %s is not registered", key)
}
