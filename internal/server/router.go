package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContentHandler serves committed cache entries for one backend. It allows
// injecting fake handlers during tests.
type ContentHandler interface {
	Handle(fiber.Ctx, *BackendRoute) error
}

// ContentHandlerFunc adapts a function to the ContentHandler interface.
type ContentHandlerFunc func(fiber.Ctx, *BackendRoute) error

// Handle makes ContentHandlerFunc satisfy ContentHandler.
func (f ContentHandlerFunc) Handle(c fiber.Ctx, route *BackendRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger   *logrus.Logger
	Registry *BackendRegistry
	Content  ContentHandler
}

const (
	contextKeyRequestID = "_songcache_request_id"
	// DiagnosticsPrefix 下的路径由 routes 包注册，不会被解析为 backend。
	DiagnosticsPrefix = "/-/"
)

// NewApp builds a Fiber application with request-id middleware, backend
// resolution for content paths and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("backend registry is required")
	}
	if opts.Content == nil {
		return nil, errors.New("content handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	// GET 与 HEAD 共用内容处理器。
	app.Add([]string{fiber.MethodGet, fiber.MethodHead}, "/:backend/:file", func(c fiber.Ctx) error {
		if strings.HasPrefix(c.Path(), DiagnosticsPrefix) {
			return c.Next()
		}
		route, ok := opts.Registry.Lookup(c.Params("backend"))
		if !ok {
			return renderBackendUnknown(c, opts.Logger, c.Params("backend"))
		}
		return opts.Content.Handle(c, route)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func renderBackendUnknown(c fiber.Ctx, logger *logrus.Logger, name string) error {
	logger.WithFields(logrus.Fields{
		"action":     "backend_lookup",
		"backend":    name,
		"request_id": RequestID(c),
	}).Warn("backend unmapped")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "backend_not_found",
	})
}

// LookupBackend 解析 :backend 参数；未配置时直接写出 404 响应并返回 false。
func LookupBackend(c fiber.Ctx, registry *BackendRegistry, logger *logrus.Logger) (*BackendRoute, bool, error) {
	name := c.Params("backend")
	if route, ok := registry.Lookup(name); ok {
		return route, true, nil
	}
	return nil, false, renderBackendUnknown(c, logger, name)
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
