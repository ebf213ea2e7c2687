package routes

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/partyplay/songcache/internal/cache"
	"github.com/partyplay/songcache/internal/fetch"
	"github.com/partyplay/songcache/internal/logging"
	"github.com/partyplay/songcache/internal/server"
)

// RegisterPrepareRoutes 暴露 POST /-/prepare/:backend/:id：阻塞到歌曲缓存就绪
// 或下载链路以终态失败结束。客户端断开不会取消下载。
func RegisterPrepareRoutes(app *fiber.App, registry *server.BackendRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil || logger == nil {
		return
	}

	app.Post("/-/prepare/:backend/:id", func(c fiber.Ctx) error {
		route, ok, err := server.LookupBackend(c, registry, logger)
		if !ok {
			return err
		}

		started := time.Now()
		id := c.Params("id")
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		waitErr := route.Coordinator.Wait(ctx, id)

		fields := logging.RequestFields(route.Name(), id, server.RequestID(c))
		fields["action"] = "prepare"
		fields["elapsed_ms"] = time.Since(started).Milliseconds()

		switch {
		case waitErr == nil:
			logger.WithFields(fields).Info("prepare_ready")
			return c.JSON(fiber.Map{
				"status": "ready",
				"file":   route.Module.FileName(id),
			})
		case errors.Is(waitErr, cache.ErrInvalidID):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_id"})
		case errors.Is(waitErr, context.Canceled), errors.Is(waitErr, context.DeadlineExceeded):
			logger.WithFields(fields).Info("prepare_abandoned")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "canceled"})
		default:
			fields["outcome"] = fetch.OutcomeOf(waitErr)
			logger.WithFields(fields).WithError(waitErr).Warn("prepare_failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "upstream_failed",
				"outcome": fetch.OutcomeOf(waitErr),
				"detail":  waitErr.Error(),
			})
		}
	})
}
