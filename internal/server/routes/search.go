package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/partyplay/songcache/internal/server"
	"github.com/partyplay/songcache/internal/upstream"
)

// RegisterSearchRoutes 暴露 GET /-/search/:backend?q=terms，代理上游曲库搜索并
// 标注每首歌是否已缓存。
func RegisterSearchRoutes(app *fiber.App, registry *server.BackendRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil || logger == nil {
		return
	}

	app.Get("/-/search/:backend", func(c fiber.Ctx) error {
		route, ok, err := server.LookupBackend(c, registry, logger)
		if !ok {
			return err
		}
		terms := strings.TrimSpace(c.Query("q"))
		if terms == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "query_required"})
		}

		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		songs, err := route.Client.Search(ctx, terms, route.SearchLimit)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "search",
				"backend":    route.Name(),
				"request_id": server.RequestID(c),
			}).WithError(err).Warn("search_failed")
			code := "upstream_failed"
			if upstream.IsAuthError(err) {
				code = "upstream_auth_failed"
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": code})
		}

		return c.JSON(fiber.Map{
			"backend": route.Name(),
			"songs":   encodeSongs(route, songs),
		})
	})
}

type songPayload struct {
	upstream.Song
	Cached bool `json:"cached"`
}

func encodeSongs(route *server.BackendRoute, songs []upstream.Song) []songPayload {
	result := make([]songPayload, 0, len(songs))
	for _, song := range songs {
		result = append(result, songPayload{
			Song:   song,
			Cached: route.Store.Exists(song.ID),
		})
	}
	return result
}
