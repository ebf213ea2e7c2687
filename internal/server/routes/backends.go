package routes

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/partyplay/songcache/internal/backend"
	"github.com/partyplay/songcache/internal/server"
)

// RegisterBackendRoutes 暴露 /-/backends 诊断接口，输出 backend 与模块绑定关系、
// 进行中的下载以及缓存占用。
func RegisterBackendRoutes(app *fiber.App, registry *server.BackendRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/backends", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"modules":  backend.List(),
			"backends": encodeBackends(registry.List()),
		})
	})
}

type backendPayload struct {
	Name        string           `json:"name"`
	Module      backend.Metadata `json:"module"`
	Upstream    string           `json:"upstream"`
	AuthMode    string           `json:"auth_mode"`
	StoragePath string           `json:"storage_path"`
	CachedFiles int              `json:"cached_files"`
	CachedBytes uint64           `json:"cached_bytes"`
	CachedHuman string           `json:"cached_human"`
	Pending     []string         `json:"pending"`
}

func encodeBackends(routes []*server.BackendRoute) []backendPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]backendPayload, 0, len(routes))
	for _, route := range routes {
		files, size := cacheUsage(route.Store.Dir(), route.Module.Extension)
		pending := route.Coordinator.Pending()
		if pending == nil {
			pending = []string{}
		}
		result = append(result, backendPayload{
			Name:        route.Name(),
			Module:      route.Module,
			Upstream:    route.UpstreamURL.String(),
			AuthMode:    route.Config.AuthMode(),
			StoragePath: route.Store.Dir(),
			CachedFiles: files,
			CachedBytes: size,
			CachedHuman: humanize.Bytes(size),
			Pending:     pending,
		})
	}
	return result
}

// cacheUsage 统计已提交文件；incomplete/ 子目录中的暂存文件不计入。
func cacheUsage(dir, ext string) (int, uint64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	var (
		files int
		size  uint64
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.EqualFold(filepath.Ext(entry.Name()), "."+ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files++
		size += uint64(info.Size())
	}
	return files, size
}
