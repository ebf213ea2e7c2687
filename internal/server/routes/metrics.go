package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterMetricsRoute 通过 Fiber adaptor 暴露 Prometheus 文本格式指标。
func RegisterMetricsRoute(app *fiber.App, gatherer prometheus.Gatherer) {
	if app == nil || gatherer == nil {
		return
	}
	handler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	app.Get("/-/metrics", adaptor.HTTPHandler(handler))
}
