// Package content serves committed cache entries over HTTP with single byte
// range support. It only reads from the cache store: a missing entry is a 404,
// never a reason to fetch.
package content

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/partyplay/songcache/internal/cache"
	"github.com/partyplay/songcache/internal/logging"
	"github.com/partyplay/songcache/internal/metrics"
	"github.com/partyplay/songcache/internal/server"
)

// Server 实现 server.ContentHandler。
type Server struct {
	logger  *logrus.Logger
	metrics *metrics.Observer
}

// NewServer 构建 ContentServer；metrics 可以为 nil。
func NewServer(logger *logrus.Logger, observer *metrics.Observer) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Server{logger: logger, metrics: observer}
}

// Handle 处理 GET/HEAD /:backend/:file，file 形如 <id>.<ext>。
func (s *Server) Handle(c fiber.Ctx, route *server.BackendRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	backendName := route.Name()

	id, ok := splitFileName(c.Params("file"), route.Module.Extension)
	if !ok || cache.ValidateID(id) != nil {
		s.logResult(backendName, id, requestID, fiber.StatusBadRequest, 0, started, cache.ErrInvalidID)
		return writeError(c, fiber.StatusBadRequest, "invalid_id")
	}

	result, err := route.Store.Open(id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			s.logResult(backendName, id, requestID, fiber.StatusNotFound, 0, started, nil)
			return writeError(c, fiber.StatusNotFound, "not_found")
		}
		s.logResult(backendName, id, requestID, fiber.StatusInternalServerError, 0, started, err)
		return writeError(c, fiber.StatusInternalServerError, "cache_read_failed")
	}
	defer result.Reader.Close()

	size := result.Entry.SizeBytes
	c.Set("Accept-Ranges", "bytes")
	c.Set("Content-Type", route.Module.ContentType)
	c.Set("Last-Modified", result.Entry.ModTime.UTC().Format(http.TimeFormat))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	byteRange, kind := ParseRange(c.Get(fiber.HeaderRange), size)
	var (
		status = fiber.StatusOK
		body   io.Reader
		length = size
	)
	switch kind {
	case RangeUnsatisfiable:
		c.Set("Content-Range", UnsatisfiedRange(size))
		s.logResult(backendName, id, requestID, fiber.StatusRequestedRangeNotSatisfiable, 0, started, nil)
		return writeError(c, fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable")
	case RangeSatisfiable:
		status = fiber.StatusPartialContent
		length = byteRange.Length()
		c.Set("Content-Range", byteRange.ContentRange(size))
		body = io.NewSectionReader(result.Reader, byteRange.Start, length)
	default:
		if _, err := result.Reader.Seek(0, io.SeekStart); err != nil {
			s.logResult(backendName, id, requestID, fiber.StatusInternalServerError, 0, started, err)
			return writeError(c, fiber.StatusInternalServerError, "cache_read_failed")
		}
		body = result.Reader
	}

	c.Status(status)
	c.Response().Header.SetContentLength(int(length))

	if c.Method() == http.MethodHead {
		s.logResult(backendName, id, requestID, status, 0, started, nil)
		return nil
	}

	written, err := io.Copy(c.Response().BodyWriter(), body)
	s.logResult(backendName, id, requestID, status, written, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// splitFileName 去掉 backend 约定的扩展名；扩展名不匹配视为非法 id。
func splitFileName(file, ext string) (string, bool) {
	suffix := "." + ext
	if ext == "" || !strings.HasSuffix(file, suffix) {
		return "", false
	}
	return strings.TrimSuffix(file, suffix), true
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (s *Server) logResult(backendName, id, requestID string, status int, written int64, started time.Time, err error) {
	s.metrics.RecordServe(backendName, status, written)

	fields := logging.RequestFields(backendName, id, requestID)
	fields["action"] = "serve"
	fields["status"] = status
	fields["bytes"] = written
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		if status >= fiber.StatusInternalServerError {
			s.logger.WithFields(fields).Error("serve_failed")
			return
		}
	}
	s.logger.WithFields(fields).Debug("serve_complete")
}
