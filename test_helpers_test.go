package main

import (
	"bytes"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/partyplay/songcache/internal/config"
	"github.com/partyplay/songcache/internal/metrics"
	"github.com/partyplay/songcache/internal/server"
)

var repoRoot string

func init() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			repoRoot = dir
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func projectRoot(t *testing.T) string {
	t.Helper()
	if repoRoot == "" {
		t.Fatal("无法定位项目根目录")
	}
	return repoRoot
}

func configFixture(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(projectRoot(t), "internal", "config", "testdata", name)
}

// useBufferWriters swaps stdOut/stdErr with in-memory buffers for the duration
// of a test, allowing assertions on CLI output without polluting test logs.
func useBufferWriters(t *testing.T) {
	t.Helper()

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}

	prevOut := stdOut
	prevErr := stdErr

	stdOut = outBuf
	stdErr = errBuf

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

// stdOutBuffer returns the in-use stdout buffer when useBufferWriters is active.
func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

// stdErrBuffer returns the in-use stderr buffer when useBufferWriters is active.
func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}

// newWiredApp 按 main 的装配方式构建完整 Fiber 应用，但不监听端口。
func newWiredApp(t *testing.T, configPath string) *fiber.App {
	t.Helper()

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := prometheus.NewRegistry()
	observer, err := metrics.NewObserver("songcache", reg)
	if err != nil {
		t.Fatalf("初始化指标失败: %v", err)
	}
	registry, err := server.NewBackendRegistry(cfg, server.RegistryOptions{Logger: logger, Metrics: observer})
	if err != nil {
		t.Fatalf("构建 Backend 注册表失败: %v", err)
	}
	app, err := buildApp(registry, reg, observer, logger)
	if err != nil {
		t.Fatalf("构建应用失败: %v", err)
	}
	return app
}

func get(t *testing.T, app *fiber.App, path string) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", path, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp.StatusCode
}
