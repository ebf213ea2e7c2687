package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	_ "github.com/partyplay/songcache/internal/backend/gmusic"
	"github.com/partyplay/songcache/internal/config"
	"github.com/partyplay/songcache/internal/content"
	"github.com/partyplay/songcache/internal/metrics"
	"github.com/partyplay/songcache/internal/server"
)

func TestPrepareThenServe(t *testing.T) {
	stub := newUpstreamStub(t)
	env := newTestEnv(t, stub.URL)

	resp := env.do(t, http.MethodPost, "/-/prepare/gmusic/abc123")
	if resp.StatusCode != fiber.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	var payload map[string]string
	decodeJSON(t, resp, &payload)
	if payload["status"] != "ready" || payload["file"] != "abc123.mp3" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	resp = env.do(t, http.MethodGet, "/gmusic/abc123.mp3")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "SONG-abc123" {
		t.Fatalf("unexpected content: %d %q", resp.StatusCode, body)
	}

	// 已提交的条目不再访问上游。
	before := stub.mediaCalls.Load()
	resp = env.do(t, http.MethodPost, "/-/prepare/gmusic/abc123")
	if resp.StatusCode != fiber.StatusOK || stub.mediaCalls.Load() != before {
		t.Fatalf("cache hit should not touch upstream")
	}
}

func TestPrepareReportsUpstreamFailure(t *testing.T) {
	stub := newUpstreamStub(t)
	env := newTestEnv(t, stub.URL)

	resp := env.do(t, http.MethodPost, "/-/prepare/gmusic/gone")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	var payload map[string]string
	decodeJSON(t, resp, &payload)
	if payload["error"] != "upstream_failed" || payload["outcome"] != "upstream_status" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	resp = env.do(t, http.MethodGet, "/gmusic/gone.mp3")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("failed fetch must not be served, got %d", resp.StatusCode)
	}
}

func TestPrepareRejectsBadInput(t *testing.T) {
	stub := newUpstreamStub(t)
	env := newTestEnv(t, stub.URL)

	resp := env.do(t, http.MethodPost, "/-/prepare/gmusic/bad.id")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/-/prepare/nope/abc")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown backend, got %d", resp.StatusCode)
	}
	if stub.mediaCalls.Load() != 0 {
		t.Fatalf("rejected requests must not reach upstream")
	}
}

func TestSearchAnnotatesCachedSongs(t *testing.T) {
	stub := newUpstreamStub(t)
	env := newTestEnv(t, stub.URL)

	if resp := env.do(t, http.MethodPost, "/-/prepare/gmusic/abc123"); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("prepare failed: %d", resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/-/search/gmusic?q=party+song")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Backend string `json:"backend"`
		Songs   []struct {
			ID     string `json:"id"`
			Title  string `json:"title"`
			Cached bool   `json:"cached"`
		} `json:"songs"`
	}
	decodeJSON(t, resp, &payload)
	if payload.Backend != "gmusic" || len(payload.Songs) != 2 {
		t.Fatalf("unexpected search payload: %+v", payload)
	}
	if payload.Songs[0].ID != "abc123" || !payload.Songs[0].Cached || payload.Songs[1].Cached {
		t.Fatalf("cached flags wrong: %+v", payload.Songs)
	}
	if stub.lastQuery.Load() != "party song" {
		t.Fatalf("query not forwarded: %v", stub.lastQuery.Load())
	}

	resp = env.do(t, http.MethodGet, "/-/search/gmusic")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("missing query should be 400, got %d", resp.StatusCode)
	}
}

func TestBackendsDiagnostics(t *testing.T) {
	stub := newUpstreamStub(t)
	env := newTestEnv(t, stub.URL)

	if resp := env.do(t, http.MethodPost, "/-/prepare/gmusic/abc123"); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("prepare failed: %d", resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/-/backends")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Backends []struct {
			Name        string   `json:"name"`
			AuthMode    string   `json:"auth_mode"`
			CachedFiles int      `json:"cached_files"`
			CachedBytes uint64   `json:"cached_bytes"`
			Pending     []string `json:"pending"`
			Module      struct {
				Extension string `json:"extension"`
			} `json:"module"`
		} `json:"backends"`
	}
	decodeJSON(t, resp, &payload)
	if len(payload.Backends) != 1 {
		t.Fatalf("expected one backend, got %+v", payload)
	}
	b := payload.Backends[0]
	if b.Name != "gmusic" || b.AuthMode != "credentialed" || b.Module.Extension != "mp3" {
		t.Fatalf("unexpected backend payload: %+v", b)
	}
	if b.CachedFiles != 1 || b.CachedBytes != uint64(len("SONG-abc123")) || len(b.Pending) != 0 {
		t.Fatalf("unexpected cache usage: %+v", b)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	stub := newUpstreamStub(t)
	env := newTestEnv(t, stub.URL)

	if resp := env.do(t, http.MethodPost, "/-/prepare/gmusic/abc123"); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("prepare failed: %d", resp.StatusCode)
	}
	env.do(t, http.MethodGet, "/gmusic/abc123.mp3")

	resp := env.do(t, http.MethodGet, "/-/metrics")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, want := range []string{
		`songcache_prepare_total{backend="gmusic",result="miss"} 1`,
		`songcache_fetch_total{backend="gmusic",outcome="committed"} 1`,
		`songcache_content_responses_total{backend="gmusic",status="200"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

type testEnv struct {
	app *fiber.App
}

func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:        5000,
			StoragePath:       t.TempDir(),
			RetryDelay:        config.Duration(10 * time.Millisecond),
			MaxRetries:        2,
			UpstreamTimeout:   config.Duration(2 * time.Second),
			SearchResultCount: 5,
		},
		Backends: []config.BackendConfig{{
			Name:     "gmusic",
			Type:     "gmusic",
			Upstream: upstreamURL,
			Username: "party",
			Password: "secret",
		}},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := prometheus.NewRegistry()
	observer, err := metrics.NewObserver("songcache", reg)
	if err != nil {
		t.Fatalf("metrics error: %v", err)
	}

	registry, err := server.NewBackendRegistry(cfg, server.RegistryOptions{Logger: logger, Metrics: observer})
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: registry,
		Content:  content.NewServer(logger, observer),
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	RegisterBackendRoutes(app, registry)
	RegisterPrepareRoutes(app, registry, logger)
	RegisterSearchRoutes(app, registry, logger)
	RegisterMetricsRoute(app, reg)
	return &testEnv{app: app}
}

func (e *testEnv) do(t *testing.T, method, target string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// upstreamStub 模拟流媒体服务：认证、解析下载地址、返回音频正文与搜索结果。
// id 为 "gone" 的歌曲在下载地址上返回 404。
type upstreamStub struct {
	*httptest.Server
	mediaCalls atomic.Int32
	lastQuery  atomic.Value
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "party" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"token":"tok"}`)
	})
	mux.HandleFunc("/stream/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/stream/")
		_ = json.NewEncoder(w).Encode(map[string]string{"url": stub.URL + "/media/" + id})
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		stub.mediaCalls.Add(1)
		id := strings.TrimPrefix(r.URL.Path, "/media/")
		if id == "gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, "SONG-"+id)
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		stub.lastQuery.Store(r.URL.Query().Get("q"))
		_, _ = io.WriteString(w, `{"entries":[
			{"type":"1","score":2,"track":{"nid":"other","title":"Other","durationMillis":"1000"}},
			{"type":"3","score":9,"track":{"nid":"artist"}},
			{"type":"1","score":8,"track":{"nid":"abc123","title":"Cached","durationMillis":"2000"}}
		]}`)
	})
	stub.Server = httptest.NewServer(mux)
	t.Cleanup(stub.Server.Close)
	return stub
}
