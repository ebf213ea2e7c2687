package integration

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// musicStub 模拟流媒体服务：/auth/token 颁发 token，/stream/<id> 返回短时
// 下载地址，/media/<id> 返回音频正文。行为可以按 id 定制。
type musicStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu        sync.Mutex
	authCalls int
	media     map[string]int
	// redirects 将 /media/<id> 重定向到 /cdn/<id>，并在 302 响应中附带干扰正文。
	redirects map[string]bool
	// truncateOnce 让 /media/<id> 第一次只写出部分正文后断开连接。
	truncateOnce map[string]bool
	// gate 非 nil 时，/media 在返回前等待其关闭。
	gate chan struct{}
}

func newMusicStub(t *testing.T) *musicStub {
	t.Helper()

	stub := &musicStub{
		media:        make(map[string]int),
		redirects:    make(map[string]bool),
		truncateOnce: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.authCalls++
		stub.mu.Unlock()
		user, pass, ok := r.BasicAuth()
		if !ok || user != "party" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"access_token": "tok"})
	})
	mux.HandleFunc("/stream/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/stream/")
		writeJSON(w, map[string]string{"url": stub.URL + "/media/" + id})
	})
	mux.HandleFunc("/media/", stub.serveMedia)
	mux.HandleFunc("/cdn/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/cdn/")
		_, _ = io.WriteString(w, "WORLD-"+id)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()
	stub.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = stub.server.Serve(listener) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = stub.server.Shutdown(ctx)
	})
	return stub
}

func (s *musicStub) serveMedia(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/media/")

	s.mu.Lock()
	s.media[id]++
	redirect := s.redirects[id]
	truncate := s.truncateOnce[id]
	if truncate {
		delete(s.truncateOnce, id)
	}
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	switch {
	case id == "gone":
		w.WriteHeader(http.StatusNotFound)
	case redirect:
		w.Header().Set("Location", "/cdn/"+id)
		w.WriteHeader(http.StatusFound)
		_, _ = io.WriteString(w, "REDIRECT-NOISE")
	case truncate:
		w.Header().Set("Content-Length", "64")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "PARTIAL")
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
			}
		}
	default:
		_, _ = io.WriteString(w, "HELLO-"+id)
	}
}

func (s *musicStub) mediaCalls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media[id]
}

func (s *musicStub) auths() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
