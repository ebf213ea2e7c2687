package upstream

import (
	"net"
	"net/http"
	"net/url"
	"time"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

func newTransport(proxyURL *url.URL) *http.Transport {
	transport := defaultTransport.Clone()
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport
}

// NewAPIClient 返回用于 auth/stream/search 等 JSON 接口的 http.Client，整体受 timeout 约束。
func NewAPIClient(timeout time.Duration, proxyURL *url.URL) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(proxyURL),
	}
}

// NewStreamClient 返回下载音频正文用的 http.Client：没有整体超时（下载可能很长），
// 并且不自动跟随重定向，由 fetch 包自行处理 3xx。
func NewStreamClient(proxyURL *url.URL) *http.Client {
	return &http.Client{
		Transport: newTransport(proxyURL),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
