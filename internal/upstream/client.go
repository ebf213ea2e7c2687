// Package upstream talks to the remote streaming service: it obtains bearer
// tokens, resolves short-lived stream locations for a song id and runs
// catalogue searches. Failures are classified into AuthError (credentials
// rejected), NetworkError (retryable transport failure) and StatusError.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/partyplay/songcache/internal/version"
)

// StreamLocation 是一次下载尝试使用的短时 URL，不落盘。
type StreamLocation struct {
	URL string
}

// IsZero reports whether the location still has to be resolved.
func (l StreamLocation) IsZero() bool {
	return strings.TrimSpace(l.URL) == ""
}

// Song 是搜索结果中的一首歌。
type Song struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	Album          string `json:"album"`
	DurationMillis int64  `json:"duration"`
	Backend        string `json:"backend"`
	Format         string `json:"format"`
}

// Options 描述单个 backend 的上游连接参数。
type Options struct {
	Backend  string
	Format   string
	Upstream string
	Proxy    string
	Username string
	Password string
	Timeout  time.Duration
	Logger   *logrus.Logger
}

// Client 持有当前 bearer token；Authenticate 会替换它。
type Client struct {
	backend  string
	format   string
	base     *url.URL
	proxy    *url.URL
	username string
	password string
	http     *http.Client
	logger   *logrus.Logger

	mu    sync.RWMutex
	token string
}

// NewClient 解析上游地址并构建共享 http.Client。
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Upstream) == "" {
		return nil, errors.New("upstream url required")
	}
	base, err := url.Parse(opts.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream scheme: %s", base.Scheme)
	}

	var proxyURL *url.URL
	if opts.Proxy != "" {
		proxyURL, err = url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &Client{
		backend:  opts.Backend,
		format:   opts.Format,
		base:     base,
		proxy:    proxyURL,
		username: opts.Username,
		password: opts.Password,
		http:     NewAPIClient(opts.Timeout, proxyURL),
		logger:   logger,
	}, nil
}

// ProxyURL returns the outbound proxy, nil when requests go direct.
func (c *Client) ProxyURL() *url.URL {
	return c.proxy
}

// Authenticate 重新向上游换取 bearer token，是 fetch 重试路径上的显式重连操作。
func (c *Client) Authenticate(ctx context.Context) error {
	endpoint := c.endpoint("auth/token", nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, http.NoBody)
	if err != nil {
		return &NetworkError{Op: "authenticate", Err: err}
	}
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus("authenticate", resp); err != nil {
		return err
	}

	var tokenResp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return &NetworkError{Op: "authenticate", Err: fmt.Errorf("decode token response: %w", err)}
	}

	token := tokenResp.Token
	if token == "" {
		token = tokenResp.AccessToken
	}
	if token == "" {
		return &AuthError{Op: "authenticate", Err: errors.New("token response missing token value")}
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"action":  "upstream_auth",
		"backend": c.backend,
	}).Info("上游认证成功")
	return nil
}

// ResolveStreamLocation 请求一个新的短时下载地址；尚未认证时会先认证。
func (c *Client) ResolveStreamLocation(ctx context.Context, id string) (StreamLocation, error) {
	if c.currentToken() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return StreamLocation{}, err
		}
	}

	endpoint := c.endpoint("stream/"+id, nil)
	var payload struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, "resolve_stream", endpoint, &payload); err != nil {
		return StreamLocation{}, err
	}

	parsed, err := url.Parse(strings.TrimSpace(payload.URL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return StreamLocation{}, &StatusError{Op: "resolve_stream", Status: http.StatusBadGateway, Body: "invalid stream url"}
	}
	return StreamLocation{URL: parsed.String()}, nil
}

type searchEntry struct {
	Type  string  `json:"type"`
	Score float64 `json:"score"`
	Track struct {
		ID             string `json:"nid"`
		Title          string `json:"title"`
		Artist         string `json:"artist"`
		Album          string `json:"album"`
		DurationMillis string `json:"durationMillis"`
	} `json:"track"`
}

const songEntryType = "1"

// Search 查询上游曲库（向上游请求 limit+1 条），只保留歌曲条目（不含专辑/艺人），
// 按 score 降序原样返回上游给出的全部歌曲。
func (c *Client) Search(ctx context.Context, terms string, limit int) ([]Song, error) {
	if c.currentToken() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = 20
	}

	query := url.Values{}
	query.Set("q", terms)
	query.Set("limit", strconv.Itoa(limit+1))
	endpoint := c.endpoint("search", query)

	var payload struct {
		Entries []searchEntry `json:"entries"`
	}
	if err := c.getJSON(ctx, "search", endpoint, &payload); err != nil {
		return nil, err
	}

	entries := payload.Entries
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})

	songs := make([]Song, 0, len(entries))
	for _, entry := range entries {
		if entry.Type != songEntryType {
			continue
		}
		duration, _ := strconv.ParseInt(entry.Track.DurationMillis, 10, 64)
		songs = append(songs, Song{
			ID:             entry.Track.ID,
			Title:          entry.Track.Title,
			Artist:         entry.Track.Artist,
			Album:          entry.Track.Album,
			DurationMillis: duration,
			Backend:        c.backend,
			Format:         c.format,
		})
	}
	return songs, nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(op, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// classifyStatus 将非 200 响应映射为 AuthError / NetworkError / StatusError。
func classifyStatus(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	trimmed := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &NetworkError{Op: op, Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, trimmed)}
	default:
		return &StatusError{Op: op, Status: resp.StatusCode, Body: trimmed}
	}
}

func (c *Client) endpoint(rel string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + rel
	u.RawPath = ""
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}
