// Package fetch populates one cache entry from the upstream streaming service.
//
// A fetch chain resolves a short-lived stream location, streams the body into
// the store's staging file and commits it. Redirects discard the staging write
// and continue with the new location. Transport failures discard the partial
// write, wait a fixed delay, re-authenticate and restart from a freshly
// resolved location. By default neither loop is bounded: the chain keeps going
// until it commits or hits a terminal error, trading responsiveness for
// availability. MaxRedirects and MaxRetries bound the loops when set.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/partyplay/songcache/internal/cache"
	"github.com/partyplay/songcache/internal/logging"
	"github.com/partyplay/songcache/internal/metrics"
	"github.com/partyplay/songcache/internal/upstream"
	"github.com/partyplay/songcache/internal/version"
)

// DefaultRetryDelay 是传输失败后重连前的固定等待时间。
const DefaultRetryDelay = 5 * time.Second

// StreamService 是 fetch 依赖的上游能力：显式重连与解析下载地址。
type StreamService interface {
	Authenticate(ctx context.Context) error
	ResolveStreamLocation(ctx context.Context, id string) (upstream.StreamLocation, error)
}

// Doer executes stream requests; *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options 描述 Fetcher 的依赖与重试参数。
type Options struct {
	Backend      string
	Store        cache.Store
	Service      StreamService
	HTTP         Doer
	Logger       *logrus.Logger
	Metrics      *metrics.Observer
	RetryDelay   time.Duration
	MaxRetries   int
	MaxRedirects int
}

// Fetcher 负责单个 backend 的下载；同一 id 的并发由 coordinator 保证至多一个。
type Fetcher struct {
	backend      string
	store        cache.Store
	service      StreamService
	http         Doer
	logger       *logrus.Logger
	metrics      *metrics.Observer
	retryDelay   time.Duration
	maxRetries   int
	maxRedirects int
	sleep        func(context.Context, time.Duration) error
}

// New 校验依赖并填充默认值。
func New(opts Options) (*Fetcher, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Service == nil {
		return nil, errors.New("stream service is required")
	}
	doer := opts.HTTP
	if doer == nil {
		doer = upstream.NewStreamClient(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return &Fetcher{
		backend:      opts.Backend,
		store:        opts.Store,
		service:      opts.Service,
		http:         doer,
		logger:       logger,
		metrics:      opts.Metrics,
		retryDelay:   delay,
		maxRetries:   opts.MaxRetries,
		maxRedirects: opts.MaxRedirects,
		sleep:        sleepContext,
	}, nil
}

// ResolveStreamLocation 获取新的下载地址；凭证被拒绝时重新认证一次，
// 认证刚完成后仍被拒绝则视为终态 AuthError。
func (f *Fetcher) ResolveStreamLocation(ctx context.Context, id string) (upstream.StreamLocation, error) {
	loc, err := f.service.ResolveStreamLocation(ctx, id)
	if err == nil || !upstream.IsAuthError(err) {
		return loc, err
	}
	f.logger.WithFields(logging.FetchFields(f.backend, id, 0, 0)).
		WithError(err).Warn("上游凭证失效，重新认证")
	if authErr := f.service.Authenticate(ctx); authErr != nil {
		return upstream.StreamLocation{}, authErr
	}
	return f.service.ResolveStreamLocation(ctx, id)
}

// Fetch 执行完整的下载链路并返回终态结果；loc 为空时先解析下载地址。
// 返回 nil 表示条目已提交。
func (f *Fetcher) Fetch(ctx context.Context, id string, loc upstream.StreamLocation) error {
	if err := cache.ValidateID(id); err != nil {
		return err
	}
	started := time.Now()
	size, err := f.run(ctx, id, loc)
	outcome := OutcomeOf(err)
	f.metrics.RecordFetch(f.backend, outcome, time.Since(started), size)

	fields := logging.RequestFields(f.backend, id, "")
	fields["action"] = "fetch"
	fields["outcome"] = outcome
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		f.logger.WithFields(fields).WithError(err).Error("fetch_failed")
		return err
	}
	fields["size"] = humanize.Bytes(uint64(size))
	f.logger.WithFields(fields).Info("fetch_complete")
	return nil
}

type attemptKind int

const (
	attemptCommitted attemptKind = iota
	attemptRedirect
	attemptTransport
	attemptTerminal
)

type attemptResult struct {
	kind attemptKind
	size int64
	next upstream.StreamLocation
	err  error
}

func (f *Fetcher) run(ctx context.Context, id string, loc upstream.StreamLocation) (int64, error) {
	policy := f.retryPolicy(ctx)
	retries := 0
	redirects := 0
	for {
		if loc.IsZero() {
			resolved, err := f.ResolveStreamLocation(ctx, id)
			if err != nil {
				if !upstream.IsNetworkError(err) {
					return 0, terminalError(err)
				}
				if err := f.waitAndReconnect(ctx, id, policy, &retries, redirects, err); err != nil {
					return 0, err
				}
				continue
			}
			loc = resolved
		}

		result := f.attempt(ctx, id, loc)
		switch result.kind {
		case attemptCommitted:
			return result.size, nil
		case attemptRedirect:
			redirects++
			f.metrics.RecordRedirect(f.backend)
			f.logger.WithFields(logging.FetchFields(f.backend, id, retries, redirects)).
				WithField("location", result.next.URL).Info("redirected, retrying with new URL")
			if f.maxRedirects > 0 && redirects > f.maxRedirects {
				return 0, fmt.Errorf("%w: %d", ErrTooManyRedirects, redirects)
			}
			loc = result.next
		case attemptTransport:
			if err := f.waitAndReconnect(ctx, id, policy, &retries, redirects, result.err); err != nil {
				return 0, err
			}
			loc = upstream.StreamLocation{}
		default:
			return 0, result.err
		}
	}
}

// retryPolicy 为一次 Fetch 构建重连节奏：固定间隔；MaxRetries 大于 0 时限制次数；
// ctx 结束后不再重连。
func (f *Fetcher) retryPolicy(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(f.retryDelay)
	if f.maxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(f.maxRetries))
	}
	b = backoff.WithContext(b, ctx)
	b.Reset()
	return b
}

// waitAndReconnect 是传输失败后的重连步骤：按 policy 等待，然后重新认证。
// 认证被拒绝是终态；认证本身遇到网络错误则交给下一轮循环继续重试。
func (f *Fetcher) waitAndReconnect(ctx context.Context, id string, policy backoff.BackOff, retries *int, redirects int, cause error) error {
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, *retries, cause)
	}
	*retries++
	f.metrics.RecordRetry(f.backend)
	f.logger.WithFields(logging.FetchFields(f.backend, id, *retries, redirects)).
		WithError(cause).Warnf("下载出错，%s 后重连", delay)

	if err := f.sleep(ctx, delay); err != nil {
		return err
	}
	if err := f.service.Authenticate(ctx); err != nil {
		if upstream.IsAuthError(err) {
			return err
		}
		f.logger.WithFields(logging.FetchFields(f.backend, id, *retries, redirects)).
			WithError(err).Warn("重连失败，继续重试")
	}
	return nil
}

func (f *Fetcher) attempt(ctx context.Context, id string, loc upstream.StreamLocation) attemptResult {
	writer, err := f.store.OpenStaging(id)
	if err != nil {
		return attemptResult{kind: attemptTerminal, err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.URL, nil)
	if err != nil {
		f.discard(id)
		return attemptResult{kind: attemptTerminal, err: fmt.Errorf("build stream request: %w", err)}
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := f.http.Do(req)
	if err != nil {
		f.discard(id)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attemptResult{kind: attemptTerminal, err: ctxErr}
		}
		return attemptResult{kind: attemptTransport, err: &upstream.NetworkError{Op: "stream", Err: err}}
	}
	defer resp.Body.Close()

	switch {
	case isRedirect(resp.StatusCode):
		f.discard(id)
		next, err := redirectTarget(req.URL, resp.Header.Get("Location"))
		if err != nil {
			return attemptResult{kind: attemptTerminal, err: &UpstreamStatusError{Status: resp.StatusCode, URL: loc.URL, Err: err}}
		}
		return attemptResult{kind: attemptRedirect, next: next}

	case resp.StatusCode == http.StatusOK:
		written, err := copyBody(writer, resp.Body)
		if err != nil {
			f.discard(id)
			var readErr *bodyReadError
			if errors.As(err, &readErr) {
				return attemptResult{kind: attemptTransport, err: &upstream.NetworkError{Op: "stream_body", Err: readErr.err}}
			}
			// 写暂存失败（磁盘满、权限）不重试。
			var fsErr *cache.FilesystemError
			if !errors.As(err, &fsErr) {
				err = &cache.FilesystemError{Op: "write", Path: id, Err: err}
			}
			return attemptResult{kind: attemptTerminal, err: err}
		}
		if err := f.store.Commit(id); err != nil {
			f.discard(id)
			return attemptResult{kind: attemptTerminal, err: err}
		}
		return attemptResult{kind: attemptCommitted, size: written}

	default:
		f.discard(id)
		return attemptResult{kind: attemptTerminal, err: &UpstreamStatusError{Status: resp.StatusCode, URL: loc.URL}}
	}
}

func (f *Fetcher) discard(id string) {
	if err := f.store.Discard(id); err != nil {
		f.logger.WithFields(logging.FetchFields(f.backend, id, 0, 0)).
			WithError(err).Warn("staging_discard_failed")
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func redirectTarget(current *url.URL, location string) (upstream.StreamLocation, error) {
	if location == "" {
		return upstream.StreamLocation{}, errors.New("redirect without location")
	}
	parsed, err := url.Parse(location)
	if err != nil {
		return upstream.StreamLocation{}, fmt.Errorf("invalid redirect location: %w", err)
	}
	target := current.ResolveReference(parsed)
	if target.Scheme != "http" && target.Scheme != "https" {
		return upstream.StreamLocation{}, fmt.Errorf("unsupported redirect scheme: %s", target.Scheme)
	}
	return upstream.StreamLocation{URL: target.String()}, nil
}

type bodyReadError struct {
	err error
}

func (e *bodyReadError) Error() string {
	return "read stream body: " + e.err.Error()
}

func (e *bodyReadError) Unwrap() error {
	return e.err
}

// copyBody 分块写入暂存文件，并区分读取（网络）错误与写入（磁盘）错误。
func copyBody(dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, &bodyReadError{err: err}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
