package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/partyplay/songcache/internal/cache"
	"github.com/partyplay/songcache/internal/upstream"
)

var (
	// ErrTooManyRedirects 仅在配置了 MaxRedirects 时出现。
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrRetriesExhausted 仅在配置了 MaxRetries 时出现，包装最后一次传输错误。
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// UpstreamStatusError 表示既非成功也非重定向的终态 HTTP 状态。
type UpstreamStatusError struct {
	Status int
	URL    string
	Err    error
}

func (e *UpstreamStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream returned status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

func (e *UpstreamStatusError) Unwrap() error {
	return e.Err
}

// Outcome labels used in logs and metrics.
const (
	OutcomeCommitted      = "committed"
	OutcomeUpstreamStatus = "upstream_status"
	OutcomeFilesystem     = "filesystem"
	OutcomeAuth           = "auth"
	OutcomeRedirectLimit  = "redirect_limit"
	OutcomeRetryLimit     = "retry_limit"
	OutcomeCanceled       = "canceled"
	OutcomeInvalidID      = "invalid_id"
	OutcomeError          = "error"
)

// OutcomeOf 将 fetch 返回的错误归类为固定的 outcome 标签。
func OutcomeOf(err error) string {
	var (
		statusErr *UpstreamStatusError
		fsErr     *cache.FilesystemError
	)
	switch {
	case err == nil:
		return OutcomeCommitted
	case errors.Is(err, cache.ErrInvalidID):
		return OutcomeInvalidID
	case errors.Is(err, ErrTooManyRedirects):
		return OutcomeRedirectLimit
	case errors.Is(err, ErrRetriesExhausted):
		return OutcomeRetryLimit
	case errors.As(err, &statusErr):
		return OutcomeUpstreamStatus
	case errors.As(err, &fsErr):
		return OutcomeFilesystem
	case upstream.IsAuthError(err):
		return OutcomeAuth
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// terminalError 把上游 StatusError 统一为 UpstreamStatusError，其它错误原样返回。
func terminalError(err error) error {
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return &UpstreamStatusError{Status: se.Status, Err: err}
	}
	return err
}
