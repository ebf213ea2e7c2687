package upstream

import (
	"errors"
	"fmt"
)

// AuthError 表示上游拒绝了凭证（401/403 或 token 响应缺失）。
type AuthError struct {
	Op     string
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream %s: credentials rejected (status=%d)", e.Op, e.Status)
	}
	return fmt.Sprintf("upstream %s: credentials rejected: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NetworkError 表示可重试的传输层失败（连接重置、超时、5xx）。
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusError 表示上游返回了不可重试的状态码，例如 stream/<id> 返回 404。
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream %s: status=%d", e.Op, e.Status)
	}
	return fmt.Sprintf("upstream %s: status=%d body=%s", e.Op, e.Status, e.Body)
}

// IsAuthError reports whether err carries an *AuthError.
func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsNetworkError reports whether err carries a *NetworkError.
func IsNetworkError(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}
