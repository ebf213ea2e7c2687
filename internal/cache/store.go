package cache

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
)

// Store 负责单个 backend 命名空间下的磁盘缓存。磁盘布局遵循：
//
//	<StoragePath>/<Backend>/<id>.<ext>             # 已提交，可对外服务
//	<StoragePath>/<Backend>/incomplete/<id>.<ext>  # 下载中，不可信
//
// 同一 id 的写入方由 coordinator 串行化，Store 本身只保证提交的原子性。
type Store interface {
	// Exists 仅在已提交文件存在时返回 true。
	Exists(id string) bool

	// OpenStaging 创建（或截断）暂存文件并返回独占写入句柄。
	OpenStaging(id string) (io.WriteCloser, error)

	// Commit 关闭暂存写入句柄并通过 rename 原子地提交。rename 失败时返回
	// FilesystemError，暂存文件保留给 Discard 清理。
	Commit(id string) error

	// Discard 删除暂存文件；不存在时为 no-op。
	Discard(id string) error

	// Open 返回已提交文件的只读句柄。若不存在则返回 ErrNotFound。
	Open(id string) (*ReadResult, error)
}

// Entry 描述一个已提交的缓存文件。
type Entry struct {
	ID        string    `json:"id"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，Reader 支持 Seek 以便按 Range 读取。
type ReadResult struct {
	Entry  Entry
	Reader ReadSeekCloser
}

// ReadSeekCloser is satisfied by *os.File and by test doubles.
type ReadSeekCloser interface {
	io.ReadSeeker
	io.ReaderAt
	io.Closer
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidID 表示 id 不是安全的路径片段，在任何 I/O 之前即被拒绝。
	ErrInvalidID = errors.New("invalid content id")
	// ErrNoStaging 表示提交时找不到暂存文件，且也不存在已提交文件。
	ErrNoStaging = errors.New("staging file missing")
)

// FilesystemError 记录失败的磁盘操作及其路径。
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

func fsError(op, path string, err error) error {
	return &FilesystemError{Op: op, Path: path, Err: err}
}

const maxIDLength = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID 检查 id 是否可安全作为单个路径片段使用。
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength || !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
