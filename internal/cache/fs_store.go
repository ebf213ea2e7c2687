package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const stagingDirName = "incomplete"

// renameFile 可在测试中替换，用于模拟跨设备/磁盘满等 rename 失败。
var renameFile = os.Rename

// NewStore 以 root/backend 为根目录构建磁盘缓存，并预先创建 incomplete/ 暂存目录。
func NewStore(root, backend, ext string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("storage path required")
	}
	backend = strings.TrimSpace(backend)
	if backend == "" || strings.ContainsAny(backend, `/\`) || backend == "." || backend == ".." {
		return nil, fmt.Errorf("invalid backend name: %q", backend)
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return nil, errors.New("file extension required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	dir := filepath.Join(abs, backend)
	if err := os.MkdirAll(filepath.Join(dir, stagingDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &FileStore{
		dir:     dir,
		ext:     ext,
		writers: make(map[string]*os.File),
	}, nil
}

// FileStore 把暂存句柄记录在 writers 中，Commit/Discard 负责关闭。
type FileStore struct {
	dir string
	ext string

	mu      sync.Mutex
	writers map[string]*os.File
}

var _ Store = (*FileStore)(nil)

// Dir returns the backend namespace directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Extension returns the file suffix without the leading dot.
func (s *FileStore) Extension() string {
	return s.ext
}

// CommittedPath 返回 id 对应的已提交文件路径。
func (s *FileStore) CommittedPath(id string) string {
	return filepath.Join(s.dir, id+"."+s.ext)
}

// StagingPath 返回 id 对应的暂存文件路径。
func (s *FileStore) StagingPath(id string) string {
	return filepath.Join(s.dir, stagingDirName, id+"."+s.ext)
}

func (s *FileStore) Exists(id string) bool {
	if ValidateID(id) != nil {
		return false
	}
	info, err := os.Stat(s.CommittedPath(id))
	return err == nil && info.Mode().IsRegular()
}

func (s *FileStore) OpenStaging(id string) (io.WriteCloser, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	stagingPath := s.StagingPath(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.writers[id]; prev != nil {
		_ = prev.Close()
		delete(s.writers, id)
	}

	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fsError("open", stagingPath, err)
	}
	s.writers[id] = f
	return &stagingWriter{store: s, id: id, file: f}, nil
}

func (s *FileStore) Commit(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	stagingPath := s.StagingPath(id)
	committedPath := s.CommittedPath(id)

	if err := s.releaseWriter(id, true); err != nil {
		return fsError("close", stagingPath, err)
	}

	if _, err := os.Stat(stagingPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if s.Exists(id) {
				return nil
			}
			return fsError("commit", stagingPath, ErrNoStaging)
		}
		return fsError("stat", stagingPath, err)
	}

	// 已提交文件不可变：重复提交只丢弃新的暂存文件。
	if s.Exists(id) {
		_ = os.Remove(stagingPath)
		return nil
	}

	if err := renameFile(stagingPath, committedPath); err != nil {
		return fsError("rename", committedPath, err)
	}
	return nil
}

func (s *FileStore) Discard(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	stagingPath := s.StagingPath(id)
	_ = s.releaseWriter(id, false)
	if err := os.Remove(stagingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fsError("remove", stagingPath, err)
	}
	return nil
}

func (s *FileStore) Open(id string) (*ReadResult, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	filePath := s.CommittedPath(id)

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fsError("stat", filePath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fsError("open", filePath, err)
	}

	return &ReadResult{
		Entry: Entry{
			ID:        id,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

// releaseWriter 关闭并移除 id 的暂存句柄；flush 为 true 时先落盘。
func (s *FileStore) releaseWriter(id string, flush bool) error {
	s.mu.Lock()
	f := s.writers[id]
	delete(s.writers, id)
	s.mu.Unlock()

	if f == nil {
		return nil
	}
	if flush {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// stagingWriter 是 OpenStaging 返回的句柄；Close 等价于由 Store 释放该句柄。
type stagingWriter struct {
	store *FileStore
	id    string
	file  *os.File
}

func (w *stagingWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		return n, fsError("write", w.file.Name(), err)
	}
	return n, nil
}

func (w *stagingWriter) Close() error {
	w.store.mu.Lock()
	owned := w.store.writers[w.id] == w.file
	if owned {
		delete(w.store.writers, w.id)
	}
	w.store.mu.Unlock()
	if !owned {
		return nil
	}
	return w.file.Close()
}
