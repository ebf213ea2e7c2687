package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

// Metadata 记录一个后端模块的静态信息，供配置校验、缓存布局和诊断端使用。
type Metadata struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	// Extension 是缓存文件的扩展名（不含点），也是对外文件名的一部分。
	Extension string `json:"extension"`
	// ContentType 用于 ContentServer 的响应头。
	ContentType string `json:"content_type"`
}

// FileName 返回 id 对外暴露的文件名。
func (m Metadata) FileName(id string) string {
	return id + "." + m.Extension
}

type registry struct {
	mu      sync.RWMutex
	modules map[string]Metadata
}

func newRegistry() *registry {
	return &registry{modules: make(map[string]Metadata)}
}

// Register 将模块元数据加入全局注册表，重复键会返回错误。
func Register(meta Metadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合模块 init() 中调用。
func MustRegister(meta Metadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的模块元数据。
func Resolve(key string) (Metadata, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的模块元数据列表。
func List() []Metadata {
	return globalRegistry.list()
}

// Keys 返回所有已注册模块的键值，供配置校验的错误信息使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(meta Metadata) error {
	key := normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("module key is required")
	}
	ext := strings.TrimPrefix(strings.TrimSpace(meta.Extension), ".")
	if ext == "" || strings.ContainsAny(ext, "/\\.") {
		return fmt.Errorf("module %s: invalid extension %q", key, meta.Extension)
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	meta.Key = key
	meta.Extension = ext

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[key]; exists {
		return fmt.Errorf("module %s already registered", key)
	}
	r.modules[key] = meta
	return nil
}

func (r *registry) resolve(key string) (Metadata, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Metadata{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.modules[normalized]
	return meta, ok
}

func (r *registry) list() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.modules) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.modules))
	for key := range r.modules {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Metadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.modules[key])
	}
	return result
}
