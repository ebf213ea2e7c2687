// Package gmusic 注册 Google Play Music 兼容后端：缓存为 mp3，按 audio/mpeg 对外提供。
package gmusic

import "github.com/partyplay/songcache/internal/backend"

func init() {
	backend.MustRegister(backend.Metadata{
		Key:         "gmusic",
		Description: "Streaming service backend caching full-length mp3 tracks",
		Extension:   "mp3",
		ContentType: "audio/mpeg",
	})
}
