package version

import "fmt"

// 构建时通过 -ldflags "-X .../internal/version.Version=..." 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 CLI `--version` 输出的版本串。
func Full() string {
	return fmt.Sprintf("songcache %s (%s)", Version, Commit)
}

// UserAgent 是访问上游流媒体服务时携带的 User-Agent。
func UserAgent() string {
	return "songcache/" + Version
}
