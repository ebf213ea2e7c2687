package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 backend/歌曲/请求 ID 字段，供 content server 与路由日志复用。
func RequestFields(backend, songID, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"backend": backend,
		"song_id": songID,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// FetchFields 描述一次下载链路的进度：重试次数与重定向次数。
func FetchFields(backend, songID string, attempt, redirects int) logrus.Fields {
	return logrus.Fields{
		"action":    "fetch",
		"backend":   backend,
		"song_id":   songID,
		"attempt":   attempt,
		"redirects": redirects,
	}
}
