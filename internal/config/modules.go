package config

import (
	_ "github.com/partyplay/songcache/internal/backend/gmusic"
)
