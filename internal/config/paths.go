package config

import (
	"os"
	"path/filepath"
)

// fallbackDirName is the per-user directory used when a system path is not
// writable, e.g. when running without root during development.
const fallbackDirName = ".mcmanager"

// ResolvePath returns preferred when its parent directory can be created,
// otherwise ~/.mcmanager/<fallbackRel>. The second result reports whether
// the fallback was taken.
func ResolvePath(preferred, fallbackRel string) (string, bool) {
	if err := os.MkdirAll(filepath.Dir(preferred), 0o755); err == nil {
		return preferred, false
	}

	base := "."
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		base = filepath.Join(home, fallbackDirName)
	}
	fallback := filepath.Join(base, fallbackRel)
	if err := os.MkdirAll(filepath.Dir(fallback), 0o755); err != nil {
		return preferred, false
	}
	return fallback, true
}
