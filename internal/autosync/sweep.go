package autosync

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SweepStale removes copy directories under dir whose newest entry is older
// than maxAge. Live trackers clean up after themselves; this catches what a
// crashed process left behind.
func SweepStale(dir string, maxAge time.Duration, now time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, dirPattern))
	if err != nil {
		return 0, fmt.Errorf("autosync: sweep %q: %w", dir, err)
	}
	removed := 0
	for _, m := range matches {
		info, err := os.Lstat(m)
		if err != nil || !info.IsDir() {
			continue
		}
		if now.Sub(newest(m, info.ModTime())) < maxAge {
			continue
		}
		if err := os.RemoveAll(m); err != nil {
			return removed, fmt.Errorf("autosync: sweep %q: %w", m, err)
		}
		removed++
	}
	return removed, nil
}

func newest(dir string, t time.Time) time.Time {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return t
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && info.ModTime().After(t) {
			t = info.ModTime()
		}
	}
	return t
}
