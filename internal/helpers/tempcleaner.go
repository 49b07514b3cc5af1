// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package helpers

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SweepStaleRuns removes run directories under dir whose names start with
// prefix and that were last modified before now-olderThan. A crashed run
// never reaches its own cleanup, so its segments are reclaimed here by the
// next run that shares the directory. It returns how many were removed.
func SweepStaleRuns(dir, prefix string, olderThan time.Duration, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Info("Failed to read spill dir (ignoring)", slog.String("path", dir), slog.Any("error", err))
		}
		return 0
	}

	cutoff := now.Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to remove stale spill run", slog.String("path", path), slog.Any("error", err))
			continue
		}
		slog.Info("Removed stale spill run", slog.String("path", path), slog.Time("modified", info.ModTime()))
		removed++
	}
	return removed
}
