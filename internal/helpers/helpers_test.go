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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepStaleRuns(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-2 * time.Hour)

	mk := func(name string, mtime time.Time) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(p, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(p, "spill-1.seg"), []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(p, mtime, mtime))
		return p
	}
	stale := mk("run-old", old)
	fresh := mk("run-new", now)
	other := mk("keepme", old)

	removed := SweepStaleRuns(dir, "run-", time.Hour, now)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
	assert.DirExists(t, other)

	assert.Equal(t, 0, SweepStaleRuns(filepath.Join(dir, "missing"), "run-", time.Hour, now))
}

func TestDiskUsage(t *testing.T) {
	u, err := DiskUsage(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, u.TotalBytes)
	assert.LessOrEqual(t, u.FreeBytes, u.TotalBytes)
	assert.Equal(t, u.TotalBytes-u.FreeBytes, u.UsedBytes)

	_, err = DiskUsage(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}
