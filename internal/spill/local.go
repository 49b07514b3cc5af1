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

package spill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cardinalhq/emsqrt/internal/helpers"
)

// LocalTarget stores segments as files under a directory. Writes go to a
// temporary file that is fsynced and renamed into place, so a visible key
// always refers to a complete segment.
type LocalTarget struct {
	dir string
}

var _ Target = (*LocalTarget)(nil)

// NewLocalTarget creates dir if needed and verifies that it is writable.
func NewLocalTarget(dir string) (*LocalTarget, error) {
	if dir == "" {
		return nil, fmt.Errorf("local spill target needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill dir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("spill dir %s is not writable: %w", dir, err)
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	if usage, err := helpers.DiskUsage(dir); err == nil {
		slog.Debug("Local spill target ready",
			slog.String("dir", dir),
			slog.Uint64("freeBytes", usage.FreeBytes),
			slog.Uint64("totalBytes", usage.TotalBytes))
	}
	return &LocalTarget{dir: dir}, nil
}

func (t *LocalTarget) Kind() string { return "local" }

// Dir returns the root directory.
func (t *LocalTarget) Dir() string { return t.dir }

// SweepOrphans removes run directories older than olderThan that a crashed
// process left behind, and returns how many it removed.
func (t *LocalTarget) SweepOrphans(olderThan time.Duration) int {
	return helpers.SweepStaleRuns(t.dir, "run-", olderThan, time.Now())
}

func (t *LocalTarget) path(key string) (string, error) {
	p := filepath.Join(t.dir, filepath.FromSlash(key))
	if rel, err := filepath.Rel(t.dir, p); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("key %q escapes spill dir", key)
	}
	return p, nil
}

func (t *LocalTarget) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := t.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp segment: %w", err)
	}
	tmp := f.Name()
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	committed = true
	return syncDir(dir)
}

func (t *LocalTarget) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := t.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, errObjectNotFound)
	}
	return data, err
}

func (t *LocalTarget) Delete(ctx context.Context, key string) error {
	p, err := t.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemovePrefix removes the directory for a run prefix, which should be
// empty once every segment was deleted.
func (t *LocalTarget) RemovePrefix(ctx context.Context, prefix string) error {
	p, err := t.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync dir %s: %w", dir, err)
	}
	return nil
}
