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

// Package rowio reads rows from and writes rows to local files. Sources
// decode CSV or JSON Lines against a declared schema. Sinks stage their
// output in a temporary file next to the destination and only rename it
// into place on Commit, so an aborted run leaves nothing behind.
package rowio

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// stagedFile is a temp file that becomes path on commit.
type stagedFile struct {
	path string
	f    *os.File
	w    *bufio.Writer
	done bool
}

func createStaged(path string) (*stagedFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &stagedFile{path: path, f: f, w: bufio.NewWriterSize(f, 256<<10)}, nil
}

func (s *stagedFile) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stagedFile) commit() error {
	if s.done {
		return errors.New("output already finished")
	}
	s.done = true
	if err := s.w.Flush(); err != nil {
		return s.fail(err)
	}
	if err := s.f.Sync(); err != nil {
		return s.fail(err)
	}
	if err := s.f.Close(); err != nil {
		_ = os.Remove(s.f.Name())
		return err
	}
	if err := os.Rename(s.f.Name(), s.path); err != nil {
		_ = os.Remove(s.f.Name())
		return fmt.Errorf("publish %s: %w", s.path, err)
	}
	return nil
}

func (s *stagedFile) fail(err error) error {
	_ = s.f.Close()
	_ = os.Remove(s.f.Name())
	return err
}

func (s *stagedFile) abort() error {
	if s.done {
		return nil
	}
	s.done = true
	cerr := s.f.Close()
	if err := os.Remove(s.f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return cerr
}
