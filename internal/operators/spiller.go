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

package operators

import (
	"context"
	"errors"
	"fmt"

	"github.com/cardinalhq/emsqrt/internal/membudget"
	"github.com/cardinalhq/emsqrt/internal/spill"
	"github.com/cardinalhq/emsqrt/pipeline/rowcodec"
)

// blockSpiller writes record blocks through the spill manager and keeps
// track of every handle it still owns. Its encode buffer is covered by a
// non-spillable scratch reservation, taken from env.Scratch when the runner
// made one and otherwise reserved with a wait.
type blockSpiller struct {
	mgr        *spill.Manager
	blockBytes int64
	scratch    *membudget.Reservation
	buf        []byte
	live       map[spill.Handle]struct{}
}

func newBlockSpiller(ctx context.Context, env Env, tag string) (*blockSpiller, error) {
	bb := blockBytesFor(env.Budget.Capacity())
	scratch := env.Scratch
	if scratch == nil {
		var err error
		if scratch, err = env.Budget.Reserve(ctx, bb, tag+".scratch"); err != nil {
			return nil, fmt.Errorf("%s scratch buffer: %w", tag, err)
		}
	} else if short := bb - scratch.Bytes(); short > 0 {
		if err := scratch.GrowWait(ctx, short); err != nil {
			scratch.Release()
			return nil, fmt.Errorf("%s scratch buffer: %w", tag, err)
		}
	}
	return &blockSpiller{
		mgr:        env.Spill,
		blockBytes: bb,
		scratch:    scratch,
		buf:        make([]byte, 0, bb),
		live:       make(map[spill.Handle]struct{}),
	}, nil
}

func (s *blockSpiller) put(ctx context.Context, recs []rowcodec.Record) (spill.Handle, error) {
	buf, err := rowcodec.AppendBlock(s.buf[:0], recs)
	if err != nil {
		return spill.Handle{}, err
	}
	if grow := int64(cap(buf)) - s.scratch.Bytes(); grow > 0 {
		if err := s.scratch.Grow(grow); err != nil {
			return spill.Handle{}, fmt.Errorf("encode buffer: %w", err)
		}
	}
	s.buf = buf
	h, err := s.mgr.Spill(ctx, buf)
	if err != nil {
		return spill.Handle{}, err
	}
	s.live[h] = struct{}{}
	return h, nil
}

// take restores a block, deletes its handle and checks the record count.
func (s *blockSpiller) take(ctx context.Context, h spill.Handle, rows int) ([]rowcodec.Record, error) {
	data, err := s.mgr.Restore(ctx, h)
	if err != nil {
		return nil, err
	}
	if err := s.mgr.Delete(ctx, h); err != nil {
		return nil, err
	}
	delete(s.live, h)

	recs, err := rowcodec.DecodeBlock(data)
	if err != nil {
		return nil, fmt.Errorf("%w: block %s: %w", spill.ErrSpillCorrupt, h.Key(), err)
	}
	if len(recs) != rows {
		return nil, fmt.Errorf("%w: block %s holds %d rows, expected %d",
			spill.ErrSpillCorrupt, h.Key(), len(recs), rows)
	}
	return recs, nil
}

// close deletes every handle still owned, even when ctx is cancelled, and
// releases the scratch reservation.
func (s *blockSpiller) close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for h := range s.live {
		if err := s.mgr.Delete(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	clear(s.live)
	s.scratch.Release()
	s.buf = nil
	return errors.Join(errs...)
}

func (s *blockSpiller) outstanding() int { return len(s.live) }
