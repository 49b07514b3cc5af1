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
	"fmt"
	"strings"

	"github.com/cardinalhq/emsqrt/pipeline"
)

// SortKey is one column of a sort order.
type SortKey struct {
	Column string
	Desc   bool
}

func (k SortKey) String() string {
	if k.Desc {
		return k.Column + " desc"
	}
	return k.Column
}

// ParseSortKeys parses entries like "id", "ts desc" or "name asc".
func ParseSortKeys(specs []string) ([]SortKey, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("sort needs at least one key")
	}
	keys := make([]SortKey, 0, len(specs))
	for _, spec := range specs {
		fields := strings.Fields(spec)
		switch {
		case len(fields) == 1:
			keys = append(keys, SortKey{Column: fields[0]})
		case len(fields) == 2 && strings.EqualFold(fields[1], "asc"):
			keys = append(keys, SortKey{Column: fields[0]})
		case len(fields) == 2 && strings.EqualFold(fields[1], "desc"):
			keys = append(keys, SortKey{Column: fields[0], Desc: true})
		default:
			return nil, fmt.Errorf("invalid sort key %q", spec)
		}
	}
	return keys, nil
}

// rowOrder compares rows on resolved key columns. Nulls come first in
// ascending order and last in descending order.
type rowOrder struct {
	idx  []int
	desc []bool
}

func newRowOrder(schema *pipeline.Schema, keys []SortKey) (rowOrder, error) {
	o := rowOrder{idx: make([]int, len(keys)), desc: make([]bool, len(keys))}
	for i, k := range keys {
		j, ok := schema.Index(k.Column)
		if !ok {
			return rowOrder{}, fmt.Errorf("unknown sort column %q in %s", k.Column, schema)
		}
		o.idx[i] = j
		o.desc[i] = k.Desc
	}
	return o, nil
}

func (o rowOrder) compare(a, b pipeline.Row) int {
	for i, j := range o.idx {
		c := pipeline.Compare(a[j], b[j])
		if c == 0 {
			continue
		}
		if o.desc[i] {
			return -c
		}
		return c
	}
	return 0
}

// sortEntry is a buffered row tagged with its input sequence number.
type sortEntry struct {
	row pipeline.Row
	seq uint64
}

// entryOverhead is charged per buffered row on top of its RowSize. A
// sortEntry is 32 bytes and append can leave the buffer with up to twice
// the slots it uses, so each row pays for two.
const entryOverhead = 64

func (o rowOrder) compareEntries(a, b sortEntry) int {
	if c := o.compare(a.row, b.row); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}
