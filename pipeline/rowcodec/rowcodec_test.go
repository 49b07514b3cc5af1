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

package rowcodec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/emsqrt/pipeline"
)

func TestRecordRoundTrip(t *testing.T) {
	row := pipeline.Row{
		nil, true, false,
		int32(-7), int64(math.MaxInt64),
		float32(1.25), math.Inf(-1),
		"héllo", []byte{0, 1, 2}, "",
	}
	buf, err := AppendRecord(nil, 42, row)
	require.NoError(t, err)

	rec, n, err := DecodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, uint64(42), rec.Seq)
	assert.Equal(t, row, rec.Row)
	assert.Equal(t, pipeline.RowSize(row), pipeline.RowSize(rec.Row))
}

func TestNaNSurvives(t *testing.T) {
	buf, err := AppendRecord(nil, 1, pipeline.Row{math.NaN()})
	require.NoError(t, err)
	rec, _, err := DecodeRecord(buf)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(rec.Row[0].(float64)))
}

func TestUnsupportedType(t *testing.T) {
	_, err := AppendRecord(nil, 1, pipeline.Row{struct{}{}})
	require.Error(t, err)
}

func TestBlockRoundTrip(t *testing.T) {
	recs := []Record{
		{Seq: 1, Row: pipeline.Row{int64(3), "c"}},
		{Seq: 2, Row: pipeline.Row{int64(1), nil}},
		{Seq: 9, Row: pipeline.Row{int64(2), "b"}},
	}
	buf, err := AppendBlock(nil, recs)
	require.NoError(t, err)

	got, err := DecodeBlock(buf)
	require.NoError(t, err)
	assert.Equal(t, recs, got)

	empty, err := AppendBlock(nil, nil)
	require.NoError(t, err)
	got, err = DecodeBlock(empty)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTruncatedInput(t *testing.T) {
	buf, err := AppendBlock(nil, []Record{{Seq: 1, Row: pipeline.Row{"abcdef", int64(5)}}})
	require.NoError(t, err)
	for cut := 0; cut < len(buf); cut++ {
		_, err := DecodeBlock(buf[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}

	_, err = DecodeBlock(append(buf, 0))
	require.Error(t, err)
}
