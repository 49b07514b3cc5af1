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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
		for name, data := range testBlobs() {
			frame, err := encodeSegment(codec, data)
			require.NoError(t, err, "%s/%s", codec, name)
			assert.True(t, bytes.HasPrefix(frame, segmentMagic))

			got, err := decodeSegment(frame)
			require.NoError(t, err, "%s/%s", codec, name)
			assert.True(t, bytes.Equal(data, got), "%s/%s", codec, name)
		}
	}
}

func TestSegmentRejectsDamage(t *testing.T) {
	frame, err := encodeSegment(CodecZstd, bytes.Repeat([]byte("row"), 4096))
	require.NoError(t, err)

	for cut := 0; cut < len(frame); cut += 7 {
		_, err := decodeSegment(frame[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}

	flipped := bytes.Clone(frame)
	flipped[len(flipped)/2] ^= 0x01
	_, err = decodeSegment(flipped)
	assert.Error(t, err)

	_, err = decodeSegment(append(bytes.Clone(frame), 0))
	assert.Error(t, err)
}

func TestParseCodec(t *testing.T) {
	for in, want := range map[string]Codec{"": CodecNone, "none": CodecNone, "ZSTD": CodecZstd, " lz4 ": CodecLZ4} {
		got, err := ParseCodec(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCodec("snappy")
	assert.Error(t, err)
	assert.Equal(t, "zstd", CodecZstd.String())
}
