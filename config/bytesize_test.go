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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1048576", 1 << 20},
		{"64MiB", 64 << 20},
		{"64 mib", 64 << 20},
		{"1KiB", 1024},
		{"1KB", 1000},
		{"2GB", 2_000_000_000},
		{"1GiB", 1 << 30},
		{"1.5KiB", 1536},
		{"10B", 10},
		{" 3MB ", 3_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "MiB", "12XB", "-5", "1.2.3KB", "99999999999TiB", "ten MB"} {
		_, err := ParseByteSize(bad)
		assert.Error(t, err, bad)
	}
}
