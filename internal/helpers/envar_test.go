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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBoolEnv(t *testing.T) {
	const name = "EMSQRT_TEST_BOOL_ENV"

	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"true", false, true},
		{"TRUE", false, true},
		{"1", false, true},
		{"yes", false, true},
		{"On", false, true},
		{"enabled", false, true},
		{"false", true, false},
		{"0", true, false},
		{"NO", true, false},
		{"off", true, false},
		{"disable", true, false},
		{"", true, true},
		{"", false, false},
		{"   ", false, false},
		{"banana", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(name, tt.value)
			assert.Equal(t, tt.expected, GetBoolEnv(name, tt.def))
		})
	}
}

func TestFirstEnv(t *testing.T) {
	t.Setenv("EMSQRT_TEST_A", "")
	t.Setenv("EMSQRT_TEST_B", " second ")
	t.Setenv("EMSQRT_TEST_C", "third")

	v, ok := FirstEnv("EMSQRT_TEST_A", "EMSQRT_TEST_B", "EMSQRT_TEST_C")
	assert.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok = FirstEnv("EMSQRT_TEST_A")
	assert.False(t, ok)
}

func TestDebugEnabled(t *testing.T) {
	t.Setenv("DEBUG", "")
	t.Setenv("EMSQRT_DEBUG", "")
	assert.False(t, DebugEnabled())

	t.Setenv("DEBUG", "1")
	assert.True(t, DebugEnabled())

	t.Setenv("DEBUG", "")
	t.Setenv("EMSQRT_DEBUG", "yes")
	assert.True(t, DebugEnabled())
}
