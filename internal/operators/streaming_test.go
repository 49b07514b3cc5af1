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

package operators_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/emsqrt/internal/operators"
	"github.com/cardinalhq/emsqrt/pipeline"
)

var peopleSchema = pipeline.MustSchema(
	pipeline.Field{Name: "id", Type: pipeline.DataTypeInt64},
	pipeline.Field{Name: "name", Type: pipeline.DataTypeUtf8, Nullable: true},
	pipeline.Field{Name: "tags", Type: pipeline.DataTypeUtf8, Nullable: true},
)

func peopleRows() []pipeline.Row {
	return []pipeline.Row{
		{int64(1), "ann", "a,b"},
		{int64(5), "bob", nil},
		{int64(12), nil, " x , ,y,"},
		{int64(20), "cy", ""},
		{int64(11), "bob", "z"},
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		expr string
		want operators.Filter
	}{
		{"id > 10", operators.Filter{Column: "id", Op: operators.OpGt, Literal: "10"}},
		{"id>=10", operators.Filter{Column: "id", Op: operators.OpGe, Literal: "10"}},
		{"name == \"bob\"", operators.Filter{Column: "name", Op: operators.OpEq, Literal: "bob"}},
		{"name != 'a b'", operators.Filter{Column: "name", Op: operators.OpNe, Literal: "a b"}},
		{"id<3", operators.Filter{Column: "id", Op: operators.OpLt, Literal: "3"}},
		{"id <= -3", operators.Filter{Column: "id", Op: operators.OpLe, Literal: "-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := operators.ParseFilter(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want.Column, f.Column)
			assert.Equal(t, tt.want.Op, f.Op)
			assert.Equal(t, tt.want.Literal, f.Literal)
		})
	}

	for _, bad := range []string{"id", "id = 3", "> 3", `name == "bad\q"`} {
		_, err := operators.ParseFilter(bad)
		assert.Error(t, err, bad)
	}
}

func TestFilterRun(t *testing.T) {
	tests := []struct {
		expr string
		ids  []int64
	}{
		{"id > 10", []int64{12, 20, 11}},
		{"id <= 5", []int64{1, 5}},
		{"name == bob", []int64{5, 11}},
		{"name != bob", []int64{1, 20}},
		{"name < b", []int64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := operators.ParseFilter(tt.expr)
			require.NoError(t, err)
			h := newHarness(t, 1<<20, 2)
			got, err := h.run(t, f, peopleSchema, peopleRows())
			require.NoError(t, err)
			ids := make([]int64, len(got))
			for i, row := range got {
				ids[i] = row[0].(int64)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestFilterBadLiteral(t *testing.T) {
	f, err := operators.ParseFilter("id > ten")
	require.NoError(t, err)
	_, err = f.OutputSchema(peopleSchema)
	assert.Error(t, err)

	h := newHarness(t, 1<<20, 2)
	_, err = h.run(t, f, peopleSchema, peopleRows())
	assert.Error(t, err)
}

func TestProject(t *testing.T) {
	p, err := operators.NewProject([]string{"name", "id"})
	require.NoError(t, err)

	out, err := p.OutputSchema(peopleSchema)
	require.NoError(t, err)
	assert.Equal(t, "[name:Utf8?, id:Int64]", out.String())

	h := newHarness(t, 1<<20, 3)
	got, err := h.run(t, p, peopleSchema, peopleRows())
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, pipeline.Row{"ann", int64(1)}, got[0])
	assert.Equal(t, pipeline.Row{nil, int64(12)}, got[2])

	bad, err := operators.NewProject([]string{"missing"})
	require.NoError(t, err)
	_, err = bad.OutputSchema(peopleSchema)
	assert.Error(t, err)

	_, err = operators.NewProject(nil)
	assert.Error(t, err)
}

func TestLateralExplode(t *testing.T) {
	l, err := operators.NewLateralExplode("tags", "tag", "")
	require.NoError(t, err)
	assert.Equal(t, ",", l.Delimiter)

	h := newHarness(t, 1<<20, 2)
	got, err := h.run(t, l, peopleSchema, peopleRows())
	require.NoError(t, err)

	var pairs [][2]any
	for _, row := range got {
		require.Len(t, row, 4)
		pairs = append(pairs, [2]any{row[0], row[3]})
	}
	assert.Equal(t, [][2]any{
		{int64(1), "a"},
		{int64(1), "b"},
		{int64(12), "x"},
		{int64(12), "y"},
		{int64(11), "z"},
	}, pairs)
}

func TestLateralExplodeSmallBatches(t *testing.T) {
	schema := pipeline.MustSchema(pipeline.Field{Name: "s", Type: pipeline.DataTypeUtf8})
	l, err := operators.NewLateralExplode("s", "e", "|")
	require.NoError(t, err)

	h := newHarness(t, 1<<20, 1)
	got, err := h.run(t, l, schema, []pipeline.Row{{"1|2|3|4|5"}})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "5", got[4][1])
}

func TestLateralRejectsNonText(t *testing.T) {
	l, err := operators.NewLateralExplode("id", "x", ",")
	require.NoError(t, err)
	_, err = l.OutputSchema(peopleSchema)
	assert.Error(t, err)

	_, err = operators.NewLateralExplode("", "x", ",")
	assert.Error(t, err)
}

func TestParseMap(t *testing.T) {
	m, err := operators.ParseMap("id AS user_id, name as who,tags")
	require.NoError(t, err)
	assert.Equal(t, []operators.Rename{{From: "id", To: "user_id"}, {From: "name", To: "who"}}, m.Renames)
	assert.Equal(t, "id AS user_id, name AS who", m.String())

	for _, bad := range []string{"", "id AS", "id AS a, , b", "id TO a", "id AS a, id AS b"} {
		_, err := operators.ParseMap(bad)
		assert.Error(t, err, bad)
	}
}

func TestMapRenames(t *testing.T) {
	m, err := operators.ParseMap("id AS user_id, name AS who")
	require.NoError(t, err)

	out, err := m.OutputSchema(peopleSchema)
	require.NoError(t, err)
	assert.Equal(t, "[user_id:Int64, who:Utf8?, tags:Utf8?]", out.String())

	h := newHarness(t, 1<<20, 2)
	got, err := h.run(t, m, peopleSchema, peopleRows())
	require.NoError(t, err)
	assert.Equal(t, peopleRows(), got)
}

func TestMapSwapsNames(t *testing.T) {
	m, err := operators.ParseMap("id AS name, name AS id")
	require.NoError(t, err)
	out, err := m.OutputSchema(peopleSchema)
	require.NoError(t, err)
	assert.Equal(t, "[name:Int64, id:Utf8?, tags:Utf8?]", out.String())
}

func TestMapSchemaErrors(t *testing.T) {
	for _, expr := range []string{"nope AS x", "id AS tags"} {
		m, err := operators.ParseMap(expr)
		require.NoError(t, err)
		_, err = m.OutputSchema(peopleSchema)
		assert.Error(t, err, expr)
	}
}
