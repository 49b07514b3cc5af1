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

package planner_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/emsqrt/config"
	"github.com/cardinalhq/emsqrt/internal/planner"
	"github.com/cardinalhq/emsqrt/internal/runner"
	"github.com/cardinalhq/emsqrt/internal/spill"
)

const eventsYAML = `
steps:
  - op: scan
    source: %s
    schema:
      - {name: user, type: Utf8, nullable: false}
      - {name: ts, type: Int64}
      - {name: amount, type: Int64}
      - {name: tags, type: Utf8}
  - op: window
    partitions: [user]
    order_by: [ts]
    functions:
      - {alias: rn, type: row_number}
      - {alias: total, type: sum, column: amount}
  - op: lateral
    column: tags
    alias: tag
  - op: sink
    destination: %s
`

func parse(t *testing.T, src string) *config.Pipeline {
	t.Helper()
	p, err := config.ParsePipeline([]byte(src))
	require.NoError(t, err)
	return p
}

func TestBuildInsertsSortBeforeOrderedWindow(t *testing.T) {
	plan, err := planner.Build(parse(t, fmt.Sprintf(eventsYAML, "in.csv", "out.parquet")))
	require.NoError(t, err)

	var names []string
	var steps []int
	for _, st := range plan.Stages {
		names = append(names, st.Op.Name())
		steps = append(steps, st.Step)
	}
	assert.Equal(t, []string{"sort", "window", "lateral"}, names)
	assert.Equal(t, []int{2, 2, 3}, steps)
	assert.Equal(t, "csv", plan.SourceFormat)
	assert.Equal(t, "parquet", plan.SinkFormat)
	assert.Equal(t,
		"[user:Utf8, ts:Int64?, amount:Int64?, tags:Utf8?, rn:Int64, total:Int64?, tag:Utf8]",
		plan.Output().String())
}

func TestBuildWindowWithoutOrderIsUnclustered(t *testing.T) {
	plan, err := planner.Build(parse(t, `
steps:
  - op: scan
    source: in.jsonl
    schema: [{name: k, type: Utf8}]
  - op: window
    partitions: [k]
    functions: [{alias: c, type: count}]
  - op: sink
    destination: out.csv
`))
	require.NoError(t, err)
	require.Len(t, plan.Stages, 1)
	assert.Equal(t, "window", plan.Stages[0].Op.Name())
	assert.NotContains(t, plan.Stages[0].Detail, "clustered")
	assert.Equal(t, "jsonl", plan.SourceFormat)
}

func TestBuildMapRenamesColumns(t *testing.T) {
	plan, err := planner.Build(parse(t, `
steps:
  - op: scan
    source: in.csv
    schema: [{name: id, type: Int64}, {name: name, type: Utf8}]
  - op: map
    expr: "id AS user_id, name AS who"
  - op: project
    columns: [who, user_id]
  - op: sink
    destination: out.jsonl
`))
	require.NoError(t, err)
	require.Len(t, plan.Stages, 2)
	assert.Equal(t, "map", plan.Stages[0].Op.Name())
	assert.Equal(t, "id AS user_id, name AS who", plan.Stages[0].Detail)
	assert.Equal(t, "[who:Utf8?, user_id:Int64?]", plan.Output().String())
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		step string
		want string
	}{
		{"unknown function", "{op: window, functions: [{alias: m, type: median}]}", "step 2 (window)"},
		{"missing project column", "{op: project, columns: [nope]}", "step 2 (project)"},
		{"bad filter", "{op: filter, expr: \"id\"}", "step 2 (filter)"},
		{"bad filter literal", "{op: filter, expr: \"id > abc\"}", "step 2 (filter)"},
		{"bad sort key", "{op: sort, by: [\"id sideways\"]}", "step 2 (sort)"},
		{"sum over text", "{op: window, functions: [{alias: s, type: sum, column: name}]}", "step 2 (window)"},
		{"lateral over number", "{op: lateral, column: id, alias: x}", "step 2 (lateral)"},
		{"map unknown column", "{op: map, expr: \"nope AS x\"}", "step 2 (map)"},
		{"map duplicate name", "{op: map, expr: \"id AS name\"}", "step 2 (map)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := `
steps:
  - op: scan
    source: in.csv
    schema: [{name: id, type: Int64}, {name: name, type: Utf8}]
  - ` + tt.step + `
  - op: sink
    destination: out.jsonl
`
			_, err := planner.Build(parse(t, src))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestExplain(t *testing.T) {
	plan, err := planner.Build(parse(t, fmt.Sprintf(eventsYAML, "in.csv", "out.parquet")))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, plan.Explain(&buf))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "STEP"))
	assert.Contains(t, lines[1], "scan")
	assert.Contains(t, lines[2], "by user, ts (for window)")
	assert.Contains(t, lines[3], "rn=row_number, total=sum(amount) clustered")
	assert.Contains(t, lines[4], `tags split "," as tag`)
	assert.True(t, strings.HasPrefix(lines[5], "4 "))
	assert.Contains(t, lines[5], "parquet out.parquet")
}

func TestPlanRunsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "events.csv")
	out := filepath.Join(dir, "result.jsonl")
	require.NoError(t, os.WriteFile(in, []byte(
		"user,ts,amount,tags\n"+
			"b,2,10,x\n"+
			"a,1,5,\"p,q\"\n"+
			"b,1,7,\n"+
			"a,2,3,r\n"), 0o644))

	plan, err := planner.Build(parse(t, fmt.Sprintf(eventsYAML, in, out)))
	require.NoError(t, err)

	cfg := &config.EngineConfig{
		MemoryCap:           1 << 20,
		SpillDir:            t.TempDir(),
		SpillRetry:          spill.DefaultRetryPolicy(),
		SpillCodec:          spill.CodecZstd,
		MaxSpillConcurrency: 1,
		MaxParallelTasks:    1,
		BatchSize:           2,
	}
	r, err := runner.New(context.Background(), cfg)
	require.NoError(t, err)
	src, err := plan.OpenSource()
	require.NoError(t, err)
	sink, err := plan.CreateSink()
	require.NoError(t, err)

	stats, err := r.Run(context.Background(), src, plan.Operators(), sink)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.RowsIn)
	assert.EqualValues(t, 4, stats.RowsOut)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t,
		`{"user":"a","ts":1,"amount":5,"tags":"p,q","rn":1,"total":5,"tag":"p"}`+"\n"+
			`{"user":"a","ts":1,"amount":5,"tags":"p,q","rn":1,"total":5,"tag":"q"}`+"\n"+
			`{"user":"a","ts":2,"amount":3,"tags":"r","rn":2,"total":8,"tag":"r"}`+"\n"+
			`{"user":"b","ts":2,"amount":10,"tags":"x","rn":2,"total":17,"tag":"x"}`+"\n",
		string(data))
}
