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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePipeline = `
config:
  spill_uri: s3://bucket/prefix
  spill_aws_region: us-east-2
  spill_retry_timeout: 30s
  memory_cap: 64MiB
steps:
  - op: scan
    source: data/in.csv
    schema:
      - {name: id, type: Int64, nullable: false}
      - {name: user, type: Utf8}
      - {name: ts, type: Int64}
      - {name: amount, type: Int64}
      - {name: tags, type: Utf8}
  - op: filter
    expr: "id > 10"
  - op: project
    columns: [id, user, ts, amount, tags]
  - op: sort
    by: ["id", "ts desc"]
  - op: window
    partitions: [user]
    order_by: [ts]
    functions:
      - {alias: rn, type: row_number}
      - {alias: total, type: sum, column: amount}
  - op: lateral
    column: tags
    alias: tag
    delimiter: ","
  - op: sink
    destination: out/result.parquet
    format: parquet
`

func TestParsePipeline(t *testing.T) {
	p, err := ParsePipeline([]byte(samplePipeline))
	require.NoError(t, err)

	assert.Equal(t, "s3://bucket/prefix", p.Config["spill_uri"])
	assert.Equal(t, "64MiB", p.Config["memory_cap"])
	require.Len(t, p.Steps, 7)

	scan := p.Steps[0]
	assert.Equal(t, OpScan, scan.Op)
	require.Len(t, scan.Schema, 5)
	assert.False(t, scan.Schema[0].IsNullable())
	assert.True(t, scan.Schema[1].IsNullable())
	f, err := scan.FileFormat(scan.Source)
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	win := p.Steps[4]
	assert.Equal(t, []string{"user"}, win.Partitions)
	assert.Equal(t, []FunctionDef{{Alias: "rn", Type: "row_number"}, {Alias: "total", Type: "sum", Column: "amount"}}, win.Functions)

	sink := p.Steps[6]
	f, err = sink.FileFormat(sink.Destination)
	require.NoError(t, err)
	assert.Equal(t, FormatParquet, f)

	cfg, err := Load(p.Config, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), cfg.MemoryCap)
	assert.Equal(t, "us-east-2", cfg.SpillAWSRegion)
}

func TestParsePipelineErrors(t *testing.T) {
	scan := "  - op: scan\n    source: in.csv\n    schema: [{name: a, type: Int64}]\n"
	sink := "  - op: sink\n    destination: out.jsonl\n"
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"empty", "steps: []\n", "at least"},
		{"no scan first", "steps:\n" + sink + sink, "first step"},
		{"no sink last", "steps:\n" + scan + scan, "last step"},
		{"map without expr", "steps:\n" + scan + "  - op: map\n" + sink, "expr is required"},
		{"unknown op", "steps:\n" + scan + "  - op: join\n" + sink, "unknown op"},
		{"unknown field", "steps:\n" + scan + "  - op: filter\n    expression: a > 1\n" + sink, "expression"},
		{"filter without expr", "steps:\n" + scan + "  - op: filter\n" + sink, "expr is required"},
		{"window without functions", "steps:\n" + scan + "  - op: window\n    partitions: [a]\n" + sink, "function"},
		{"lateral without alias", "steps:\n" + scan + "  - op: lateral\n    column: a\n" + sink, "alias"},
		{"scan without schema", "steps:\n  - op: scan\n    source: in.csv\n" + sink, "schema"},
		{"unknown format", "steps:\n" + scan + "  - op: sink\n    destination: out.xlsx\n", "format"},
		{"parquet source", "steps:\n  - op: scan\n    source: in.parquet\n    schema: [{name: a, type: Int64}]\n" + sink, "parquet"},
		{"two scans", "steps:\n" + scan + scan + sink, "first step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipeline([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadPipelineFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePipeline), 0o644))
	p, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Len(t, p.Steps, 7)

	_, err = LoadPipeline(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
