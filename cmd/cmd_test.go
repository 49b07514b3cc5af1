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

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/emsqrt/config"
)

func newTestCommand() *cobra.Command {
	c := &cobra.Command{Use: "test"}
	addEngineFlags(c)
	return c
}

func writePipeline(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEngineFlagsCoverEveryKey(t *testing.T) {
	var keys []string
	for _, f := range engineFlags {
		keys = append(keys, f.key)
	}
	assert.ElementsMatch(t, config.Keys(), keys)
}

func TestEngineOverridesOnlyChangedFlags(t *testing.T) {
	c := newTestCommand()
	require.NoError(t, c.Flags().Parse([]string{
		"--memory-cap", "64MiB",
		"--max-parallel", "8",
		"--spill-aws-use-path-style",
	}))
	assert.Equal(t, map[string]any{
		"memory_cap":               "64MiB",
		"max_parallel_tasks":       "8",
		"spill_aws_use_path_style": "true",
	}, engineOverrides(c.Flags()))
}

func TestLoadPipelineFlagsBeatFile(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, `
config:
  memory_cap: 64MiB
  batch_size: 10
steps:
  - op: scan
    source: in.csv
    schema: [{name: id, type: Int64}]
  - op: sink
    destination: out.jsonl
`)
	c := newTestCommand()
	require.NoError(t, c.Flags().Parse([]string{"--batch-size", "7", "--spill-dir", dir}))

	cfg, plan, err := loadPipeline(c, path)
	require.NoError(t, err)
	assert.EqualValues(t, 64<<20, cfg.MemoryCap)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, dir, cfg.SpillDir)
	assert.Empty(t, plan.Stages)
}

func TestLoadPipelineErrors(t *testing.T) {
	dir := t.TempDir()
	c := newTestCommand()

	_, _, err := loadPipeline(c, "")
	require.ErrorContains(t, err, "--pipeline is required")

	path := writePipeline(t, dir, `
config:
  memory_kap: 1GiB
steps:
  - {op: scan, source: in.csv, schema: [{name: id, type: Int64}]}
  - {op: sink, destination: out.jsonl}
`)
	_, _, err = loadPipeline(c, path)
	require.ErrorContains(t, err, `unknown key "memory_kap"`)
}

func TestExplainRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, `
config:
  memory_cap: 64MiB
steps:
  - op: scan
    source: in.csv
    schema: [{name: id, type: Int64}, {name: ts, type: Int64}]
  - op: window
    partitions: [id]
    order_by: [ts]
    functions: [{alias: rn, type: row_number}]
  - op: sink
    destination: out.csv
`)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"explain", "--pipeline", path,
		"--spill-dir", dir, "--spill-aws-secret-access-key", "hunter2"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())

	text := out.String()
	assert.Contains(t, text, "for window")
	assert.Contains(t, text, "[id:Int64?, ts:Int64?, rn:Int64]")
	assert.Contains(t, text, "64 MiB")
	assert.Contains(t, text, "<redacted>")
	assert.NotContains(t, text, "hunter2")
}

func TestRunPipelinePrintsStats(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.jsonl")
	out := filepath.Join(dir, "out.csv")
	require.NoError(t, os.WriteFile(in, []byte(
		`{"id":3,"name":"c"}`+"\n"+`{"id":1,"name":"a"}`+"\n"+`{"id":2,"name":"b"}`+"\n"), 0o644))
	path := writePipeline(t, dir, fmt.Sprintf(`
steps:
  - op: scan
    source: %s
    schema: [{name: id, type: Int64}, {name: name, type: Utf8}]
  - op: sort
    by: [id]
  - op: sink
    destination: %s
`, in, out))

	c := newTestCommand()
	var stdout bytes.Buffer
	c.SetOut(&stdout)
	require.NoError(t, c.Flags().Parse([]string{"--spill-dir", filepath.Join(dir, "spill"), "--memory-cap", "1MiB"}))

	require.NoError(t, runPipeline(context.Background(), c, path))
	assert.Contains(t, stdout.String(), "rows out")
	assert.Contains(t, stdout.String(), "of 1.0 MiB")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,a\n2,b\n3,c\n", string(data))
}
