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
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cardinalhq/emsqrt/config"
	"github.com/cardinalhq/emsqrt/internal/planner"
)

// engineFlag maps a command line flag onto a configuration key.
type engineFlag struct {
	name  string
	key   string
	usage string
}

var engineFlags = []engineFlag{
	{"memory-cap", "memory_cap", "memory cap, e.g. 512MiB or 2GB"},
	{"spill-dir", "spill_dir", "local spill directory"},
	{"spill-uri", "spill_uri", "spill location: path, file://, s3://, gs:// or azure://account/container"},
	{"spill-aws-region", "spill_aws_region", "region for s3 spills"},
	{"spill-aws-endpoint", "spill_aws_endpoint", "endpoint for S3-compatible stores"},
	{"spill-aws-use-path-style", "spill_aws_use_path_style", "use path-style S3 addressing"},
	{"spill-aws-access-key-id", "spill_aws_access_key_id", "static S3 access key id"},
	{"spill-aws-secret-access-key", "spill_aws_secret_access_key", "static S3 secret access key"},
	{"spill-aws-session-token", "spill_aws_session_token", "static S3 session token"},
	{"spill-azure-access-key", "spill_azure_access_key", "Azure storage account key"},
	{"spill-retry-max", "spill_retry_max", "attempts per spill operation, including the first"},
	{"spill-retry-initial-ms", "spill_retry_initial_ms", "backoff after the first failed attempt, in ms"},
	{"spill-retry-max-ms", "spill_retry_max_ms", "backoff cap, in ms"},
	{"spill-retry-timeout", "spill_retry_timeout", "overall bound per spill operation, e.g. 30s"},
	{"spill-codec", "spill_codec", "spill compression: zstd, lz4 or none"},
	{"max-spill-concurrency", "max_spill_concurrency", "concurrent spill target calls"},
	{"max-parallel", "max_parallel_tasks", "batches buffered between stages"},
	{"batch-size", "batch_size", "rows per batch"},
}

// addEngineFlags registers every engine setting on c. Values are strings;
// the config layer converts them.
func addEngineFlags(c *cobra.Command) {
	for _, f := range engineFlags {
		if f.name == "spill-aws-use-path-style" {
			c.Flags().Bool(f.name, false, f.usage)
			continue
		}
		c.Flags().String(f.name, "", f.usage)
	}
}

// engineOverrides returns the settings given explicitly on the command
// line, keyed by configuration key.
func engineOverrides(fs *pflag.FlagSet) map[string]any {
	keys := make(map[string]string, len(engineFlags))
	for _, f := range engineFlags {
		keys[f.name] = f.key
	}
	out := map[string]any{}
	fs.Visit(func(f *pflag.Flag) {
		if key, ok := keys[f.Name]; ok {
			out[key] = f.Value.String()
		}
	})
	return out
}

// loadPipeline reads the pipeline file, resolves the engine config from
// every layer, and builds the plan.
func loadPipeline(c *cobra.Command, path string) (*config.EngineConfig, *planner.Plan, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("--pipeline is required")
	}
	p, err := config.LoadPipeline(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(p.Config, engineOverrides(c.Flags()))
	if err != nil {
		return nil, nil, err
	}
	plan, err := planner.Build(p)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, plan, nil
}
