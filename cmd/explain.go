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
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/emsqrt/config"
)

func init() {
	var pipelinePath string

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Print the stages of a pipeline and the resolved engine config",
		Long: `Print the stage chain of a pipeline with the schema each stage produces,
followed by the engine config after defaults, environment, the pipeline's
config block and flags are applied. Credentials are redacted.`,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, plan, err := loadPipeline(c, pipelinePath)
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			if err := plan.Explain(out); err != nil {
				return err
			}
			if _, err := fmt.Fprintln(out); err != nil {
				return err
			}
			return printConfig(out, cfg)
		},
	}
	cmd.Flags().StringVar(&pipelinePath, "pipeline", "", "pipeline YAML file")
	addEngineFlags(cmd)
	rootCmd.AddCommand(cmd)
}

func printConfig(out io.Writer, cfg *config.EngineConfig) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "SETTING\tVALUE"); err != nil {
		return err
	}
	for _, kv := range cfg.Describe() {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", kv[0], kv[1]); err != nil {
			return err
		}
	}
	return w.Flush()
}
