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
)

func init() {
	var pipelinePath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline file and its engine config without running it",
		RunE: func(c *cobra.Command, _ []string) error {
			_, plan, err := loadPipeline(c, pipelinePath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.OutOrStdout(), "%s: ok, %d stages, output %s\n",
				pipelinePath, len(plan.Stages), plan.Output())
			return err
		},
	}
	cmd.Flags().StringVar(&pipelinePath, "pipeline", "", "pipeline YAML file")
	addEngineFlags(cmd)
	rootCmd.AddCommand(cmd)
}
