/*
	(c) Copyright NetFoundry Inc. Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package subcmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewCertsCommand(globals))
}

func NewCertsCommand(g *GlobalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Show which certificates the next sync would issue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			env, err := g.environment()
			if err != nil {
				return fmt.Errorf("failed to load manifest: %w", err)
			}
			defer env.Close()

			statuses := env.coordinator().Certificates().Inspect(false)
			out := cmd.OutOrStdout()
			if output == outputJSON {
				return printJSON(out, statuses)
			}
			t := newTable(out)
			t.AppendHeader(table.Row{"Common Name", "Decision", "Not After", "Fingerprint"})
			for _, s := range statuses {
				notAfter := ""
				if !s.NotAfter.IsZero() {
					notAfter = s.NotAfter.Local().Format(time.DateTime)
				}
				fp := s.Fingerprint
				if len(fp) > 16 {
					fp = fp[:16]
				}
				t.AppendRow(table.Row{s.CommonName, s.Decision, notAfter, fp})
			}
			t.Render()
			return nil
		},
	}
	bindOutput(cmd, &output)
	return cmd
}
