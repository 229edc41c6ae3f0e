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
	"strings"
	"time"

	"github.com/chunga-ict/phoenix/kernel/converge"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewSyncCommand(globals))
}

func NewSyncCommand(g *GlobalOptions) *cobra.Command {
	syncCmd := &SyncCommand{globals: g}

	cmd := &cobra.Command{
		Use:   "sync all",
		Short: "Run the fleet-wide convergence pipeline",
		Long: "Run " + strings.Join(converge.Stages, ", ") + " in order. A run that halted\n" +
			"resumes at the halted stage unless the manifest changed or --from-start.",
		Args: cobra.ExactArgs(1),
		RunE: syncCmd.sync,
	}

	cmd.Flags().BoolVar(&syncCmd.ForceRenew, "force-renew", false, "reissue every certificate regardless of expiry")
	cmd.Flags().BoolVar(&syncCmd.FromStart, "from-start", false, "ignore a halted previous run")
	bindOutput(cmd, &syncCmd.Output)

	return cmd
}

type SyncCommand struct {
	globals    *GlobalOptions
	ForceRenew bool
	FromStart  bool
	Output     string
}

func (s *SyncCommand) sync(cmd *cobra.Command, args []string) error {
	if args[0] != "all" {
		return errors.Errorf("sync converges the whole fleet; use 'sync all'")
	}
	if err := checkOutput(s.Output); err != nil {
		return err
	}
	env, err := s.globals.environment()
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	defer env.Close()

	ctx, stop := interruptible(cmd)
	defer stop()

	run, err := env.coordinator().Sync(ctx, converge.Options{ForceRenew: s.ForceRenew, FromStart: s.FromStart})
	if run == nil {
		return err
	}
	if perr := printRun(cmd, s.Output, run); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if run.Halted() {
		return errors.Errorf("run %s halted at %s", run.Id, run.HaltedAt)
	}
	return nil
}

func printRun(cmd *cobra.Command, output string, run *model.ConvergenceRun) error {
	out := cmd.OutOrStdout()
	if output == outputJSON {
		return printJSON(out, run)
	}
	t := newTable(out)
	t.SetTitle(fmt.Sprintf("run %s: %s", run.Id, run.Outcome()))
	t.AppendHeader(table.Row{"Stage", "Outcome", "Duration", "Detail"})
	for _, stage := range run.Stages {
		t.AppendRow(table.Row{stage.Name, stage.Outcome, stage.Duration().Round(time.Millisecond), stage.Detail})
	}
	t.Render()
	return nil
}
