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

	"github.com/chunga-ict/phoenix/kernel/engine"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewCreateCommand(globals))
}

func NewCreateCommand(g *GlobalOptions) *cobra.Command {
	createCmd := &CreateCommand{globals: g}

	cmd := &cobra.Command{
		Use:   "create <ids|all>",
		Short: "Provision resources and everything they depend on",
		Long: `Drive the selected resources, and every resource they depend on, through
defined, configured, featured, running, healthy and snapshotted. Resources already
snapshotted are left alone; failed resources are skipped unless --retry-failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: createCmd.create,
	}

	cmd.Flags().BoolVar(&createCmd.DryRun, "dry-run", false, "plan waves without touching any resource")
	cmd.Flags().BoolVar(&createCmd.RetryFailed, "retry-failed", false, "resume resources recorded as failed")
	bindOutput(cmd, &createCmd.Output)

	return cmd
}

type CreateCommand struct {
	globals     *GlobalOptions
	DryRun      bool
	RetryFailed bool
	Output      string
}

func (c *CreateCommand) create(cmd *cobra.Command, args []string) error {
	if err := checkOutput(c.Output); err != nil {
		return err
	}
	env, err := c.globals.environment()
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	defer env.Close()

	ids, err := engine.ParseIds(env.mf, args)
	if err != nil {
		return err
	}

	ctx, stop := interruptible(cmd)
	defer stop()

	result, err := env.provisioner().Create(ctx, env.mf, ids, engine.CreateOptions{
		DryRun:      c.DryRun,
		RetryFailed: c.RetryFailed,
	})
	if result == nil {
		return fmt.Errorf("planning failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if c.Output == outputJSON {
		if perr := printJSON(out, result); perr != nil {
			return perr
		}
	} else {
		t := newTable(out)
		t.AppendHeader(table.Row{"Wave", "Id", "Name", "State", "Outcome", "Detail"})
		for _, rr := range result.Sorted() {
			t.AppendRow(table.Row{rr.Wave, rr.Id, rr.Name, rr.State, rr.Outcome, rr.Detail})
		}
		t.Render()
	}

	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}
	logrus.Infof("create: %d converged, %d unchanged, %d drifted",
		result.Count(engine.OutcomeConverged), result.Count(engine.OutcomeUnchanged), result.Count(engine.OutcomeDrifted))
	return nil
}
