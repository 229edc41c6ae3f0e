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

	"github.com/chunga-ict/phoenix/kernel/engine"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewStatusCommand(globals))
}

func NewStatusCommand(g *GlobalOptions) *cobra.Command {
	statusCmd := &StatusCommand{globals: g}

	cmd := &cobra.Command{
		Use:   "status [ids|all]",
		Short: "Show the persisted state of resources and the last convergence run",
		RunE:  statusCmd.status,
	}
	bindOutput(cmd, &statusCmd.Output)

	return cmd
}

type StatusCommand struct {
	globals *GlobalOptions
	Output  string
}

type ResourceStatus struct {
	Id        int       `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Template  bool      `json:"template,omitempty"`
	Drifted   bool      `json:"drifted,omitempty"`
	RootImage string    `json:"rootImage,omitempty"`
	Features  []string  `json:"features,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type StatusReport struct {
	Resources []ResourceStatus      `json:"resources"`
	LastRun   *model.ConvergenceRun `json:"lastRun,omitempty"`
}

func (s *StatusCommand) status(cmd *cobra.Command, args []string) error {
	if err := checkOutput(s.Output); err != nil {
		return err
	}
	env, err := s.globals.environment()
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	defer env.Close()

	if len(args) == 0 {
		args = []string{"all"}
	}
	ids, err := engine.ParseIds(env.mf, args)
	if err != nil {
		return err
	}

	report := &StatusReport{}
	for _, id := range ids {
		spec, _ := env.mf.Resource(id)
		state, err := env.store.GetState(id)
		if err != nil {
			return err
		}
		if state == nil {
			state = model.NewResourceState(id)
		}
		rs := ResourceStatus{
			Id:        id,
			Name:      spec.Name,
			Kind:      string(spec.Kind),
			State:     state.Display(),
			Template:  state.Template,
			Drifted:   engine.Drifted(spec, state),
			Features:  env.mf.EffectiveFeatures(id),
			UpdatedAt: state.UpdatedAt,
		}
		if root, found := env.mf.RootImage(id); found {
			rs.RootImage = root.BaseImage
		}
		report.Resources = append(report.Resources, rs)
	}
	if report.LastRun, err = env.store.LastRun(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if s.Output == outputJSON {
		return printJSON(out, report)
	}

	t := newTable(out)
	t.AppendHeader(table.Row{"Id", "Name", "Kind", "State", "Image", "Features", "Updated"})
	for _, rs := range report.Resources {
		state := rs.State
		if rs.Drifted {
			state += " (drifted)"
		}
		updated := ""
		if !rs.UpdatedAt.IsZero() {
			updated = rs.UpdatedAt.Local().Format(time.DateTime)
		}
		t.AppendRow(table.Row{rs.Id, rs.Name, rs.Kind, state, rs.RootImage, strings.Join(rs.Features, ", "), updated})
	}
	t.Render()

	if run := report.LastRun; run != nil {
		line := fmt.Sprintf("last run %s: %s", run.Id, run.Outcome())
		if run.Halted() {
			line += " at " + run.HaltedAt
		}
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}
