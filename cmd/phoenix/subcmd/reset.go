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
	"strconv"

	"github.com/chunga-ict/phoenix/kernel/engine"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewResetCommand(globals))
}

func NewResetCommand(g *GlobalOptions) *cobra.Command {
	resetCmd := &ResetCommand{globals: g}

	cmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Clear a recorded failure so the next create resumes the resource",
		Args:  cobra.ExactArgs(1),
		RunE:  resetCmd.reset,
	}
	cmd.Flags().BoolVar(&resetCmd.Reprovision, "reprovision", false, "rewind to defined so every later stage runs again")

	return cmd
}

type ResetCommand struct {
	globals     *GlobalOptions
	Reprovision bool
}

func (r *ResetCommand) reset(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid resource id [%s]", args[0])
	}
	env, err := r.globals.environment()
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	defer env.Close()

	if _, found := env.mf.Resource(id); !found {
		return fmt.Errorf("unknown resource %d", id)
	}
	state, err := engine.Reset(env.store, id, r.Reprovision)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "resource %d is %s\n", id, state.Display())
	return err
}
