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

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewSwarmCommand(globals))
}

func NewSwarmCommand(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Inspect the cluster or deploy a single stack",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show cluster node state from the lead manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.environment()
			if err != nil {
				return fmt.Errorf("failed to load manifest: %w", err)
			}
			defer env.Close()

			ctx, stop := interruptible(cmd)
			defer stop()

			out, err := env.rt.Cluster.Status(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deploy <app>",
		Short: "Publish and deploy one declared stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.environment()
			if err != nil {
				return fmt.Errorf("failed to load manifest: %w", err)
			}
			defer env.Close()

			ctx, stop := interruptible(cmd)
			defer stop()

			if err := env.coordinator().DeployStack(ctx, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stack %s deployed\n", args[0])
			return err
		},
	})

	return cmd
}
