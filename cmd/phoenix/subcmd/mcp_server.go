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

	"github.com/chunga-ict/phoenix/kernel/mcp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewMCPServerCommand(globals))
}

func NewMCPServerCommand(g *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Start MCP server for AI-driven fleet management",
		Long: `Start an MCP (Model Context Protocol) server on stdio that exposes the fleet
to AI assistants.

The server provides tools for:
  - list_resources: persisted state of every declared resource
  - get_resource: declaration and state of one resource
  - create: provision resources (supports dry_run)
  - sync: run the convergence pipeline

And resources:
  - phoenix://status: state of every declared resource
  - phoenix://runs/last: the most recent convergence run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.environment()
			if err != nil {
				return fmt.Errorf("failed to load manifest: %w", err)
			}
			defer env.Close()

			logrus.Info("starting MCP server on stdio...")
			server := mcp.NewPhoenixMCPServer(env.mf, env.store, env.provisioner(), env.coordinator())
			return server.ServeStdio()
		},
	}
}
