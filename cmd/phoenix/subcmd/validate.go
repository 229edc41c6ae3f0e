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

	"github.com/chunga-ict/phoenix/kernel/feature"
	"github.com/chunga-ict/phoenix/kernel/loader"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewValidateCommand(globals))
}

func NewValidateCommand(g *GlobalOptions) *cobra.Command {
	validateCmd := &ValidateCommand{globals: g}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the manifest without touching the fleet",
		Args:  cobra.NoArgs,
		RunE:  validateCmd.validate,
	}
	bindOutput(cmd, &validateCmd.Output)

	return cmd
}

type ValidateCommand struct {
	globals *GlobalOptions
	Output  string
}

func (v *ValidateCommand) validate(cmd *cobra.Command, args []string) error {
	if err := checkOutput(v.Output); err != nil {
		return err
	}
	cfg, err := v.globals.config()
	if err != nil {
		return err
	}
	docs, err := loader.ReadDocuments(cfg.ManifestDir)
	if err != nil {
		return err
	}
	result, err := loader.ValidateManifestBytes(docs, feature.NewCatalog(cfg.FeatureScripts))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if v.Output == outputJSON {
		if err := printJSON(out, result); err != nil {
			return err
		}
	} else {
		for _, e := range result.Errors {
			_, _ = fmt.Fprintf(out, "error   %s\n", e)
		}
		for _, w := range result.Warnings {
			_, _ = fmt.Fprintf(out, "warning %s\n", w)
		}
		if result.IsValid() {
			_, _ = fmt.Fprintf(out, "manifest %s is valid (digest %s)\n", cfg.ManifestDir, docs.Digest())
		}
	}
	if !result.IsValid() {
		return errors.Errorf("manifest has %d error(s)", len(result.Errors))
	}
	return nil
}
