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
	"context"
	"time"

	"github.com/chunga-ict/phoenix/kernel/converge"
	"github.com/chunga-ict/phoenix/kernel/loader"
	"github.com/chunga-ict/phoenix/kernel/watch"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewWatchCommand(globals))
}

func NewWatchCommand(g *GlobalOptions) *cobra.Command {
	watchCmd := &WatchCommand{globals: g}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run sync whenever the manifest changes",
		Long: `Watch the manifest directory and run 'sync all' after every change. The
manifest is reloaded and validated first; an invalid edit is logged and skipped.`,
		Args: cobra.NoArgs,
		RunE: watchCmd.watch,
	}
	cmd.Flags().DurationVar(&watchCmd.Debounce, "debounce", watch.DefaultDebounce, "quiet period before a change triggers a sync")
	cmd.Flags().BoolVar(&watchCmd.Initial, "initial", true, "sync once before waiting for changes")

	return cmd
}

type WatchCommand struct {
	globals  *GlobalOptions
	Debounce time.Duration
	Initial  bool
}

func (w *WatchCommand) watch(cmd *cobra.Command, args []string) error {
	cfg, err := w.globals.config()
	if err != nil {
		return err
	}

	ctx, stop := interruptible(cmd)
	defer stop()

	if w.Initial {
		if err := w.sync(ctx); err != nil {
			logrus.WithError(err).Error("initial sync failed")
		}
	}

	watcher := watch.New(cfg.ManifestDir, w.Debounce, loader.ResourcesFile, loader.CertificatesFile, loader.NetworkFile)
	return watcher.Run(ctx, w.sync)
}

func (w *WatchCommand) sync(ctx context.Context) error {
	env, err := w.globals.environment()
	if err != nil {
		return err
	}
	defer env.Close()

	run, err := env.coordinator().Sync(ctx, converge.Options{})
	if err != nil {
		return err
	}
	log := logrus.WithField("run", run.Id)
	if run.Halted() {
		log.Warnf("halted at %s", run.HaltedAt)
	} else {
		log.Infof("converged: %s", run.Outcome())
	}
	return nil
}
