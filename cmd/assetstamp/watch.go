// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"assetstamp/internal/watch"
)

var (
	flagDebounce time.Duration

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Re-run the stamping pass when files under the root change",
		Long: `Watch performs one stamping pass, then monitors the processing root
and repeats the pass after changes settle. Each pass is a full
stateless run over the current file set, exactly as 'assetstamp run'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			pass := func(ctx context.Context) error {
				summary, err := stamp(ctx, cfg, false)
				if err != nil {
					explain(err)
					fmt.Fprintln(os.Stderr, ErrorStyle.Render("error: ")+err.Error())
					// A failed pass (e.g. a transiently broken
					// reference) should not stop watching.
					return nil
				}
				renderSummary(summary, false)
				return nil
			}

			if err := pass(cmd.Context()); err != nil {
				return err
			}

			patterns := make([]string, 0, len(cfg.Documents)+len(cfg.Assets))
			patterns = append(patterns, cfg.Documents...)
			patterns = append(patterns, cfg.Assets...)

			w, err := watch.New(watch.Config{
				Root:     cfg.Root,
				Patterns: patterns,
				Ignore:   cfg.Exclude,
				Debounce: flagDebounce,
				OnChange: pass,
			})
			if err != nil {
				return err
			}
			fmt.Println(SubtitleStyle.Render("watching " + cfg.Root + " (ctrl-c to stop)"))
			return w.Run(cmd.Context())
		},
	}
)

func init() {
	addRunFlags(watchCmd)
	watchCmd.Flags().DurationVar(&flagDebounce, "debounce", 0, "quiet period before re-running after a change")
}
