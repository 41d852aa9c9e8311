// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"

	// verbose enables debug output.
	verbose bool
	// cfgFile allows specifying a custom config file.
	cfgFile string

	// rootCmd is the base command when called without subcommands.
	rootCmd = &cobra.Command{
		Use:   "assetstamp",
		Short: "Dependency-aware cache busting for static builds",
		Long: TitleStyle.Render("assetstamp") + SubtitleStyle.Render(" - dependency-aware cache busting") + `

assetstamp assigns content-derived identifiers to the documents and
assets of a build output directory and rewrites references to embed
them as query parameters. Identifiers are dependency-aware: a change
to any file propagates to the identifier of everything that
transitively references it, and files that reference each other in a
cycle are invalidated as one unit.

` + SubtitleStyle.Render("Examples:") + `
  assetstamp run --root ./dist             Stamp a build directory
  assetstamp run --dry-run                 Show what would change
  assetstamp run --on-missing=error        Fail on broken references
  assetstamp watch --root ./dist           Re-stamp on change`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .assetstamp.{yaml,toml,json} in the working directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(issuesCmd)
}

// Execute runs the command tree. It is called once by main.main().
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(Version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the run logger. Verbose mode surfaces per-unit
// debug lines; the default level only shows warnings and errors.
func newLogger() *log.Logger {
	level := log.WarnLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "assetstamp",
		Level:  level,
	})
}
