// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"assetstamp/internal/checksum"
	"assetstamp/internal/config"
	"assetstamp/internal/engine"
	"assetstamp/internal/index"
	"assetstamp/internal/issue"
	"assetstamp/internal/resolve"
)

var (
	flagRoot      string
	flagDocuments []string
	flagAssets    []string
	flagExclude   []string
	flagPrefix    string
	flagAlgorithm string
	flagMaxLength int
	flagParam     string
	flagOnMissing string
	flagDryRun    bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Execute one stamping pass over the processing root",
		Long: `Run discovers documents and assets under the processing root,
computes dependency-aware identifiers, and rewrites document
references in place. The pass is stateless: every invocation rehashes
the current file set from scratch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			summary, err := stamp(cmd.Context(), cfg, flagDryRun)
			if err != nil {
				explain(err)
				return err
			}
			renderSummary(summary, flagDryRun)
			return nil
		},
	}
)

func init() {
	addRunFlags(runCmd)
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "perform the full pass without writing any file")
}

// addRunFlags registers the flags shared by run and watch.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagRoot, "root", "", "processing root directory")
	cmd.Flags().StringSliceVar(&flagDocuments, "documents", nil, "glob patterns for documents to rewrite")
	cmd.Flags().StringSliceVar(&flagAssets, "assets", nil, "glob patterns for assets to hash")
	cmd.Flags().StringSliceVar(&flagExclude, "exclude", nil, "glob patterns to exclude")
	cmd.Flags().StringVar(&flagPrefix, "root-prefix", "", "prefix that marks a reference as rooted")
	cmd.Flags().StringVar(&flagAlgorithm, "algorithm", "", "digest algorithm (sha256, sha1, xxh64, blake3)")
	cmd.Flags().IntVar(&flagMaxLength, "max-length", 0, "truncate identifiers to this many characters (0 = full digest)")
	cmd.Flags().StringVar(&flagParam, "param", "", "query parameter name to embed")
	cmd.Flags().StringVar(&flagOnMissing, "on-missing", "", "missing-reference policy (ignore, warn, error)")
}

// loadConfig merges the config file, environment, and any flags the
// user explicitly set, then validates the result. Flags win.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFilePath: cfgFile})
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("load configuration").
			WithResource(cfgFile).
			WithSuggestion("Check the config file syntax (YAML, TOML and JSON are supported)").
			Wrap(err).
			BuildError()
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = flagRoot
	}
	if flags.Changed("documents") {
		cfg.Documents = flagDocuments
	}
	if flags.Changed("assets") {
		cfg.Assets = flagAssets
	}
	if flags.Changed("exclude") {
		cfg.Exclude = flagExclude
	}
	if flags.Changed("root-prefix") {
		cfg.RootPrefix = flagPrefix
	}
	if flags.Changed("algorithm") {
		cfg.Algorithm = flagAlgorithm
	}
	if flags.Changed("max-length") {
		cfg.MaxLength = flagMaxLength
	}
	if flags.Changed("param") {
		cfg.Param = flagParam
	}
	if flags.Changed("on-missing") {
		cfg.OnMissing = flagOnMissing
	}
	cfg.Verbose = cfg.Verbose || verbose

	if err := cfg.Validate(); err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("validate configuration").
			WithSuggestion("Run 'assetstamp run --help' for the accepted values").
			Wrap(err).
			BuildError()
	}
	return cfg, nil
}

// stamp performs one full pass: discover, hash, rewrite.
func stamp(ctx context.Context, cfg *config.Config, dryRun bool) (*engine.Summary, error) {
	set, err := index.Discover(index.Options{
		Root:      cfg.Root,
		Documents: cfg.Documents,
		Assets:    cfg.Assets,
		Exclude:   cfg.Exclude,
	})
	if err != nil {
		return nil, err
	}

	svc, err := checksum.New(checksum.Algorithm(cfg.Algorithm), cfg.MaxLength)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Index:      set,
		Checksums:  svc,
		Param:      cfg.Param,
		RootPrefix: cfg.RootPrefix,
		Policy:     resolve.Policy(cfg.OnMissing),
		DryRun:     dryRun,
		Logger:     newLogger(),
	})
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx)
}

// renderSummary prints the outcome of a pass.
func renderSummary(s *engine.Summary, dryRun bool) {
	for _, d := range s.Diagnostics {
		fmt.Fprintln(os.Stderr, WarningStyle.Render("warning: ")+d.Message)
	}

	verb := "stamped"
	if dryRun {
		verb = "would stamp"
	}
	fmt.Printf("%s %s %d document(s) and %d asset(s) in %d unit(s)",
		SuccessStyle.Render("✓"), verb, s.Documents, s.Assets, s.Units)
	if s.Cycles > 0 {
		fmt.Printf(" (%d cycle(s))", s.Cycles)
	}
	fmt.Printf(", %d reference(s) rewritten\n", s.References)

	if dryRun {
		for _, p := range s.Written {
			fmt.Println("  would write " + PathStyle.Render(p))
		}
	} else if verbose {
		for _, p := range s.Written {
			fmt.Println("  wrote " + PathStyle.Render(p))
		}
	}
}

// explain prints cataloged remediation text for known failure modes in
// verbose mode; the bare error still propagates to the caller.
func explain(err error) {
	if !verbose {
		return
	}
	var missing *engine.MissingReferencesError
	if errors.As(err, &missing) {
		if i, lookupErr := issue.Lookup(issue.MissingReferenceId); lookupErr == nil {
			if text, renderErr := i.Render("auto"); renderErr == nil {
				fmt.Fprintln(os.Stderr, text)
			}
		}
	}
}
