// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"assetstamp/internal/issue"
)

// issuesCmd prints the remediation catalog, so failure modes can be
// browsed without reproducing them.
var issuesCmd = &cobra.Command{
	Use:    "issues",
	Short:  "Browse the failure-mode remediation catalog",
	Hidden: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		for _, i := range issue.All() {
			text, err := i.Render("auto")
			if err != nil {
				return fmt.Errorf("render issue %d: %w", i.Id(), err)
			}
			fmt.Print(text)
		}
		return nil
	},
}
