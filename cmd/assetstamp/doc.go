// SPDX-License-Identifier: MPL-2.0

// Package cmd implements the Cobra command hierarchy for the assetstamp
// CLI: a root command with shared flags, "run" for a single stamping
// pass, "watch" for debounced re-runs, and "issues" for browsing the
// remediation catalog.
package cmd
