// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"assetstamp/internal/checksum"
	"assetstamp/internal/index"
	"assetstamp/internal/resolve"
)

var (
	// ErrInvalidRoot is returned when the processing root does not exist
	// or is not a directory.
	ErrInvalidRoot = errors.New("invalid processing root")
	// ErrInvalidParam is returned when the query parameter name contains
	// characters with URL query semantics.
	ErrInvalidParam = errors.New("invalid query parameter name")
	// ErrInvalidMaxLength is returned when the identifier length limit is
	// negative.
	ErrInvalidMaxLength = errors.New("invalid max identifier length")
	// ErrNoDocumentPatterns is returned when the document pattern list is
	// empty; a run with nothing to rewrite is a configuration mistake.
	ErrNoDocumentPatterns = errors.New("no document patterns configured")
)

// Config holds the full configuration of a stamping run.
type Config struct {
	// Root is the processing root directory.
	Root string `mapstructure:"root"`
	// Documents are doublestar patterns for files to scan and rewrite.
	Documents []string `mapstructure:"documents"`
	// Assets are doublestar patterns for files to hash only.
	Assets []string `mapstructure:"assets"`
	// Exclude are doublestar patterns removed from both sets.
	Exclude []string `mapstructure:"exclude"`
	// RootPrefix is the prefix that marks a reference as rooted.
	RootPrefix string `mapstructure:"root_prefix"`
	// Algorithm selects the digest (sha256, sha1, xxh64, blake3).
	Algorithm string `mapstructure:"algorithm"`
	// MaxLength truncates identifiers to at most this many characters.
	// Truncation trades collision resistance for shorter URLs; zero
	// keeps the full digest.
	MaxLength int `mapstructure:"max_length"`
	// Param is the query parameter name embedded into references.
	Param string `mapstructure:"param"`
	// OnMissing is the missing-reference policy: ignore, warn or error.
	OnMissing string `mapstructure:"on_missing"`
	// Verbose enables debug logging.
	Verbose bool `mapstructure:"verbose"`
}

// Default returns the built-in configuration: stamp HTML documents
// against the usual static asset types, warn on missing references.
func Default() Config {
	return Config{
		Root:      ".",
		Documents: []string{"**/*.html", "**/*.htm"},
		Assets: []string{
			"**/*.css", "**/*.js", "**/*.mjs",
			"**/*.svg", "**/*.png", "**/*.jpg", "**/*.jpeg", "**/*.gif", "**/*.webp", "**/*.ico",
			"**/*.woff", "**/*.woff2",
		},
		Exclude: []string{
			"**/.git/**",
			"**/node_modules/**",
		},
		RootPrefix: "/",
		Algorithm:  string(checksum.AlgorithmSHA256),
		Param:      "v",
		OnMissing:  string(resolve.PolicyWarn),
	}
}

// Validate checks the configuration before any scanning begins.
// Configuration errors are fatal and reported up front.
func (c *Config) Validate() error {
	info, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidRoot, c.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrInvalidRoot, c.Root)
	}
	if len(c.Documents) == 0 {
		return ErrNoDocumentPatterns
	}
	for _, group := range [][]string{c.Documents, c.Assets, c.Exclude} {
		if err := index.ValidatePatterns(group); err != nil {
			return err
		}
	}
	if err := checksum.Algorithm(c.Algorithm).Validate(); err != nil {
		return err
	}
	if err := resolve.Policy(c.OnMissing).Validate(); err != nil {
		return err
	}
	if c.MaxLength < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxLength, c.MaxLength)
	}
	if c.Param == "" || strings.ContainsAny(c.Param, "?&=# ") {
		return fmt.Errorf("%w: %q", ErrInvalidParam, c.Param)
	}
	return nil
}
