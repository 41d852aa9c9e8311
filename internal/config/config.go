// SPDX-License-Identifier: MPL-2.0

// Package config loads and validates assetstamp configuration.
//
// Precedence, lowest first: built-in defaults, a ".assetstamp" config
// file (any format viper reads: YAML, TOML, JSON) discovered in the
// working directory or an explicit path, ASSETSTAMP_* environment
// variables, then command-line flags applied by the CLI layer.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the config file base name (without extension).
	ConfigFileName = ".assetstamp"
	// EnvPrefix namespaces environment variable overrides.
	EnvPrefix = "ASSETSTAMP"
)

// LoadOptions defines explicit configuration loading inputs.
type LoadOptions struct {
	// ConfigFilePath forces loading from a specific config file when set.
	ConfigFilePath string
	// SearchDir overrides where the config file is looked for; empty
	// means the current working directory.
	SearchDir string
}

// Load reads configuration from defaults, an optional config file, and
// the environment. The result is not yet validated: the CLI overlays
// flag values first and then calls Validate.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("root", defaults.Root)
	v.SetDefault("documents", defaults.Documents)
	v.SetDefault("assets", defaults.Assets)
	v.SetDefault("exclude", defaults.Exclude)
	v.SetDefault("root_prefix", defaults.RootPrefix)
	v.SetDefault("algorithm", defaults.Algorithm)
	v.SetDefault("max_length", defaults.MaxLength)
	v.SetDefault("param", defaults.Param)
	v.SetDefault("on_missing", defaults.OnMissing)
	v.SetDefault("verbose", defaults.Verbose)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFilePath != "" {
		v.SetConfigFile(opts.ConfigFilePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigFilePath, err)
		}
	} else {
		v.SetConfigName(ConfigFileName)
		if opts.SearchDir != "" {
			v.AddConfigPath(opts.SearchDir)
		} else {
			v.AddConfigPath(".")
		}
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine; everything else is not.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("load config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
