// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"path/filepath"
)

// LoadOptions defines explicit configuration loading inputs.
type LoadOptions struct {
	// ConfigFilePath forces loading from a specific config file when set.
	ConfigFilePath string
	// ConfigDirPath overrides the config directory lookup when set.
	ConfigDirPath string
	// BaseDir is searched for config.cue and .env after the config
	// directory. Empty means the working directory.
	BaseDir string
	// DotEnvPath overrides the .env location. "-" disables .env loading.
	DotEnvPath string
}

// Provider loads configuration from explicit options.
type Provider interface {
	Load(ctx context.Context, opts LoadOptions) (*Config, error)
}

type fileProvider struct{}

// NewProvider creates a configuration provider.
func NewProvider() Provider {
	return &fileProvider{}
}

// Load reads configuration from the requested source.
func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg, _, err := loadWithOptions(ctx, opts)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithPath is Load that also reports which file was used ("" for
// defaults only).
func LoadWithPath(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	return loadWithOptions(ctx, opts)
}

func (o LoadOptions) dotEnvPath() string {
	switch o.DotEnvPath {
	case "-":
		return ""
	case "":
		if o.BaseDir == "" {
			return DotEnvFile
		}
		return filepath.Join(o.BaseDir, DotEnvFile)
	default:
		return o.DotEnvPath
	}
}
