// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"fmt"
	"io"
	"time"

	"github.com/aicalamba/aicalamba/internal/container"
)

const (
	// DefaultBuildAttempts bounds builds that fail before any step ran,
	// such as a base-image pull hitting a registry rate limit.
	DefaultBuildAttempts = 3
	// DefaultRetryBackoff is the first wait between build attempts.
	DefaultRetryBackoff = 2 * time.Second

	maxRetryBackoff = 30 * time.Second
)

type (
	// Config holds the inputs of one pipeline run.
	Config struct {
		// Dir is the project directory and build context
		Dir string

		// Image is the tag of the runtime image
		Image container.ImageTag

		// Recipe describes both stages
		Recipe Recipe

		// NoCache ignores a cached dependency stage and disables the engine cache
		NoCache bool

		// Pull always pulls newer base images
		Pull bool

		// Output receives the engine's build output; nil discards it
		Output io.Writer

		// ScratchDir is where the rendered Dockerfile is written. Empty
		// selects a directory the engine can read (see scratchParent).
		ScratchDir string

		// TagSuffix is appended to dependency-stage tags. Tests use it to
		// keep parallel runs apart.
		TagSuffix string

		// BuildAttempts and RetryBackoff control retries of engine and registry
		// failures that happen before any build step ran
		BuildAttempts int
		RetryBackoff  time.Duration
	}

	// Option is a functional option for configuring a Config.
	Option func(*Config)
)

// NewConfig returns a Config for building dir into image with recipe.
func NewConfig(dir string, image container.ImageTag, recipe Recipe, opts ...Option) *Config {
	cfg := &Config{
		Dir:           dir,
		Image:         image,
		Recipe:        recipe,
		BuildAttempts: DefaultBuildAttempts,
		RetryBackoff:  DefaultRetryBackoff,
	}
	cfg.Apply(opts...)
	return cfg
}

// WithNoCache returns an Option that sets NoCache on the config.
func WithNoCache(noCache bool) Option {
	return func(c *Config) {
		c.NoCache = noCache
	}
}

// WithPull returns an Option that sets Pull on the config.
func WithPull(pull bool) Option {
	return func(c *Config) {
		c.Pull = pull
	}
}

// WithOutput returns an Option that streams engine output to w.
func WithOutput(w io.Writer) Option {
	return func(c *Config) {
		c.Output = w
	}
}

// WithScratchDir returns an Option that sets ScratchDir on the config.
func WithScratchDir(dir string) Option {
	return func(c *Config) {
		c.ScratchDir = dir
	}
}

// WithTagSuffix returns an Option that sets TagSuffix on the config.
func WithTagSuffix(suffix string) Option {
	return func(c *Config) {
		c.TagSuffix = suffix
	}
}

// WithRetry returns an Option that sets the transient-failure retry policy.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Config) {
		c.BuildAttempts = attempts
		c.RetryBackoff = backoff
	}
}

// Apply applies the given options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the config and its recipe.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: project directory is required", ErrInvalidRecipe)
	}
	if err := c.Image.Validate(); err != nil {
		return err
	}
	return c.Recipe.Validate()
}

// RecipeFor detects the toolchain of dir (unless name is set), infers the
// binary name and applies image overrides. Empty overrides keep defaults.
func RecipeFor(dir string, name ToolchainName, builderImage, runtimeImage string) (Recipe, error) {
	var (
		tc  *Toolchain
		err error
	)
	if name != "" {
		tc, err = LookupToolchain(name)
	} else {
		tc, err = DetectToolchain(dir)
	}
	if err != nil {
		return Recipe{}, err
	}

	binary, err := tc.BinaryName(dir)
	if err != nil {
		return Recipe{}, err
	}

	recipe := NewRecipe(tc, binary)
	if builderImage != "" {
		recipe.Builder.BaseImage = builderImage
	}
	if runtimeImage != "" {
		recipe.Runtime.BaseImage = runtimeImage
	}
	return recipe, nil
}
