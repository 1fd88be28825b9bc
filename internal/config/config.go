// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aicalamba/aicalamba/internal/issue"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "aicalamba"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides, e.g. AICALAMBA_BUILD_IMAGE.
	EnvPrefix = "AICALAMBA"
	// DotEnvFile is read from the working directory when present.
	DotEnvFile = ".env"

	maxConfigFileSize = 1 << 20
)

//go:embed config_schema.cue
var configSchema string

// envAliases binds config keys to the unprefixed variable names the
// service has always read.
var envAliases = map[string]string{
	"llm.api_key":        "OPENAI_KEY",
	"screenshot.api_key": "APIFLASH_KEY",
	"server.addr":        "ADDR",
}

// ConfigDir returns the aicalamba configuration directory using platform-specific
// conventions: Windows uses %APPDATA%, macOS uses ~/Library/Application Support,
// and Linux/others use $XDG_CONFIG_HOME (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// loadWithOptions performs option-driven config loading without mutating
// package-level state. Precedence, lowest first: defaults, config file,
// .env file, process environment.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, "", fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	resolvedPath, err := resolveConfigFile(opts)
	if err != nil {
		return nil, "", err
	}
	if resolvedPath != "" {
		if err := loadCUEIntoViper(v, resolvedPath); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(resolvedPath).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the expected schema").
				WithSuggestion("Use 'aicalamba config show' to see the effective configuration").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(err).
				BuildError()
		}
	}

	if err := applyDotEnv(v, opts.dotEnvPath()); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("load environment file").
			WithResource(opts.dotEnvPath()).
			WithSuggestion("Use KEY=value lines, one per line").
			Wrap(err).
			BuildError()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	if valid, errs := cfg.IsValid(); !valid {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath).
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(errors.Join(errs...)).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("container_engine", d.ContainerEngine)
	v.SetDefault("ui.color_scheme", d.UI.ColorScheme)
	v.SetDefault("ui.verbose", d.UI.Verbose)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.body_limit", d.Server.BodyLimit)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.endpoint", d.LLM.Endpoint)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("screenshot.endpoint", d.Screenshot.Endpoint)
	v.SetDefault("screenshot.delay_seconds", d.Screenshot.DelaySeconds)
	v.SetDefault("screenshot.api_key", "")
	v.SetDefault("calendar.time_zone", d.Calendar.TimeZone)
	v.SetDefault("calendar.time_zone_label", d.Calendar.TimeZoneLabel)
	v.SetDefault("build.image", d.Build.Image)
	v.SetDefault("build.toolchain", d.Build.Toolchain)
	v.SetDefault("build.builder_image", d.Build.BuilderImage)
	v.SetDefault("build.runtime_image", d.Build.RuntimeImage)
	v.SetDefault("build.no_cache", d.Build.NoCache)
}

// resolveConfigFile returns the file to load, or "" when defaults apply.
// An explicit --config path must exist.
func resolveConfigFile(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'aicalamba config init' to write a default configuration").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
	if err != nil {
		return "", err
	}

	cuePath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
	if fileExists(cuePath) {
		return cuePath, nil
	}

	localCuePath := filepath.Join(opts.BaseDir, ConfigFileName+"."+ConfigFileExt)
	if fileExists(localCuePath) {
		return localCuePath, nil
	}

	return "", nil
}

// configDirWithOverride resolves the configuration directory, honoring
// explicit provider options before platform defaults.
func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}

	return ConfigDir()
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigFileSize {
		return fmt.Errorf("%s: file size %d exceeds limit of %d bytes", path, len(data), maxConfigFileSize)
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return formatCUEError(userValue.Err())
	}

	// Concrete(false): every field is optional
	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return formatCUEError(err)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return formatCUEError(err)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	return nil
}

func formatCUEError(err error) error {
	return errors.New(strings.TrimSpace(cueerrors.Details(err, nil)))
}

// applyDotEnv sets keys from a .env file unless the process environment
// already provides them. A missing file is not an error.
func applyDotEnv(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for key, alias := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if envSet(alias) || envSet(prefixed) {
			continue
		}
		if val, ok := vars[prefixed]; ok {
			v.Set(key, val)
		} else if val, ok := vars[alias]; ok {
			v.Set(key, val)
		}
	}

	for name, val := range vars {
		if !strings.HasPrefix(name, EnvPrefix+"_") || envSet(name) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix+"_"))
		if dotted, ok := dottedKey(v, key); ok {
			v.Set(dotted, val)
		}
	}

	return nil
}

// dottedKey maps an env-style key like build_no_cache back to build.no_cache.
func dottedKey(v *viper.Viper, envKey string) (string, bool) {
	for _, k := range v.AllKeys() {
		if strings.ReplaceAll(k, ".", "_") == envKey {
			return k, true
		}
	}
	return "", false
}

func envSet(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes a default config file unless one exists, and
// returns its path.
func CreateDefaultConfig(configDirPath string) (string, error) {
	cfgDir, err := configDirWithOverride(configDirPath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	cfgPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)

	if _, err := os.Stat(cfgPath); err == nil {
		return cfgPath, nil
	}

	if err := os.WriteFile(cfgPath, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}

	return cfgPath, nil
}

// GenerateCUE generates a CUE representation of the configuration.
// API keys are never written.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// aicalamba configuration file\n")
	sb.WriteString("// OPENAI_KEY and APIFLASH_KEY are read from the environment or .env.\n\n")

	fmt.Fprintf(&sb, "container_engine: %q\n", cfg.ContainerEngine)

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tcolor_scheme: %q\n", cfg.UI.ColorScheme)
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.UI.Verbose)
	sb.WriteString("}\n")

	sb.WriteString("\nserver: {\n")
	fmt.Fprintf(&sb, "\taddr: %q\n", cfg.Server.Addr)
	fmt.Fprintf(&sb, "\tbody_limit: %d\n", cfg.Server.BodyLimit)
	fmt.Fprintf(&sb, "\tshutdown_timeout: %q\n", cfg.Server.ShutdownTimeout.String())
	sb.WriteString("}\n")

	sb.WriteString("\nllm: {\n")
	fmt.Fprintf(&sb, "\tprovider: %q\n", cfg.LLM.Provider)
	fmt.Fprintf(&sb, "\tendpoint: %q\n", cfg.LLM.Endpoint)
	fmt.Fprintf(&sb, "\tmodel: %q\n", cfg.LLM.Model)
	sb.WriteString("}\n")

	sb.WriteString("\nscreenshot: {\n")
	fmt.Fprintf(&sb, "\tendpoint: %q\n", cfg.Screenshot.Endpoint)
	fmt.Fprintf(&sb, "\tdelay_seconds: %d\n", cfg.Screenshot.DelaySeconds)
	sb.WriteString("}\n")

	sb.WriteString("\ncalendar: {\n")
	fmt.Fprintf(&sb, "\ttime_zone: %q\n", cfg.Calendar.TimeZone)
	fmt.Fprintf(&sb, "\ttime_zone_label: %q\n", cfg.Calendar.TimeZoneLabel)
	sb.WriteString("}\n")

	sb.WriteString("\nbuild: {\n")
	fmt.Fprintf(&sb, "\timage: %q\n", cfg.Build.Image)
	fmt.Fprintf(&sb, "\ttoolchain: %q\n", cfg.Build.Toolchain)
	if cfg.Build.BuilderImage != "" {
		fmt.Fprintf(&sb, "\tbuilder_image: %q\n", cfg.Build.BuilderImage)
	}
	if cfg.Build.RuntimeImage != "" {
		fmt.Fprintf(&sb, "\truntime_image: %q\n", cfg.Build.RuntimeImage)
	}
	fmt.Fprintf(&sb, "\tno_cache: %v\n", cfg.Build.NoCache)
	sb.WriteString("}\n")

	return sb.String()
}
