// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aicalamba/aicalamba/internal/config"
	"github.com/aicalamba/aicalamba/internal/issue"
)

// newConfigCommand creates the `aicalamba config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage aicalamba configuration",
		Long: `Manage aicalamba configuration.

Configuration is stored in:
  - Linux: ~/.config/aicalamba/config.cue
  - macOS: ~/Library/Application Support/aicalamba/config.cue
  - Windows: %APPDATA%\aicalamba\config.cue

API keys are read from OPENAI_KEY and APIFLASH_KEY (or a .env file) and
are never written to the config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := showConfig(cmd.Context(), app); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.CreateDefaultConfig("")
			if err != nil {
				return app.fail(cmd, err)
			}
			fmt.Fprintf(app.stdout, "%s Configuration at %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(path))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd.Context())
			if err != nil {
				return app.fail(cmd, err)
			}
			fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
			return nil
		},
	})

	return cfgCmd
}

func showConfig(ctx context.Context, app *App) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		if rendered, renderErr := issue.Get(issue.ConfigLoadFailedId).Render("auto"); renderErr == nil {
			fmt.Fprint(app.stderr, rendered)
		}
		return err
	}

	w := app.stdout
	keyStyle := CmdStyle
	valueStyle := SuccessStyle

	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Config file"), configFileLabel(app.configFile))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("container_engine"), valueStyle.Render(cfg.ContainerEngine.String()))

	section(w, "ui")
	field(w, "color_scheme", cfg.UI.ColorScheme.String())
	field(w, "verbose", fmt.Sprint(cfg.UI.Verbose))

	section(w, "server")
	field(w, "addr", cfg.Server.Addr)
	field(w, "body_limit", fmt.Sprint(cfg.Server.BodyLimit))
	field(w, "shutdown_timeout", cfg.Server.ShutdownTimeout.String())

	section(w, "llm")
	field(w, "provider", cfg.LLM.Provider.String())
	field(w, "endpoint", cfg.LLM.Endpoint.String())
	field(w, "model", cfg.LLM.Model)
	fmt.Fprintf(w, "  api_key (OPENAI_KEY): %s\n", secretLabel(cfg.LLM.APIKey))

	section(w, "screenshot")
	field(w, "endpoint", cfg.Screenshot.Endpoint.String())
	field(w, "delay_seconds", fmt.Sprint(cfg.Screenshot.DelaySeconds))
	fmt.Fprintf(w, "  api_key (APIFLASH_KEY): %s\n", secretLabel(cfg.Screenshot.APIKey))

	section(w, "calendar")
	field(w, "time_zone", cfg.Calendar.TimeZone)
	field(w, "time_zone_label", cfg.Calendar.TimeZoneLabel)

	section(w, "build")
	field(w, "image", cfg.Build.Image)
	field(w, "toolchain", orAuto(cfg.Build.Toolchain.String()))
	field(w, "builder_image", orAuto(cfg.Build.BuilderImage))
	field(w, "runtime_image", orAuto(cfg.Build.RuntimeImage))
	field(w, "no_cache", fmt.Sprint(cfg.Build.NoCache))

	return nil
}

func section(w io.Writer, name string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", CmdStyle.Render(name))
}

func field(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %s: %s\n", key, SuccessStyle.Render(value))
}

// configFileLabel names the file the configuration came from.
func configFileLabel(override string) string {
	if override != "" {
		return override
	}
	dir, err := config.ConfigDir()
	if err != nil {
		return SubtitleStyle.Render("(using defaults)")
	}
	path := filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt)
	if info, statErr := os.Stat(path); statErr != nil || info.IsDir() {
		return SubtitleStyle.Render("(using defaults)")
	}
	return path
}

func secretLabel(v string) string {
	if v == "" {
		return WarningStyle.Render("not set")
	}
	return SuccessStyle.Render("set")
}

func orAuto(v string) string {
	if v == "" {
		return "(auto)"
	}
	return v
}
