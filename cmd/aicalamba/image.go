// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aicalamba/aicalamba/internal/config"
	"github.com/aicalamba/aicalamba/internal/container"
	"github.com/aicalamba/aicalamba/internal/issue"
	"github.com/aicalamba/aicalamba/internal/pipeline"
	"github.com/aicalamba/aicalamba/internal/watch"
)

// Build report output formats.
const (
	outputText     = "text"
	outputYAML     = "yaml"
	outputMarkdown = "markdown"
)

var errInvalidOutput = errors.New("invalid output format (valid: text, yaml, markdown)")

type (
	// recipeFlags select the project and toolchain a recipe is built for.
	recipeFlags struct {
		dir  string
		kind string
	}

	buildFlags struct {
		recipeFlags
		tag           string
		noCache       bool
		pull          bool
		engine        string
		output        string
		watch         bool
		watchPatterns []string
	}
)

func (f *recipeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dir, "dir", ".", "project directory (build context)")
	cmd.Flags().StringVar(&f.kind, "kind", "", "toolchain profile: cargo or go (default: detected)")
}

func newImageCommand(app *App) *cobra.Command {
	imageCmd := &cobra.Command{
		Use:   "image",
		Short: "Build, verify and run the runtime image",
		Long: `Build, verify and run the runtime image.

The image is built in two stages. The dependency stage holds the
toolchain and the fetched dependencies and is cached under a key derived
from the manifest and lock file, so source changes reuse it. The runtime
stage holds only the trust store and the compiled binary, which is the
image entry point.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	imageCmd.AddCommand(
		newDockerfileCommand(app),
		newBuildCommand(app),
		newVerifyCommand(app),
		newRunCommand(app),
	)
	return imageCmd
}

func newDockerfileCommand(app *App) *cobra.Command {
	var (
		flags recipeFlags
		write bool
	)
	cmd := &cobra.Command{
		Use:   "dockerfile",
		Short: "Print the two-stage Dockerfile for a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.runDockerfile(cmd.Context(), flags, write); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&write, "write", false, "write the Dockerfile into the project directory")
	return cmd
}

func (a *App) runDockerfile(ctx context.Context, flags recipeFlags, write bool) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	recipe, err := recipeFor(cfg, flags)
	if err != nil {
		return err
	}
	if err := recipe.Validate(); err != nil {
		return err
	}

	content := recipe.Render()
	if !write {
		fmt.Fprint(a.stdout, content)
		return nil
	}

	path := filepath.Join(flags.dir, "Dockerfile")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	fmt.Fprintf(a.stdout, "%s Wrote %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(path))
	return nil
}

func newBuildCommand(app *App) *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the runtime image",
		Long: `Build the runtime image.

The lock file is checked against the manifest first; a mismatch stops
the build. The finished image is verified: its entry point must be the
binary, and it must contain neither the toolchain nor the sources. A
rejected image is removed.

With --watch the build repeats whenever the build context changes, until
interrupted. Paths excluded by .dockerignore never trigger a rebuild.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.runBuild(cmd.Context(), flags); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&flags.tag, "tag", "t", "", "runtime image tag (default from config build.image)")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "rebuild the dependency stage even when cached")
	cmd.Flags().BoolVar(&flags.pull, "pull", false, "always pull newer base images")
	cmd.Flags().StringVar(&flags.engine, "engine", "", "container engine: docker or podman (default from config)")
	cmd.Flags().StringVarP(&flags.output, "output", "o", outputText, "report format: text, yaml or markdown")
	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "rebuild when the build context changes")
	cmd.Flags().StringSliceVar(&flags.watchPatterns, "watch-pattern", nil, "glob (e.g. '**/*.go') limiting which changes rebuild; repeatable")
	return cmd
}

func (a *App) runBuild(ctx context.Context, flags buildFlags) error {
	switch flags.output {
	case outputText, outputYAML, outputMarkdown:
	default:
		return fmt.Errorf("%w: %q", errInvalidOutput, flags.output)
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	recipe, err := recipeFor(cfg, flags.recipeFlags)
	if err != nil {
		return err
	}

	tag := flags.tag
	if tag == "" {
		tag = cfg.Build.Image
	}
	eng, err := a.engine(engineKind(cfg, flags.engine))
	if err != nil {
		return err
	}

	var buildOutput io.Writer = io.Discard
	if a.verbose {
		buildOutput = a.stderr
	}
	p := pipeline.New(eng,
		pipeline.NewConfig(flags.dir, container.ImageTag(tag), recipe,
			pipeline.WithNoCache(flags.noCache || cfg.Build.NoCache),
			pipeline.WithPull(flags.pull),
			pipeline.WithOutput(buildOutput),
			pipeline.WithScratchDir(a.scratchDir),
		),
		a.logger("image"),
	)

	buildErr := a.buildOnce(ctx, p, tag, flags.output)
	if !flags.watch {
		return buildErr
	}
	if buildErr != nil {
		a.printError(buildErr)
	}
	return a.watchBuild(ctx, flags, func(ctx context.Context) error {
		return a.buildOnce(ctx, p, tag, flags.output)
	})
}

// buildOnce runs p and prints its report, also for failed builds.
func (a *App) buildOnce(ctx context.Context, p *pipeline.Pipeline, tag, output string) error {
	report, buildErr := p.Build(ctx)
	if report != nil {
		if err := a.printBuildReport(report, output); err != nil {
			return err
		}
	}
	if buildErr == nil {
		return nil
	}
	var ae *issue.ActionableError
	if errors.As(buildErr, &ae) {
		return buildErr
	}
	return issue.NewErrorContext().
		WithOperation("build runtime image").
		WithResource(tag).
		WithIssue(issue.ImageBuildFailedId).
		WithSuggestion("Re-run with --verbose to see the engine output").
		Wrap(buildErr).
		BuildError()
}

// watchBuild calls rebuild after every change to the build context until
// ctx is cancelled. Failed rebuilds are reported and watching continues.
func (a *App) watchBuild(ctx context.Context, flags buildFlags, rebuild func(context.Context) error) error {
	w, err := watch.New(watch.Config{
		Dir:      flags.dir,
		Patterns: flags.watchPatterns,
		Logger:   a.logger("watch"),
		OnChange: func(ctx context.Context, changed []string) error {
			fmt.Fprintf(a.stdout, "\n%s %s\n", SubtitleStyle.Render("Changed:"), strings.Join(changed, ", "))
			if err := rebuild(ctx); err != nil {
				a.printError(err)
			}
			return nil
		},
	})
	if err != nil {
		return issue.WrapWithOperation(err, "watch build context")
	}
	fmt.Fprintf(a.stdout, "%s Watching %s for changes (Ctrl+C to stop)\n", SubtitleStyle.Render("→"), CmdStyle.Render(w.Dir()))
	return w.Run(ctx)
}

func (a *App) printBuildReport(report *pipeline.Report, output string) error {
	switch output {
	case outputYAML:
		data, err := report.YAML()
		if err != nil {
			return fmt.Errorf("failed to render report: %w", err)
		}
		_, err = a.stdout.Write(data)
		return err
	case outputMarkdown:
		rendered, err := report.RenderMarkdown("auto")
		if err != nil {
			return fmt.Errorf("failed to render report: %w", err)
		}
		fmt.Fprint(a.stdout, rendered)
		return nil
	}

	w := a.stdout
	if report.Succeeded() {
		cache := "miss"
		if report.CacheHit {
			cache = "hit"
		}
		fmt.Fprintf(w, "%s Built %s %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(report.Image),
			SubtitleStyle.Render("(dependency cache "+cache+")"))
	} else {
		fmt.Fprintf(w, "%s Build failed\n", ErrorStyle.Render("✗"))
	}
	fmt.Fprintf(w, "  build id:   %s\n", report.BuildID)
	fmt.Fprintf(w, "  toolchain:  %s (%s)\n", report.Toolchain, report.Artifact)
	if report.DepsImage != "" {
		fmt.Fprintf(w, "  deps image: %s\n", report.DepsImage)
	}
	for _, s := range report.Steps {
		status := SuccessStyle.Render(string(s.Status))
		if s.Status == pipeline.StatusFailed {
			status = ErrorStyle.Render(string(s.Status))
		}
		fmt.Fprintf(w, "  %-13s %-7s %s\n", s.Name, status, time.Duration(s.Duration).Round(time.Millisecond))
	}
	printFindings(w, report.Findings)
	return nil
}

func newVerifyCommand(app *App) *cobra.Command {
	var (
		flags  recipeFlags
		engine string
	)
	cmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Check that an image holds only the runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.runVerify(cmd.Context(), container.ImageTag(args[0]), flags, engine); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&engine, "engine", "", "container engine: docker or podman (default from config)")
	return cmd
}

func (a *App) runVerify(ctx context.Context, image container.ImageTag, flags recipeFlags, engineFlag string) error {
	if err := image.Validate(); err != nil {
		return err
	}
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	recipe, err := recipeFor(cfg, flags)
	if err != nil {
		return err
	}
	eng, err := a.engine(engineKind(cfg, engineFlag))
	if err != nil {
		return err
	}

	p := pipeline.New(eng, pipeline.NewConfig(flags.dir, image, recipe), a.logger("image"))
	v, err := p.Verify(ctx, image)
	if err != nil {
		return err
	}

	if v.OK() {
		fmt.Fprintf(a.stdout, "%s %s passed (%d files)\n", SuccessStyle.Render("✓"), CmdStyle.Render(image.String()), v.Files)
		return nil
	}
	fmt.Fprintf(a.stdout, "%s %s failed verification (%d files)\n", ErrorStyle.Render("✗"), CmdStyle.Render(image.String()), v.Files)
	printFindings(a.stdout, v.Findings)
	return issue.NewErrorContext().
		WithOperation("verify runtime image").
		WithResource(image.String()).
		WithIssue(issue.ImageVerifyFailedId).
		Wrap(fmt.Errorf("%w: %d findings", pipeline.ErrVerificationFailed, len(v.Findings))).
		BuildError()
}

func newRunCommand(app *App) *cobra.Command {
	var engine string
	cmd := &cobra.Command{
		Use:   "run <image> [-- args...]",
		Short: "Run an image, forwarding arguments to its entry point",
		Long: `Run an image, forwarding arguments to its entry point.

Everything after the image name is passed to the binary unchanged, flags
included. The command exits with the container's exit code.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runImage(cmd, container.ImageTag(args[0]), forwardedArgs(args[1:]), engine)
		},
	}
	cmd.Flags().StringVar(&engine, "engine", "", "container engine: docker or podman (default from config)")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func (a *App) runImage(cmd *cobra.Command, image container.ImageTag, args []string, engineFlag string) error {
	ctx := cmd.Context()
	if err := image.Validate(); err != nil {
		return a.fail(cmd, err)
	}
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return a.fail(cmd, err)
	}
	eng, err := a.engine(engineKind(cfg, engineFlag))
	if err != nil {
		return a.fail(cmd, err)
	}

	p := pipeline.New(eng, nil, a.logger("image"))
	code, err := p.Run(ctx, image, args, a.stdin, a.stdout, a.stderr)
	if err != nil {
		return a.fail(cmd, issue.WrapWithOperation(err, "run "+image.String()))
	}
	if code != 0 {
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		return &ExitError{Code: code}
	}
	return nil
}

// forwardedArgs drops the "--" separator that stays in args once flag
// parsing stopped at the image name.
func forwardedArgs(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		return args[1:]
	}
	return args
}

func printFindings(w io.Writer, findings []pipeline.Finding) {
	for _, f := range findings {
		if f.Path != "" {
			fmt.Fprintf(w, "  %s %s: %s\n", WarningStyle.Render(f.Rule), CmdStyle.Render(f.Path), f.Message)
		} else {
			fmt.Fprintf(w, "  %s: %s\n", WarningStyle.Render(f.Rule), f.Message)
		}
	}
}

// recipeFor resolves the recipe for flags, with --kind over the configured
// toolchain.
func recipeFor(cfg *config.Config, flags recipeFlags) (pipeline.Recipe, error) {
	name := pipeline.ToolchainName(cfg.Build.Toolchain)
	if flags.kind != "" {
		name = pipeline.ToolchainName(flags.kind)
	}
	return pipeline.RecipeFor(flags.dir, name, cfg.Build.BuilderImage, cfg.Build.RuntimeImage)
}

func engineKind(cfg *config.Config, flag string) config.ContainerEngine {
	if flag != "" {
		return config.ContainerEngine(flag)
	}
	return cfg.ContainerEngine
}
