// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/aicalamba/aicalamba/internal/config"
	"github.com/aicalamba/aicalamba/internal/container"
	"github.com/aicalamba/aicalamba/internal/issue"
)

type (
	// EngineFactory creates the container engine a command builds with.
	EngineFactory func(kind config.ContainerEngine) (container.Engine, error)

	// App wires CLI services and shared dependencies. Every command
	// handler receives the App and reaches configuration, engines and
	// output through it.
	App struct {
		Config    config.Provider
		NewEngine EngineFactory
		stdin     io.Reader
		stdout    io.Writer
		stderr    io.Writer

		// set from persistent flags
		configFile string
		verbose    bool

		// scratchDir overrides where build Dockerfiles are rendered
		scratchDir string
	}

	// Dependencies are the injection points for NewApp. Nil fields get
	// production defaults.
	Dependencies struct {
		Config    config.Provider
		NewEngine EngineFactory
		Stdin     io.Reader
		Stdout    io.Writer
		Stderr    io.Writer
	}
)

// NewApp builds an App from deps.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config:    deps.Config,
		NewEngine: deps.NewEngine,
		stdin:     deps.Stdin,
		stdout:    deps.Stdout,
		stderr:    deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.NewEngine == nil {
		app.NewEngine = defaultEngine
	}
	if app.stdin == nil {
		app.stdin = os.Stdin
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

// loadConfig loads the configuration honoring --config and lets the file
// turn on verbose output when the flag did not.
func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.configFile})
	if err != nil {
		return nil, err
	}
	if !a.verbose {
		a.verbose = cfg.UI.Verbose
	}
	return cfg, nil
}

// logger returns a stderr logger, at debug level with --verbose.
func (a *App) logger(prefix string) *log.Logger {
	level := log.InfoLevel
	if a.verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(a.stderr, log.Options{
		Prefix:          prefix,
		Level:           level,
		ReportTimestamp: true,
	})
}

// engine creates the engine for kind, with a catalog guide on failure.
func (a *App) engine(kind config.ContainerEngine) (container.Engine, error) {
	eng, err := a.NewEngine(kind)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("find a container engine").
			WithResource(kind.String()).
			WithSuggestion("Install Docker or Podman and make sure it is on PATH").
			WithSuggestion("Pick the other engine with --engine or container_engine in the config").
			WithIssue(issue.ContainerEngineNotFoundId).
			Wrap(err).
			BuildError()
	}
	return eng, nil
}

func defaultEngine(kind config.ContainerEngine) (container.Engine, error) {
	return container.NewEngine(container.EngineType(kind))
}
