// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aicalamba/aicalamba/internal/calendar"
	"github.com/aicalamba/aicalamba/internal/config"
	"github.com/aicalamba/aicalamba/internal/issue"
	"github.com/aicalamba/aicalamba/internal/llm"
	"github.com/aicalamba/aicalamba/internal/screenshot"
	"github.com/aicalamba/aicalamba/internal/server"
)

func newServeCommand(app *App) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web service",
		Long: `Start the web service.

The service listens on --addr, $ADDR or the configured server.addr
(default 0.0.0.0:3000) and stops gracefully on SIGINT or SIGTERM.

OPENAI_KEY must hold the language model key. Without APIFLASH_KEY the
service still runs but answers URLs with an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.runServe(cmd.Context(), addr); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides $ADDR and the config)")
	return cmd
}

// runServe wires the service from configuration and runs it until ctx is
// cancelled or the server fails.
func (a *App) runServe(ctx context.Context, addr string) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger := a.logger("aicalamba")

	srv, err := a.newServer(cfg)
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return issue.WrapWithOperation(err, "start web service")
	}
	logger.Info("service started", "version", Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case err, ok := <-srv.Err():
			if ok && err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return srv.Stop()
	})

	return g.Wait()
}

// newServer assembles the language model client, extractor, screenshot
// fetcher and metrics into a server.
func (a *App) newServer(cfg *config.Config) (*server.Server, error) {
	logger := a.logger("aicalamba")

	if cfg.LLM.APIKey == "" {
		return nil, issue.NewErrorContext().
			WithOperation("configure language model").
			WithResource(cfg.LLM.Endpoint.String()).
			WithSuggestion("Export OPENAI_KEY or put it in a .env file next to the config").
			WithIssue(issue.APIKeyMissingId).
			Wrap(llm.ErrMissingAPIKey).
			BuildError()
	}

	client, err := llm.NewAzOpenAIClient(llm.Kind(cfg.LLM.Provider), cfg.LLM.Endpoint.String(), cfg.LLM.APIKey, cfg.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create language model client: %w", err)
	}

	metrics := server.NewMetrics()
	extractor := calendar.NewExtractor(
		metrics.InstrumentClient(client),
		calendar.WithTimeZone(cfg.Calendar.TimeZone, cfg.Calendar.TimeZoneLabel),
		calendar.WithLogger(logger.WithPrefix("calendar")),
	)

	opts := []server.Option{
		server.WithMetrics(metrics),
		server.WithLogger(logger.WithPrefix("server")),
	}
	if cfg.Screenshot.APIKey != "" {
		fetcher, err := screenshot.New(cfg.Screenshot.APIKey,
			screenshot.WithEndpoint(cfg.Screenshot.Endpoint.String()),
			screenshot.WithDelay(time.Duration(cfg.Screenshot.DelaySeconds)*time.Second),
			screenshot.WithLogger(logger.WithPrefix("screenshot")),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create screenshot client: %w", err)
		}
		opts = append(opts, server.WithFetcher(fetcher))
	} else {
		fmt.Fprintln(a.stderr, WarningStyle.Render("Warning: ")+"APIFLASH_KEY is not set; URLs posted to /text will fail")
	}

	scfg := server.DefaultConfig()
	scfg.Addr = cfg.Server.Addr
	if cfg.Server.BodyLimit > 0 {
		scfg.BodyLimit = cfg.Server.BodyLimit
	}
	if cfg.Server.ShutdownTimeout > 0 {
		scfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	logger.Debug("service configured",
		"provider", cfg.LLM.Provider, "model", client.Model(),
		"time_zone", cfg.Calendar.TimeZone, "screenshots", cfg.Screenshot.APIKey != "")

	return server.New(scfg, extractor, opts...)
}
