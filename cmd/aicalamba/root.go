// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/aicalamba/aicalamba/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// newRootCommand builds the command tree around app.
func newRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "aicalamba",
		Short: "Turn event descriptions into iCalendar files",
		Long: TitleStyle.Render("aicalamba") + SubtitleStyle.Render(" - turn event descriptions into iCalendar files") + `

aicalamba serves a small web form that sends free text, an uploaded
picture or a screenshot of a web page to a language model and returns
the event it describes as an iCalendar file.

It also builds its own container image in two stages: a cached
dependency stage keyed by the lock file, and a minimal runtime image
that holds only the compiled binary.

` + SubtitleStyle.Render("Examples:") + `
  aicalamba serve                 Start the web service on $ADDR
  aicalamba image build           Build the runtime image
  aicalamba image run IMG -- -h   Run an image with arguments
  aicalamba lock check            Check that the lock file matches
  aicalamba config show           Show current configuration`,
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().StringVar(&app.configFile, "config", "", "config file (default is $HOME/.config/aicalamba/config.cue)")

	root.AddCommand(
		newServeCommand(app),
		newImageCommand(app),
		newLockCommand(app),
		newConfigCommand(app),
	)
	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI and exits with the command's status. It is called
// by main.main().
func Execute() {
	root := newRootCommand(NewApp(Dependencies{}))
	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// formatErrorForDisplay formats an error for user display.
// ActionableErrors use their Format method; verbose shows the full chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// fail prints err the way the CLI renders failures and returns an
// ExitError with code 1 so fang does not print it again.
func (a *App) fail(cmd *cobra.Command, err error) error {
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	a.printError(err)
	if a.verbose {
		a.renderGuide(err)
	}
	return &ExitError{Code: 1, Err: err}
}

// printError prints err without ending the command.
func (a *App) printError(err error) {
	fmt.Fprintln(a.stderr, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, a.verbose))
}

// renderGuide prints the catalog guide linked from an ActionableError.
func (a *App) renderGuide(err error) {
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue == issue.None {
		return
	}
	guide := issue.Get(ae.Issue)
	if guide == nil {
		return
	}
	rendered, renderErr := guide.Render("auto")
	if renderErr != nil {
		return
	}
	fmt.Fprint(a.stderr, rendered)
}
