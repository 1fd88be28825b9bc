// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aicalamba/aicalamba/internal/lockfile"
)

func newLockCommand(app *App) *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect dependency lock files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var dir string
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the lock file satisfies the manifest",
		Long: `Check that every dependency declared in the manifest (Cargo.toml or
go.mod) is satisfied by a version recorded in the lock file (Cargo.lock
or go.sum). The image build runs the same check before anything else.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := lockfile.Check(dir)
			if report != nil {
				printLockReport(app, report)
			}
			if err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	checkCmd.Flags().StringVar(&dir, "dir", ".", "project directory")

	lockCmd.AddCommand(checkCmd)
	return lockCmd
}

func printLockReport(app *App, report *lockfile.Report) {
	w := app.stdout
	if report.OK() {
		fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render("✓"), report.Summary())
		return
	}

	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("✗"), report.Summary())
	for _, m := range report.Mismatches {
		locked := SubtitleStyle.Render("(none)")
		if len(m.Locked) > 0 {
			locked = strings.Join(m.Locked, ", ")
		}
		fmt.Fprintf(w, "  %s %s: %s (locked: %s)\n",
			CmdStyle.Render(m.Dependency), m.Constraint, WarningStyle.Render(m.Reason), locked)
	}
}
