// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for aicalamba: the web service
// (serve), the image pipeline (image dockerfile|build|verify|run), the
// lock file check (lock check) and configuration management (config).
package cmd
