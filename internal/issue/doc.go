// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable error handling with user-friendly messages.
//
// ActionableError carries the failed operation, the resource involved and
// remediation hints. Issue is a catalog of longer Markdown guides for the
// failures users hit most often (lock drift, missing container engine,
// missing API keys), rendered in the terminal with glamour.
package issue
