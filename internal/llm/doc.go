// SPDX-License-Identifier: MPL-2.0

// Package llm sends single-turn chat completions, optionally with inline
// images, and accounts for the tokens they cost.
package llm
