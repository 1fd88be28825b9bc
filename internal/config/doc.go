// SPDX-License-Identifier: MPL-2.0

// Package config handles application configuration using Viper with CUE as the file format.
//
// Configuration is loaded from ~/.config/aicalamba/config.cue (or the XDG, macOS or
// Windows equivalent), falling back to ./config.cue. Files are validated against an
// embedded CUE schema (config_schema.cue). A .env file in the working directory and
// the process environment override file values; OPENAI_KEY, APIFLASH_KEY and ADDR
// are honored alongside AICALAMBA_* variables.
package config
