// SPDX-License-Identifier: MPL-2.0

// Package lockfile checks that a dependency lock agrees with its manifest.
//
// Two project kinds are supported: Cargo (Cargo.toml + Cargo.lock) and Go
// modules (go.mod + go.sum). A build must not start when the lock is missing
// or any manifest dependency is pinned outside its declared constraint;
// Check reports every offending dependency at once.
package lockfile
