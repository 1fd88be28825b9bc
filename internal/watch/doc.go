// SPDX-License-Identifier: MPL-2.0

// Package watch rebuilds when a build context changes.
//
// A Watcher monitors a project directory, coalesces filesystem events over
// a debounce window and calls OnChange once per burst. Paths the project's
// .dockerignore excludes never trigger a rebuild, and a burst that leaves
// the context fingerprint unchanged (an editor re-saving a file, a touch)
// is dropped.
package watch
