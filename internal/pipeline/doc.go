// SPDX-License-Identifier: MPL-2.0

// Package pipeline builds minimal runtime images in two stages.
//
// The builder stage compiles one release executable from a dependency
// manifest, its lock file and a source tree. The manifest and lock are
// copied and fetched in their own "deps" stage first, so a source-only
// change reuses the fetched dependencies. The runtime stage copies only that
// executable onto a slim base with the CA trust store and TLS runtime, and
// makes it the exec-form entry point.
//
// A build runs strictly in order: lock check, cache keys, dependency stage,
// runtime stage, verification. Any failure stops the pipeline and no image
// is left tagged.
package pipeline
