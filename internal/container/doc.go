// SPDX-License-Identifier: MPL-2.0

// Package container provides a unified abstraction layer for container engines (Docker/Podman).
//
// The Engine interface covers what the image pipeline needs: building a stage or a
// whole image, checking whether an image exists, inspecting its runtime configuration,
// listing its filesystem through an export, running it, and removing it.
// DockerEngine and PodmanEngine both embed BaseCLIEngine for shared CLI argument
// construction and command execution.
//
// Engine selection uses NewEngine(EngineType) with automatic fallback if the preferred engine
// is unavailable, or AutoDetectEngine() for preference-less detection (Podman is tried first).
//
// Only Linux images are supported.
package container
