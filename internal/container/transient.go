// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// engineErrorExitCode is the status docker and podman use for their own
// failures, as opposed to a failing build step.
const engineErrorExitCode = 125

// stepFailureMarkers appear once a Dockerfile instruction has executed and
// failed. A stage that got this far is never run again.
var stepFailureMarkers = []string{
	"did not complete successfully", // buildkit
	"executor failed running",       // older buildkit
	"returned a non-zero code",      // legacy docker builder
	"building at STEP",              // podman/buildah
	"while running runtime: exit status",
}

// transientMarkers maps engine and registry output to the failure it
// signals. Every entry describes a failure before any build step ran.
// Matching is by substring on the error text.
var transientMarkers = []struct {
	marker string
	reason string
}{
	{"ping_group_range", "rootless podman race"},
	{"OCI runtime error", "OCI runtime"},
	{"error creating overlay mount", "storage driver"},
	{"error mounting layer", "storage driver"},
	{"toomanyrequests", "registry rate limit"},
	{"error pulling image configuration", "base image pull"},
	{"failed to resolve source metadata", "base image pull"},
	{"failed to do request", "base image pull"},
	{"Cannot connect to the Docker daemon", "engine unavailable"},
}

// TransientReason reports whether err is an engine or registry failure that
// happened before any build step executed, and names it. Failures of a step
// that ran (compilation, tests, dependency fetch inside RUN) are never
// transient, nor are cancellation and deadlines.
func TransientReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", false
	}

	msg := err.Error()
	for _, m := range stepFailureMarkers {
		if strings.Contains(msg, m) {
			return "", false
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == engineErrorExitCode {
		return "engine error", true
	}

	for _, m := range transientMarkers {
		if strings.Contains(msg, m.marker) {
			return m.reason, true
		}
	}
	return "", false
}

// IsTransientError reports whether err may succeed on retry.
func IsTransientError(err error) bool {
	_, ok := TransientReason(err)
	return ok
}
