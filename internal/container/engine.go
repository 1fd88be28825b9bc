// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// EngineTypePodman is the Podman CLI.
	EngineTypePodman EngineType = "podman"
	// EngineTypeDocker is the Docker CLI.
	EngineTypeDocker EngineType = "docker"
)

var (
	// ErrNoEngineAvailable is the sentinel wrapped by EngineNotAvailableError.
	ErrNoEngineAvailable = errors.New("no container engine available")

	// ErrInvalidImageTag is returned when an image reference is empty or malformed.
	ErrInvalidImageTag = errors.New("invalid image tag")

	// ErrInvalidBuildOptions is returned when BuildOptions lack required fields.
	ErrInvalidBuildOptions = errors.New("invalid build options")
)

type (
	// Engine defines the container operations the image pipeline needs.
	Engine interface {
		// Name returns the engine name (docker or podman)
		Name() string
		// Available checks if the engine is available on the system
		Available() bool
		// Version returns the engine version
		Version(ctx context.Context) (string, error)

		// Build builds an image (or one stage of it) from a Dockerfile
		Build(ctx context.Context, opts BuildOptions) error
		// Run runs an image and waits for it to exit
		Run(ctx context.Context, opts RunOptions) (*RunResult, error)
		// ImageExists checks if an image exists locally
		ImageExists(ctx context.Context, image ImageTag) (bool, error)
		// RemoveImage removes an image
		RemoveImage(ctx context.Context, image ImageTag, force bool) error
		// InspectImage returns the image's runtime configuration
		InspectImage(ctx context.Context, image ImageTag) (*ImageConfig, error)
		// ListFiles returns every path in the image's flattened filesystem
		ListFiles(ctx context.Context, image ImageTag) ([]string, error)
	}

	// EngineType identifies the container engine type.
	EngineType string

	// ImageTag is an image reference such as "aicalamba:latest".
	ImageTag string

	// ContainerID identifies a created container.
	ContainerID string

	// InvalidImageTagError is returned when an ImageTag is empty or contains whitespace.
	InvalidImageTagError struct {
		Value ImageTag
	}

	// BuildOptions contains options for building an image.
	BuildOptions struct {
		// ContextDir is the build context directory
		ContextDir string
		// Dockerfile is the path to the Dockerfile (relative to ContextDir)
		Dockerfile string
		// Tag is the image tag
		Tag ImageTag
		// Target stops the build at the named stage (--target)
		Target string
		// BuildArgs are build-time variables
		BuildArgs map[string]string
		// Labels are attached to the resulting image
		Labels map[string]string
		// NoCache disables the build cache
		NoCache bool
		// Pull always attempts to pull newer base images
		Pull bool
		// Stdout is where to write build output
		Stdout io.Writer
		// Stderr is where to write build errors
		Stderr io.Writer
	}

	// RunOptions contains options for running a container.
	RunOptions struct {
		// Image is the image to run
		Image ImageTag
		// Command is appended after the image unchanged; with an ENTRYPOINT
		// it becomes the entry point's arguments
		Command []string
		// Entrypoint overrides the image entry point when non-empty
		Entrypoint string
		// Env contains environment variables
		Env map[string]string
		// Remove automatically removes the container after exit
		Remove bool
		// Name is the container name
		Name string
		// Stdin is the standard input
		Stdin io.Reader
		// Stdout is where to write standard output
		Stdout io.Writer
		// Stderr is where to write standard error
		Stderr io.Writer
	}

	// RunResult contains the result of running a container.
	RunResult struct {
		// ContainerID is the container ID, when known
		ContainerID ContainerID
		// ExitCode is the process exit code
		ExitCode int
		// Error is set for infrastructure failures (binary missing, etc.)
		Error error
	}

	// ImageConfig is the subset of image metadata the pipeline verifies.
	ImageConfig struct {
		ID         string   `json:"Id"`
		Entrypoint []string `json:"Entrypoint"`
		Cmd        []string `json:"Cmd"`
		Env        []string `json:"Env"`
		WorkingDir string   `json:"WorkingDir"`
		User       string   `json:"User"`
	}

	// EngineNotAvailableError is returned when a container engine is not available.
	EngineNotAvailableError struct {
		Engine string
		Reason string
	}
)

// String returns the string representation of the ImageTag.
func (t ImageTag) String() string { return string(t) }

// Validate returns an error if the ImageTag is empty or contains whitespace.
func (t ImageTag) Validate() error {
	if t == "" || strings.ContainsAny(string(t), " \t\n") {
		return &InvalidImageTagError{Value: t}
	}
	return nil
}

// Repository returns the tag without its ":tag" suffix. Registry ports
// ("host:5000/app") are preserved.
func (t ImageTag) Repository() string {
	s := string(t)
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		return s[:i]
	}
	return s
}

// Error implements the error interface.
func (e *InvalidImageTagError) Error() string {
	return fmt.Sprintf("invalid image tag %q: must be non-empty without whitespace", e.Value)
}

// Unwrap returns ErrInvalidImageTag for errors.Is() compatibility.
func (e *InvalidImageTagError) Unwrap() error { return ErrInvalidImageTag }

// Validate checks the options a build cannot proceed without.
func (o BuildOptions) Validate() error {
	if o.ContextDir == "" {
		return fmt.Errorf("%w: context directory is required", ErrInvalidBuildOptions)
	}
	if o.Tag != "" {
		if err := o.Tag.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the options a run cannot proceed without.
func (o RunOptions) Validate() error {
	return o.Image.Validate()
}

// Error implements the error interface.
func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrNoEngineAvailable for errors.Is() compatibility.
func (e *EngineNotAvailableError) Unwrap() error { return ErrNoEngineAvailable }

// NewEngine creates a new container engine based on preference, falling
// back to the other engine when the preferred one is unavailable.
func NewEngine(preferredType EngineType, opts ...BaseCLIEngineOption) (Engine, error) {
	switch preferredType {
	case EngineTypePodman:
		engine := NewPodmanEngine(opts...)
		if engine.Available() {
			return engine, nil
		}
		dockerEngine := NewDockerEngine(opts...)
		if dockerEngine.Available() {
			return dockerEngine, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: "podman",
			Reason: "podman is not installed or not accessible, and docker fallback is also not available",
		}

	case EngineTypeDocker:
		engine := NewDockerEngine(opts...)
		if engine.Available() {
			return engine, nil
		}
		podmanEngine := NewPodmanEngine(opts...)
		if podmanEngine.Available() {
			return podmanEngine, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: "docker",
			Reason: "docker is not installed or not accessible, and podman fallback is also not available",
		}

	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferredType)
	}
}

// AutoDetectEngine tries to find an available container engine.
func AutoDetectEngine(opts ...BaseCLIEngineOption) (Engine, error) {
	// Podman first: rootless setups rarely have a Docker daemon
	podman := NewPodmanEngine(opts...)
	if podman.Available() {
		return podman, nil
	}

	docker := NewDockerEngine(opts...)
	if docker.Available() {
		return docker, nil
	}

	return nil, &EngineNotAvailableError{
		Engine: "any",
		Reason: "no container engine (podman or docker) is available on this system",
	}
}
