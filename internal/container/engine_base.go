// SPDX-License-Identifier: MPL-2.0

package container

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aicalamba/aicalamba/internal/issue"
)

// placeholderEntrypoint lets `create` accept images without CMD or
// ENTRYPOINT. The container is never started.
const placeholderEntrypoint = "/.aicalamba-export"

type (
	// ExecCommandFunc is the function signature for creating exec.Cmd.
	// This allows injection of mock implementations for testing.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine provides common implementation for CLI-based container engines.
	// Docker and Podman engines embed this struct. Methods that are identical across
	// both CLIs live here; engine-specific methods (Available, Version, ImageExists)
	// remain on the concrete types.
	BaseCLIEngine struct {
		name        string
		binaryPath  string
		execCommand ExecCommandFunc
	}
)

// --- Option Functions ---

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.name = name
	}
}

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

// WithBinaryPath overrides the binary found on PATH.
func WithBinaryPath(p string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.binaryPath = p
	}
}

// --- Constructor ---

// NewBaseCLIEngine creates a new base engine with the given binary path.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath:  binaryPath,
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns the path to the container engine binary.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// --- Argument Builders ---

// BuildArgs constructs arguments for a container build command.
// Map-valued options are emitted in key order so the command line is stable.
//
// Generated command: <binary> build [options] <context>
func (e *BaseCLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}

	if opts.Dockerfile != "" {
		// Relative Dockerfile paths are resolved against the context directory.
		dockerfilePath := opts.Dockerfile
		if !filepath.IsAbs(dockerfilePath) && opts.ContextDir != "" {
			dockerfilePath = filepath.Join(opts.ContextDir, dockerfilePath)
		}
		args = append(args, "-f", dockerfilePath)
	}

	if opts.Tag != "" {
		args = append(args, "-t", string(opts.Tag))
	}

	if opts.Target != "" {
		args = append(args, "--target", opts.Target)
	}

	if opts.NoCache {
		args = append(args, "--no-cache")
	}

	if opts.Pull {
		args = append(args, "--pull")
	}

	for _, k := range sortedKeys(opts.BuildArgs) {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}

	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}

	args = append(args, opts.ContextDir)

	return args
}

// RunArgs constructs arguments for a container run command. opts.Command
// follows the image untouched.
//
// Generated command: <binary> run [options] <image> [command...]
func (e *BaseCLIEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}

	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}

	if opts.Stdin != nil {
		args = append(args, "-i")
	}

	if opts.Entrypoint != "" {
		args = append(args, "--entrypoint", opts.Entrypoint)
	}

	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	args = append(args, string(opts.Image))
	args = append(args, opts.Command...)

	return args
}

// RemoveArgs constructs arguments for a container remove command.
func (e *BaseCLIEngine) RemoveArgs(containerID ContainerID, force bool) []string {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, string(containerID))
	return args
}

// RemoveImageArgs constructs arguments for an image remove command.
func (e *BaseCLIEngine) RemoveImageArgs(image ImageTag, force bool) []string {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, string(image))
	return args
}

// --- Command Execution ---

// RunCommandStatus executes a command and returns only the error status.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	cmd := e.CreateCommand(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(e.binaryPath, args, stderr.String(), err)
	}
	return nil
}

// RunCommandWithOutput executes a command with stdout captured to a buffer.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", commandError(e.binaryPath, args, stderr.String(), err)
	}

	return out.String(), nil
}

// CreateCommand creates an exec.Cmd for the given arguments.
// This is useful when the caller needs to customize stdin/stdout/stderr.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

// --- Promoted Engine Methods (shared by Docker and Podman) ---

// Build builds an image from a Dockerfile.
// It validates BuildOptions before executing to catch invalid fields early.
func (e *BaseCLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	cmd := e.CreateCommand(ctx, e.BuildArgs(opts)...)
	cmd.Stdout = opts.Stdout
	// Keep the tail of stderr for transient-error detection even when the
	// caller streams it elsewhere.
	tail := &tailBuffer{max: 8 << 10}
	if opts.Stderr != nil {
		cmd.Stderr = io.MultiWriter(opts.Stderr, tail)
	} else {
		cmd.Stderr = tail
	}

	if err := cmd.Run(); err != nil {
		return buildContainerError(e.name, opts, commandError(e.binaryPath, []string{"build"}, tail.String(), err))
	}

	return nil
}

// Run runs a container and returns the result.
// A non-zero exit code is captured in RunResult.ExitCode (not returned as error).
// Only infrastructure failures (binary not found, etc.) set RunResult.Error.
func (e *BaseCLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	cmd := e.CreateCommand(ctx, e.RunArgs(opts)...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	err := cmd.Run()

	result := &RunResult{}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			result.Error = runContainerError(e.name, opts, err)
		}
	}

	return result, nil
}

// Remove removes a container.
func (e *BaseCLIEngine) Remove(ctx context.Context, containerID ContainerID, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveArgs(containerID, force)...)
}

// RemoveImage removes an image.
func (e *BaseCLIEngine) RemoveImage(ctx context.Context, image ImageTag, force bool) error {
	if err := image.Validate(); err != nil {
		return err
	}
	return e.RunCommandStatus(ctx, e.RemoveImageArgs(image, force)...)
}

// InspectImage returns the runtime configuration of an image.
func (e *BaseCLIEngine) InspectImage(ctx context.Context, image ImageTag) (*ImageConfig, error) {
	if err := image.Validate(); err != nil {
		return nil, err
	}
	out, err := e.RunCommandWithOutput(ctx, "image", "inspect", string(image))
	if err != nil {
		return nil, err
	}
	return parseImageInspect([]byte(out))
}

// ListFiles exports a stopped container created from image and returns
// the cleaned absolute paths in its filesystem, sorted.
//
// Generated commands: create, export, rm -f
func (e *BaseCLIEngine) ListFiles(ctx context.Context, image ImageTag) (files []string, err error) {
	if err := image.Validate(); err != nil {
		return nil, err
	}

	out, err := e.RunCommandWithOutput(ctx, "create", "--entrypoint", placeholderEntrypoint, string(image))
	if err != nil {
		return nil, fmt.Errorf("create container from %s: %w", image, err)
	}
	id := ContainerID(strings.TrimSpace(lastLine(out)))
	if id == "" {
		return nil, fmt.Errorf("create container from %s: empty container id", image)
	}
	defer func() {
		// Use a fresh context so cleanup still runs after cancellation.
		if rmErr := e.Remove(context.WithoutCancel(ctx), id, true); rmErr != nil && err == nil {
			err = fmt.Errorf("remove container %s: %w", id, rmErr)
		}
	}()

	cmd := e.CreateCommand(ctx, "export", string(id))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, commandError(e.binaryPath, []string{"export"}, "", err)
	}

	files, listErr := ListTar(stdout)
	// Drain so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if listErr != nil {
		return nil, fmt.Errorf("read export of %s: %w", image, listErr)
	}
	if waitErr != nil {
		return nil, commandError(e.binaryPath, []string{"export"}, stderr.String(), waitErr)
	}
	return files, nil
}

// ListTar returns the cleaned absolute path of every entry in a tar stream,
// sorted. Directories carry no trailing slash.
func ListTar(r io.Reader) ([]string, error) {
	tr := tar.NewReader(r)
	var files []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		p := path.Clean("/" + strings.TrimPrefix(hdr.Name, "./"))
		if p == "/" {
			continue
		}
		files = append(files, p)
	}
	sort.Strings(files)
	return files, nil
}

// parseImageInspect reads the JSON array printed by `image inspect`.
// Docker and Podman both expose Id and Config at the top level.
func parseImageInspect(data []byte) (*ImageConfig, error) {
	var entries []struct {
		ID     string      `json:"Id"`
		Config ImageConfig `json:"Config"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse image inspect output: %w", err)
	}
	if len(entries) == 0 {
		return nil, errors.New("parse image inspect output: no images")
	}
	cfg := entries[0].Config
	cfg.ID = entries[0].ID
	return &cfg, nil
}

// --- Actionable Error Helpers ---

// buildContainerError creates an actionable error for container build failures.
func buildContainerError(engine string, opts BuildOptions, cause error) error {
	ctx := issue.NewErrorContext().
		WithOperation("build container image").
		WithIssue(issue.ImageBuildFailedId)

	switch {
	case opts.Target != "" && opts.Tag != "":
		ctx.WithResource(string(opts.Tag) + " (stage " + opts.Target + ")")
	case opts.Tag != "":
		ctx.WithResource(string(opts.Tag))
	case opts.Dockerfile != "":
		ctx.WithResource(opts.Dockerfile)
	default:
		ctx.WithResource(opts.ContextDir + "/Dockerfile")
	}

	ctx.WithSuggestion("Check the build output above for the failing step")
	ctx.WithSuggestion("Ensure base images are available (try: " + engine + " pull <base-image>)")
	ctx.WithSuggestion("Run with --verbose to see full build output")

	return ctx.Wrap(cause).BuildError()
}

// runContainerError creates an actionable error for container run failures.
func runContainerError(engine string, opts RunOptions, cause error) error {
	return issue.NewErrorContext().
		WithOperation("run container").
		WithResource(string(opts.Image)).
		WithSuggestion("Verify the image exists (try: " + engine + " images)").
		WithSuggestion("Run with --verbose to see full container output").
		Wrap(cause).
		BuildError()
}

// commandError keeps *exec.ExitError reachable via errors.As and appends
// the engine's stderr, which carries the useful diagnostics.
func commandError(binary string, args []string, stderr string, err error) error {
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("%s %s failed: %w: %s", filepath.Base(binary), sub, err, msg)
	}
	return fmt.Errorf("%s %s failed: %w", filepath.Base(binary), sub, err)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
