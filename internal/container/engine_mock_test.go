// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
)

type (
	// MockCommandRecorder captures arguments passed to exec.Command for verification.
	// It uses the TestHelperProcess pattern to simulate command execution.
	MockCommandRecorder struct {
		mu sync.Mutex
		// Invocations records each call to the mock exec.Command
		Invocations []MockInvocation
		// Default is returned for subcommands without an entry in Outputs
		Default MockOutput
		// Outputs maps a subcommand (first argument) to its simulated result
		Outputs map[string]MockOutput
	}

	// MockOutput is what the helper process prints and how it exits.
	MockOutput struct {
		Stdout string
		// StdoutFile is copied to stdout; use it for binary output such as tar.
		StdoutFile string
		Stderr     string
		ExitCode   int
	}

	// MockInvocation represents a single invocation of exec.Command.
	MockInvocation struct {
		// Name is the command name (e.g., "docker", "podman")
		Name string
		// Args are the arguments passed to the command
		Args []string
	}
)

// NewMockCommandRecorder creates a new recorder with default settings (success, no output).
func NewMockCommandRecorder() *MockCommandRecorder {
	return &MockCommandRecorder{
		Invocations: make([]MockInvocation, 0),
		Outputs:     make(map[string]MockOutput),
	}
}

// ContextCommandFunc returns an ExecCommandFunc that records invocations and
// returns a command running TestHelperProcess.
func (m *MockCommandRecorder) ContextCommandFunc(t *testing.T) ExecCommandFunc {
	t.Helper()
	return func(_ context.Context, name string, args ...string) *exec.Cmd {
		m.mu.Lock()
		m.Invocations = append(m.Invocations, MockInvocation{Name: name, Args: args})
		out := m.Default
		if len(args) > 0 {
			if o, ok := m.Outputs[args[0]]; ok {
				out = o
			}
		}
		m.mu.Unlock()

		cs := []string{"-test.run=TestHelperProcess", "--", name}
		cs = append(cs, args...)
		//nolint:gosec // TestHelperProcess is a test-only pattern
		cmd := exec.Command(os.Args[0], cs...) //nolint:noctx // exec.Command used intentionally for test helper
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			fmt.Sprintf("GO_HELPER_EXIT_CODE=%d", out.ExitCode),
			"GO_HELPER_STDOUT=" + out.Stdout,
			"GO_HELPER_STDOUT_FILE=" + out.StdoutFile,
			"GO_HELPER_STDERR=" + out.Stderr,
		}
		return cmd
	}
}

// Engine returns a Docker engine wired to this recorder.
func (m *MockCommandRecorder) Engine(t *testing.T) *DockerEngine {
	t.Helper()
	return NewDockerEngine(WithBinaryPath("/usr/bin/docker"), WithExecCommand(m.ContextCommandFunc(t)))
}

// LastInvocation returns the most recent invocation, or nil if none.
func (m *MockCommandRecorder) LastInvocation() *MockInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Invocations) == 0 {
		return nil
	}
	return &m.Invocations[len(m.Invocations)-1]
}

// LastArgs returns the arguments from the most recent invocation.
func (m *MockCommandRecorder) LastArgs() []string {
	if inv := m.LastInvocation(); inv != nil {
		return inv.Args
	}
	return nil
}

// Subcommands returns the first argument of every invocation in order.
func (m *MockCommandRecorder) Subcommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]string, 0, len(m.Invocations))
	for _, inv := range m.Invocations {
		if len(inv.Args) > 0 {
			subs = append(subs, inv.Args[0])
		}
	}
	return subs
}

// AssertArgsContain verifies that the last invocation args contain the expected string.
func (m *MockCommandRecorder) AssertArgsContain(t *testing.T, expected string) {
	t.Helper()
	args := m.LastArgs()
	if !strings.Contains(strings.Join(args, " "), expected) {
		t.Errorf("expected args to contain %q, got: %v", expected, args)
	}
}

// AssertArgsNotContain verifies that the last invocation args do NOT contain the expected string.
func (m *MockCommandRecorder) AssertArgsNotContain(t *testing.T, unexpected string) {
	t.Helper()
	args := m.LastArgs()
	if strings.Contains(strings.Join(args, " "), unexpected) {
		t.Errorf("expected args to NOT contain %q, got: %v", unexpected, args)
	}
}

// AssertInvocationCount verifies the number of command invocations.
func (m *MockCommandRecorder) AssertInvocationCount(t *testing.T, expected int) {
	t.Helper()
	m.mu.Lock()
	got := len(m.Invocations)
	m.mu.Unlock()
	if got != expected {
		t.Errorf("expected %d invocations, got %d", expected, got)
	}
}

// HasArg checks if the last invocation contains a specific argument.
func (m *MockCommandRecorder) HasArg(arg string) bool {
	return slices.Contains(m.LastArgs(), arg)
}

// HasArgPair checks if the last invocation contains a flag-value pair (e.g., "-t", "myimage").
func (m *MockCommandRecorder) HasArgPair(flag, value string) bool {
	args := m.LastArgs()
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

// Reset clears all recorded invocations.
func (m *MockCommandRecorder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Invocations = m.Invocations[:0]
}

// TestHelperProcess is used by the mock to simulate command execution.
// It reads configuration from environment variables and outputs accordingly.
// This function should not be called directly - it is invoked by the mock.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	if stdout := os.Getenv("GO_HELPER_STDOUT"); stdout != "" {
		fmt.Fprint(os.Stdout, stdout)
	}

	if file := os.Getenv("GO_HELPER_STDOUT_FILE"); file != "" {
		f, err := os.Open(file)
		if err != nil {
			fmt.Fprint(os.Stderr, err)
			os.Exit(2)
		}
		_, _ = io.Copy(os.Stdout, f)
		_ = f.Close()
	}

	if stderr := os.Getenv("GO_HELPER_STDERR"); stderr != "" {
		fmt.Fprint(os.Stderr, stderr)
	}

	exitCode := 0
	if code := os.Getenv("GO_HELPER_EXIT_CODE"); code != "" {
		_, _ = fmt.Sscanf(code, "%d", &exitCode)
	}

	os.Exit(exitCode)
}

// TestMockCommandRecorder_Basic verifies the mock recorder works correctly.
func TestMockCommandRecorder_Basic(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	recorder.Default = MockOutput{Stdout: "version 1.0.0"}
	execCommand := recorder.ContextCommandFunc(t)

	cmd := execCommand(context.Background(), "docker", "build", "-t", "test:latest", ".")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stdout.String() != "version 1.0.0" {
		t.Errorf("stdout = %q", stdout.String())
	}

	recorder.AssertInvocationCount(t, 1)
	if !recorder.HasArgPair("-t", "test:latest") {
		t.Errorf("expected -t test:latest, got %v", recorder.LastArgs())
	}
}

// TestMockCommandRecorder_ExitCode verifies the mock can return exit codes.
func TestMockCommandRecorder_ExitCode(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	recorder.Outputs["build"] = MockOutput{Stderr: "build failed", ExitCode: 1}
	execCommand := recorder.ContextCommandFunc(t)

	if err := execCommand(context.Background(), "docker", "build").Run(); err == nil {
		t.Fatal("expected error for non-zero exit code")
	}
	if err := execCommand(context.Background(), "docker", "version").Run(); err != nil {
		t.Fatalf("version should use the default output, got %v", err)
	}
}
