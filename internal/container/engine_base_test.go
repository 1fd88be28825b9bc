// SPDX-License-Identifier: MPL-2.0

package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/aicalamba/aicalamba/internal/issue"
)

func TestBaseCLIEngine_BuildArgs(t *testing.T) {
	t.Parallel()

	engine := NewBaseCLIEngine("/usr/bin/docker")

	tests := []struct {
		name string
		opts BuildOptions
		want []string
	}{
		{
			name: "basic",
			opts: BuildOptions{ContextDir: "/src", Tag: "app:latest"},
			want: []string{"build", "-t", "app:latest", "/src"},
		},
		{
			name: "dockerfile joined with context",
			opts: BuildOptions{ContextDir: "/src", Dockerfile: "Dockerfile.aicalamba"},
			want: []string{"build", "-f", "/src/Dockerfile.aicalamba", "/src"},
		},
		{
			name: "absolute dockerfile kept",
			opts: BuildOptions{ContextDir: "/src", Dockerfile: "/tmp/Dockerfile"},
			want: []string{"build", "-f", "/tmp/Dockerfile", "/src"},
		},
		{
			name: "target, no-cache and pull",
			opts: BuildOptions{ContextDir: "/src", Tag: "app-deps:abc", Target: "deps", NoCache: true, Pull: true},
			want: []string{"build", "-t", "app-deps:abc", "--target", "deps", "--no-cache", "--pull", "/src"},
		},
		{
			name: "build args and labels sorted",
			opts: BuildOptions{
				ContextDir: "/src",
				BuildArgs:  map[string]string{"Z": "1", "A": "2"},
				Labels:     map[string]string{"org.aicalamba.source-key": "s", "org.aicalamba.deps-key": "d"},
			},
			want: []string{
				"build",
				"--build-arg", "A=2", "--build-arg", "Z=1",
				"--label", "org.aicalamba.deps-key=d", "--label", "org.aicalamba.source-key=s",
				"/src",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := engine.BuildArgs(tt.opts)
			if !slices.Equal(got, tt.want) {
				t.Errorf("BuildArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBaseCLIEngine_RunArgs_ForwardsCommandVerbatim(t *testing.T) {
	t.Parallel()

	engine := NewBaseCLIEngine("/usr/bin/podman")

	argv := []string{"--help", "", "two words", "--addr=0.0.0.0:3000", "$HOME"}
	got := engine.RunArgs(RunOptions{
		Image:   "aicalamba:latest",
		Command: argv,
		Remove:  true,
		Env:     map[string]string{"B": "2", "A": "1"},
	})

	want := append([]string{"run", "--rm", "-e", "A=1", "-e", "B=2", "aicalamba:latest"}, argv...)
	if !slices.Equal(got, want) {
		t.Errorf("RunArgs() = %q, want %q", got, want)
	}
	if slices.Contains(got, "--entrypoint") {
		t.Error("RunArgs() must not override the entrypoint unless asked")
	}
}

func TestBaseCLIEngine_RunArgs_Entrypoint(t *testing.T) {
	t.Parallel()

	got := NewBaseCLIEngine("docker").RunArgs(RunOptions{
		Image:      "debian:stable-slim",
		Entrypoint: "/bin/ls",
		Command:    []string{"/"},
		Stdin:      strings.NewReader(""),
	})
	want := []string{"run", "-i", "--entrypoint", "/bin/ls", "debian:stable-slim", "/"}
	if !slices.Equal(got, want) {
		t.Errorf("RunArgs() = %v, want %v", got, want)
	}
}

func TestBaseCLIEngine_RemoveArgs(t *testing.T) {
	t.Parallel()

	engine := NewBaseCLIEngine("docker")
	if got := engine.RemoveArgs("abc", true); !slices.Equal(got, []string{"rm", "-f", "abc"}) {
		t.Errorf("RemoveArgs() = %v", got)
	}
	if got := engine.RemoveImageArgs("app:1", false); !slices.Equal(got, []string{"rmi", "app:1"}) {
		t.Errorf("RemoveImageArgs() = %v", got)
	}
}

func TestBaseCLIEngine_Build(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	engine := recorder.Engine(t)

	var stdout bytes.Buffer
	recorder.Outputs["build"] = MockOutput{Stdout: "STEP 1/4: FROM rust"}
	err := engine.Build(context.Background(), BuildOptions{
		ContextDir: "/src",
		Tag:        "app:latest",
		Target:     "runtime",
		Stdout:     &stdout,
	})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if !recorder.HasArgPair("--target", "runtime") {
		t.Errorf("expected --target runtime, got %v", recorder.LastArgs())
	}
	if stdout.String() != "STEP 1/4: FROM rust" {
		t.Errorf("build output not streamed, got %q", stdout.String())
	}
}

func TestBaseCLIEngine_Build_Failure(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	recorder.Outputs["build"] = MockOutput{Stderr: "error[E0308]: mismatched types", ExitCode: 1}
	engine := recorder.Engine(t)

	var stderr bytes.Buffer
	err := engine.Build(context.Background(), BuildOptions{ContextDir: "/src", Tag: "app:latest", Stderr: &stderr})
	if err == nil {
		t.Fatal("expected build error")
	}

	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *issue.ActionableError, got %T", err)
	}
	if ae.Issue != issue.ImageBuildFailedId || ae.Resource != "app:latest" {
		t.Errorf("unexpected error context: %+v", ae)
	}
	if !strings.Contains(err.Error(), "mismatched types") {
		t.Errorf("error should carry the engine stderr, got %v", err)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Errorf("exit status should stay reachable, got %v", err)
	}
	if !strings.Contains(stderr.String(), "mismatched types") {
		t.Error("stderr should still be streamed to the caller")
	}
	if IsTransientError(err) {
		t.Error("a compile error is not transient")
	}
}

func TestBaseCLIEngine_Build_Validation(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	engine := recorder.Engine(t)

	if err := engine.Build(context.Background(), BuildOptions{}); !errors.Is(err, ErrInvalidBuildOptions) {
		t.Errorf("expected ErrInvalidBuildOptions, got %v", err)
	}
	if err := engine.Build(context.Background(), BuildOptions{ContextDir: ".", Tag: "bad tag"}); !errors.Is(err, ErrInvalidImageTag) {
		t.Errorf("expected ErrInvalidImageTag, got %v", err)
	}
	recorder.AssertInvocationCount(t, 0)
}

func TestBaseCLIEngine_Run_ExitCode(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	recorder.Outputs["run"] = MockOutput{Stdout: "usage: aicalamba", ExitCode: 3}
	engine := recorder.Engine(t)

	var stdout bytes.Buffer
	result, err := engine.Run(context.Background(), RunOptions{
		Image:   "aicalamba:latest",
		Command: []string{"--help"},
		Stdout:  &stdout,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.ExitCode != 3 || result.Error != nil {
		t.Errorf("Run() = %+v, want exit code 3 without infrastructure error", result)
	}
	if stdout.String() != "usage: aicalamba" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if got := recorder.LastArgs(); got[len(got)-1] != "--help" {
		t.Errorf("last argument = %q, want --help", got[len(got)-1])
	}
}

func TestBaseCLIEngine_Run_MissingBinary(t *testing.T) {
	t.Parallel()

	engine := NewBaseCLIEngine(filepath.Join(t.TempDir(), "no-such-engine"), WithName("docker"))
	result, err := engine.Run(context.Background(), RunOptions{Image: "x:1"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Error == nil || result.ExitCode != 1 {
		t.Errorf("expected infrastructure error, got %+v", result)
	}
}

func TestBaseCLIEngine_InspectImage(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	recorder.Outputs["image"] = MockOutput{Stdout: `[{
		"Id": "sha256:0123",
		"Config": {
			"Entrypoint": ["/usr/local/bin/aicalamba"],
			"Cmd": null,
			"Env": ["PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"],
			"WorkingDir": "/",
			"User": "10001"
		}
	}]`}
	engine := recorder.Engine(t)

	cfg, err := engine.InspectImage(context.Background(), "aicalamba:latest")
	if err != nil {
		t.Fatalf("InspectImage() error: %v", err)
	}
	if cfg.ID != "sha256:0123" {
		t.Errorf("ID = %q", cfg.ID)
	}
	if !slices.Equal(cfg.Entrypoint, []string{"/usr/local/bin/aicalamba"}) {
		t.Errorf("Entrypoint = %v", cfg.Entrypoint)
	}
	if cfg.Cmd != nil || cfg.User != "10001" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if !slices.Equal(recorder.LastArgs(), []string{"image", "inspect", "aicalamba:latest"}) {
		t.Errorf("args = %v", recorder.LastArgs())
	}
}

func TestParseImageInspect_Errors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "[]", "{not json"} {
		if _, err := parseImageInspect([]byte(in)); err == nil {
			t.Errorf("parseImageInspect(%q) should fail", in)
		}
	}
}

func writeTar(t *testing.T, names ...string) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		hdr := &tar.Header{Name: name, Mode: 0o644, Typeflag: tar.TypeReg}
		if strings.HasSuffix(name, "/") {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "export.tar")
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBaseCLIEngine_ListFiles(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	recorder.Outputs["create"] = MockOutput{Stdout: "f00dcafe\n"}
	recorder.Outputs["export"] = MockOutput{StdoutFile: writeTar(t,
		"usr/", "usr/local/bin/aicalamba", "./etc/ssl/certs/ca-certificates.crt", "bin/sh",
	)}
	engine := recorder.Engine(t)

	files, err := engine.ListFiles(context.Background(), "aicalamba:latest")
	if err != nil {
		t.Fatalf("ListFiles() error: %v", err)
	}
	want := []string{"/bin/sh", "/etc/ssl/certs/ca-certificates.crt", "/usr", "/usr/local/bin/aicalamba"}
	if !slices.Equal(files, want) {
		t.Errorf("ListFiles() = %v, want %v", files, want)
	}

	if subs := recorder.Subcommands(); !slices.Equal(subs, []string{"create", "export", "rm"}) {
		t.Errorf("subcommands = %v, want create, export, rm", subs)
	}
	if !recorder.HasArgPair("-f", "f00dcafe") {
		t.Errorf("container should be force-removed, got %v", recorder.LastArgs())
	}
}

func TestBaseCLIEngine_ListFiles_RemovesContainerOnExportFailure(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	recorder.Outputs["create"] = MockOutput{Stdout: "f00dcafe"}
	recorder.Outputs["export"] = MockOutput{Stderr: "no space left on device", ExitCode: 1}
	engine := recorder.Engine(t)

	if _, err := engine.ListFiles(context.Background(), "aicalamba:latest"); err == nil {
		t.Fatal("expected export error")
	}
	if subs := recorder.Subcommands(); len(subs) != 3 || subs[2] != "rm" {
		t.Errorf("container must be removed after a failed export, got %v", subs)
	}
}

func TestImageTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag  ImageTag
		repo string
	}{
		{"aicalamba:latest", "aicalamba"},
		{"aicalamba", "aicalamba"},
		{"localhost:5000/team/aicalamba:v1", "localhost:5000/team/aicalamba"},
		{"localhost:5000/team/aicalamba", "localhost:5000/team/aicalamba"},
	}
	for _, tt := range tests {
		if got := tt.tag.Repository(); got != tt.repo {
			t.Errorf("%q.Repository() = %q, want %q", tt.tag, got, tt.repo)
		}
	}
	if err := ImageTag("").Validate(); !errors.Is(err, ErrInvalidImageTag) {
		t.Errorf("empty tag should be invalid, got %v", err)
	}
}

func TestEngineNotAvailableError(t *testing.T) {
	t.Parallel()

	err := &EngineNotAvailableError{Engine: "podman", Reason: "not installed"}
	if err.Error() != "container engine 'podman' is not available: not installed" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrNoEngineAvailable) {
		t.Error("should unwrap to ErrNoEngineAvailable")
	}
}

func TestEngines_AvailableWithNoPath(t *testing.T) {
	t.Parallel()

	if (&DockerEngine{BaseCLIEngine: NewBaseCLIEngine("")}).Available() {
		t.Error("DockerEngine with empty path should not be available")
	}
	if (&PodmanEngine{BaseCLIEngine: NewBaseCLIEngine("")}).Available() {
		t.Error("PodmanEngine with empty path should not be available")
	}
}

func TestPodmanEngine_ImageExists(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		exitCode int
		want     bool
		wantErr  bool
	}{
		{"present", 0, true, false},
		{"absent", 1, false, false},
		{"engine failure", 125, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			recorder := NewMockCommandRecorder()
			recorder.Outputs["image"] = MockOutput{ExitCode: tt.exitCode}
			engine := NewPodmanEngine(WithBinaryPath("/usr/bin/podman"), WithExecCommand(recorder.ContextCommandFunc(t)))

			got, err := engine.ImageExists(context.Background(), "app-deps:0123456789ab")
			if got != tt.want || (err != nil) != tt.wantErr {
				t.Errorf("ImageExists() = %v, %v", got, err)
			}
			if !slices.Equal(recorder.LastArgs(), []string{"image", "exists", "app-deps:0123456789ab"}) {
				t.Errorf("args = %v", recorder.LastArgs())
			}
		})
	}
}

func TestDockerEngine_ImageExists(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	recorder.Outputs["image"] = MockOutput{Stderr: "No such image", ExitCode: 1}
	engine := recorder.Engine(t)

	got, err := engine.ImageExists(context.Background(), "app-deps:0123456789ab")
	if err != nil || got {
		t.Errorf("ImageExists() = %v, %v; want false, nil", got, err)
	}
}

func TestDockerEngine_Version(t *testing.T) {
	t.Parallel()

	recorder := NewMockCommandRecorder()
	recorder.Outputs["version"] = MockOutput{Stdout: "27.3.1\n"}
	engine := recorder.Engine(t)

	v, err := engine.Version(context.Background())
	if err != nil || v != "27.3.1" {
		t.Errorf("Version() = %q, %v", v, err)
	}
}
