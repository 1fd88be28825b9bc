// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aicalamba/aicalamba/internal/container"
	"github.com/aicalamba/aicalamba/internal/fingerprint"
	"github.com/aicalamba/aicalamba/internal/issue"
	"github.com/aicalamba/aicalamba/internal/lockfile"
	"github.com/aicalamba/aicalamba/internal/testutil"
)

const (
	testImage container.ImageTag = "hello:test"

	helloManifest = `[package]
name = "hello"
version = "0.1.0"
edition = "2021"

[dependencies]
serde = "1"
`
	helloLock = `version = 3

[[package]]
name = "hello"
version = "0.1.0"

[[package]]
name = "serde"
version = "1.0.197"
source = "registry+https://github.com/rust-lang/crates.io-index"
`
)

// writeHelloProject creates a small Cargo project and returns its directory.
func writeHelloProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	testutil.MustWriteFiles(t, dir, map[string]string{
		"Cargo.toml":    helloManifest,
		"Cargo.lock":    helloLock,
		"src/main.rs":   "fn main() { println!(\"hello\"); }\n",
		".dockerignore": "target\n",
	})
	return dir
}

// cleanRuntimeFiles is the listing of a well-formed runtime image.
func cleanRuntimeFiles(extra ...string) []string {
	files := append([]string{
		"/bin",
		"/etc/ssl/certs/ca-certificates.crt",
		"/usr/lib/x86_64-linux-gnu/libssl.so.3",
		"/usr/local/bin",
		"/usr/local/bin/hello",
		"/usr/share/doc/gcc-12-base/copyright",
		"/usr/src",
	}, extra...)
	sort.Strings(files)
	return files
}

func newTestPipeline(t *testing.T, dir string, opts ...Option) (*Pipeline, *fakeEngine) {
	t.Helper()

	recipe, err := RecipeFor(dir, "", "", "")
	if err != nil {
		t.Fatalf("RecipeFor() error: %v", err)
	}

	engine := newFakeEngine()
	engine.inspect = &container.ImageConfig{Entrypoint: []string{"/usr/local/bin/hello"}}
	engine.files = cleanRuntimeFiles()

	opts = append([]Option{WithScratchDir(t.TempDir()), WithRetry(3, time.Millisecond)}, opts...)
	return New(engine, NewConfig(dir, testImage, recipe, opts...), nil), engine
}

func stepNames(r *Report) []string {
	names := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		names = append(names, s.Name)
	}
	return names
}

func TestBuild_Success(t *testing.T) {
	t.Parallel()

	p, engine := newTestPipeline(t, writeHelloProject(t))

	report, err := p.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if report.Image != testImage.String() || !report.Succeeded() {
		t.Errorf("report = %+v", report)
	}
	wantSteps := []string{StepLockCheck, StepFingerprint, StepDependencies, StepRuntime, StepVerify}
	if got := stepNames(report); !slices.Equal(got, wantSteps) {
		t.Errorf("steps = %v, want %v", got, wantSteps)
	}
	if got := engine.buildTargets(); !slices.Equal(got, []string{StageDeps, StageRuntime}) {
		t.Errorf("build targets = %v", got)
	}
	if report.CacheHit {
		t.Error("first build cannot be a cache hit")
	}

	deps := engine.builds[0]
	wantDepsTag := container.ImageTag("hello-deps:" + report.DependencyKey[:12])
	if deps.Tag != wantDepsTag {
		t.Errorf("deps tag = %q, want %q", deps.Tag, wantDepsTag)
	}
	if !filepath.IsAbs(deps.Dockerfile) || filepath.Base(deps.Dockerfile) != "Dockerfile" {
		t.Errorf("Dockerfile = %q", deps.Dockerfile)
	}

	runtime := engine.builds[1]
	if runtime.Tag != testImage {
		t.Errorf("runtime tag = %q", runtime.Tag)
	}
	if runtime.Labels[LabelBuildID] != report.BuildID || runtime.Labels[LabelSourceKey] != report.SourceKey {
		t.Errorf("runtime labels = %v", runtime.Labels)
	}
	if report.Lock == nil || report.Lock.Checked != 1 {
		t.Errorf("lock report = %+v", report.Lock)
	}

	// The scratch Dockerfile is gone after the build.
	if _, err := os.Stat(deps.Dockerfile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("scratch Dockerfile still present: %v", err)
	}
}

func TestBuild_ReportTiming(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 10, 19, 8, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	clock := testutil.NewFakeClock(start)
	p, _ := newTestPipeline(t, writeHelloProject(t))
	p.now = clock.Tick(time.Second)

	report, err := p.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if !report.StartedAt.Equal(start) || report.StartedAt.Location() != time.UTC {
		t.Errorf("StartedAt = %v, want %v in UTC", report.StartedAt, start)
	}
	for _, s := range report.Steps {
		if time.Duration(s.Duration) != time.Second {
			t.Errorf("step %s took %v, want 1s", s.Name, time.Duration(s.Duration))
		}
	}
	if got := report.Total(); got != time.Duration(len(report.Steps))*time.Second {
		t.Errorf("Total() = %v", got)
	}
}

func TestBuild_SourceChangeReusesDependencies(t *testing.T) {
	t.Parallel()

	dir := writeHelloProject(t)
	p, engine := newTestPipeline(t, dir)

	first, err := p.Build(context.Background())
	if err != nil {
		t.Fatalf("first Build() error: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "src", "main.rs"), []byte("fn main() { println!(\"changed\"); }\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := p.Build(context.Background())
	if err != nil {
		t.Fatalf("second Build() error: %v", err)
	}

	if !second.CacheHit {
		t.Error("a source-only change must reuse the dependency stage")
	}
	if second.DependencyKey != first.DependencyKey {
		t.Error("dependency key changed on a source-only edit")
	}
	if second.SourceKey == first.SourceKey {
		t.Error("source key did not change")
	}
	if second.BuildID == first.BuildID {
		t.Error("build IDs must be unique")
	}
	// deps, runtime, then runtime only.
	if got := engine.buildTargets(); !slices.Equal(got, []string{StageDeps, StageRuntime, StageRuntime}) {
		t.Errorf("build targets = %v", got)
	}
	if got := engine.builds[2].BuildArgs[DepsImageArg]; got != second.DepsImage {
		t.Errorf("runtime build %s = %q, want %q", DepsImageArg, got, second.DepsImage)
	}
	if second.Steps[2].Status != StatusCached {
		t.Errorf("dependencies step status = %q", second.Steps[2].Status)
	}
}

func TestBuild_RuntimeStartsFromKeyedDepsImage(t *testing.T) {
	t.Parallel()

	p, engine := newTestPipeline(t, writeHelloProject(t))

	// The keyed image already exists; the engine's own layer cache does not.
	depKey, err := fingerprint.DependencyKey(
		filepath.Join(p.config.Dir, "Cargo.toml"),
		filepath.Join(p.config.Dir, "Cargo.lock"))
	if err != nil {
		t.Fatal(err)
	}
	depsTag := p.DepsTag(depKey)
	engine.images[depsTag] = true

	report, err := p.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if !report.CacheHit {
		t.Fatal("expected a dependency cache hit")
	}
	if len(engine.builds) != 1 {
		t.Fatalf("builds = %d, want runtime only", len(engine.builds))
	}
	runtime := engine.builds[0]
	if runtime.Target != StageRuntime {
		t.Fatalf("target = %q, want %q", runtime.Target, StageRuntime)
	}
	if got := runtime.BuildArgs[DepsImageArg]; got != depsTag.String() {
		t.Errorf("%s = %q, want %q", DepsImageArg, got, depsTag)
	}
}

func TestBuild_PullRebuildsDependencies(t *testing.T) {
	t.Parallel()

	p, engine := newTestPipeline(t, writeHelloProject(t), WithPull(true))

	for range 2 {
		report, err := p.Build(context.Background())
		if err != nil {
			t.Fatalf("Build() error: %v", err)
		}
		if report.CacheHit {
			t.Error("a pulling build must not reuse a keyed image built on an older base")
		}
	}
	if got := engine.buildTargets(); !slices.Equal(got, []string{StageDeps, StageRuntime, StageDeps, StageRuntime}) {
		t.Errorf("build targets = %v", got)
	}
	for _, b := range engine.builds {
		if _, ok := b.BuildArgs[DepsImageArg]; ok {
			t.Errorf("pulling %s build names local image %s", b.Target, b.BuildArgs[DepsImageArg])
		}
	}
}

func TestBuild_NoCacheRebuildsDependencies(t *testing.T) {
	t.Parallel()

	p, engine := newTestPipeline(t, writeHelloProject(t), WithNoCache(true))

	if _, err := p.Build(context.Background()); err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	report, err := p.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if report.CacheHit {
		t.Error("NoCache must never report a cache hit")
	}
	if got := engine.buildTargets(); !slices.Equal(got, []string{StageDeps, StageRuntime, StageDeps, StageRuntime}) {
		t.Errorf("build targets = %v", got)
	}
	for _, b := range engine.builds {
		if !b.NoCache {
			t.Errorf("build %s without --no-cache", b.Target)
		}
	}
}

func TestBuild_LockMismatchStopsBeforeAnyBuild(t *testing.T) {
	t.Parallel()

	dir := writeHelloProject(t)
	lock := strings.Replace(helloLock, `version = "1.0.197"`, `version = "0.9.15"`, 1)
	if err := os.WriteFile(filepath.Join(dir, "Cargo.lock"), []byte(lock), 0o644); err != nil {
		t.Fatal(err)
	}
	p, engine := newTestPipeline(t, dir)

	report, err := p.Build(context.Background())
	if !errors.Is(err, lockfile.ErrLockMismatch) {
		t.Fatalf("Build() error = %v, want ErrLockMismatch", err)
	}
	if len(engine.builds) != 0 {
		t.Errorf("no build may start after a lock mismatch, got %v", engine.buildTargets())
	}
	if len(report.Steps) != 1 || report.Steps[0].Status != StatusFailed {
		t.Errorf("steps = %+v", report.Steps)
	}
	if report.Lock == nil || report.Lock.Mismatches[0].Dependency != "serde" {
		t.Errorf("lock report = %+v", report.Lock)
	}
}

func TestBuild_LockMissing(t *testing.T) {
	t.Parallel()

	dir := writeHelloProject(t)
	if err := os.Remove(filepath.Join(dir, "Cargo.lock")); err != nil {
		t.Fatal(err)
	}
	p, engine := newTestPipeline(t, dir)

	if _, err := p.Build(context.Background()); !errors.Is(err, lockfile.ErrLockMissing) {
		t.Fatalf("Build() error = %v, want ErrLockMissing", err)
	}
	if len(engine.builds) != 0 {
		t.Error("no build may start without a lock file")
	}
}

func TestBuild_CompileFailureProducesNoImage(t *testing.T) {
	t.Parallel()

	p, engine := newTestPipeline(t, writeHelloProject(t))
	compileErr := errors.New("error[E0425]: cannot find value `x` in this scope")
	engine.buildErrs[StageRuntime] = []error{compileErr}

	report, err := p.Build(context.Background())
	if !errors.Is(err, compileErr) {
		t.Fatalf("Build() error = %v", err)
	}
	if report.Image != "" || report.Succeeded() {
		t.Errorf("failed build must not report an image: %+v", report)
	}
	if engine.images[testImage] {
		t.Error("runtime image must not exist after a compile failure")
	}
	if got := stepNames(report); slices.Contains(got, StepVerify) {
		t.Errorf("verify must not run after a failed build: %v", got)
	}
}

func TestBuild_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	p, engine := newTestPipeline(t, writeHelloProject(t))
	engine.buildErrs[StageDeps] = []error{errors.New("toomanyrequests: You have reached your pull rate limit")}

	if _, err := p.Build(context.Background()); err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if got := engine.buildTargets(); !slices.Equal(got, []string{StageDeps, StageDeps, StageRuntime}) {
		t.Errorf("build targets = %v", got)
	}
}

func TestBuild_FailedStepRunsOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		stage string
		err   error
	}{
		{
			name:  "syntax error mentioning EOF",
			stage: StageRuntime,
			err: errors.New(`failed to solve: process "/bin/sh -c cargo build --release" did not complete successfully: exit code: 101` +
				"\nsrc/main.rs:9:1: error: unexpected EOF"),
		},
		{
			name:  "network error inside a step",
			stage: StageDeps,
			err: errors.New(`process "/bin/sh -c cargo fetch --locked" did not complete successfully: exit code: 101` +
				"\nwarning: spurious network error: i/o timeout"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, engine := newTestPipeline(t, writeHelloProject(t))
			// A second error would be consumed by a rerun.
			engine.buildErrs[tt.stage] = []error{tt.err, tt.err}

			if _, err := p.Build(context.Background()); !errors.Is(err, tt.err) {
				t.Fatalf("Build() error = %v, want %v", err, tt.err)
			}
			var count int
			for _, target := range engine.buildTargets() {
				if target == tt.stage {
					count++
				}
			}
			if count != 1 {
				t.Errorf("stage %s built %d times, want exactly once", tt.stage, count)
			}
		})
	}
}

func TestBuild_VerificationFailureRemovesImage(t *testing.T) {
	t.Parallel()

	p, engine := newTestPipeline(t, writeHelloProject(t))
	engine.files = cleanRuntimeFiles("/usr/local/cargo/bin/cargo", "/app/src/main.rs")

	report, err := p.Build(context.Background())
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Build() error = %v, want ErrVerificationFailed", err)
	}
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue != issue.ImageVerifyFailedId {
		t.Errorf("error should carry ImageVerifyFailedId")
	}
	if !slices.Contains(engine.removed, testImage) {
		t.Errorf("rejected image must be removed, removed = %v", engine.removed)
	}
	if report.Image != "" {
		t.Errorf("Image = %q, want empty", report.Image)
	}
	if len(report.Findings) < 2 {
		t.Errorf("findings = %+v", report.Findings)
	}
}

func TestBuild_InvalidConfig(t *testing.T) {
	t.Parallel()

	p, engine := newTestPipeline(t, writeHelloProject(t))
	p.config.Image = "has space"

	if _, err := p.Build(context.Background()); !errors.Is(err, container.ErrInvalidImageTag) {
		t.Fatalf("Build() error = %v", err)
	}
	if len(engine.builds) != 0 {
		t.Error("invalid config must not reach the engine")
	}
}

func TestDepsTag(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, writeHelloProject(t), WithTagSuffix("t1"))
	p.config.Image = "registry.local:5000/team/hello:1.2"

	got := p.DepsTag("0123456789abcdef0123")
	if got != "registry.local:5000/team/hello-deps:0123456789ab-t1" {
		t.Errorf("DepsTag() = %q", got)
	}
}

func TestRun_ForwardsArgumentsVerbatim(t *testing.T) {
	t.Parallel()

	p, engine := newTestPipeline(t, writeHelloProject(t))
	engine.runResult = &container.RunResult{ExitCode: 3}

	args := []string{"--help", "two words", "", "$HOME"}
	var stdout bytes.Buffer
	code, err := p.Run(context.Background(), testImage, args, nil, &stdout, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}

	got := engine.runs[0]
	if !slices.Equal(got.Command, args) {
		t.Errorf("Command = %q, want %q", got.Command, args)
	}
	if got.Entrypoint != "" {
		t.Errorf("Entrypoint overridden with %q", got.Entrypoint)
	}
	if !got.Remove || got.Stdout != &stdout {
		t.Errorf("run options = %+v", got)
	}
}

func TestRun_InfrastructureError(t *testing.T) {
	t.Parallel()

	p, engine := newTestPipeline(t, writeHelloProject(t))
	infraErr := errors.New("docker: not found")
	engine.runResult = &container.RunResult{ExitCode: 1, Error: infraErr}

	code, err := p.Run(context.Background(), testImage, nil, nil, nil, nil)
	if !errors.Is(err, infraErr) || code != 1 {
		t.Errorf("Run() = %d, %v", code, err)
	}
}
