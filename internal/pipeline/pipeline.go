// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/aicalamba/aicalamba/internal/container"
	"github.com/aicalamba/aicalamba/internal/fingerprint"
	"github.com/aicalamba/aicalamba/internal/lockfile"
)

const (
	// LabelBuildID carries the report's build ID on the runtime image.
	LabelBuildID = "io.aicalamba.build-id"
	// LabelDependencyKey carries the dependency key on both stages.
	LabelDependencyKey = "io.aicalamba.dependency-key"
	// LabelSourceKey carries the source key on the runtime image.
	LabelSourceKey = "io.aicalamba.source-key"

	dockerfileName = "Dockerfile"
)

// ErrVerificationFailed is wrapped when the runtime image breaks a rule.
var ErrVerificationFailed = errors.New("runtime image verification failed")

// Pipeline runs the two-stage build against a container engine.
type Pipeline struct {
	engine container.Engine
	config *Config
	logger *log.Logger
	now    func() time.Time
}

// New creates a Pipeline. A nil logger discards log output.
func New(engine container.Engine, cfg *Config, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Pipeline{
		engine: engine,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Config returns the pipeline's configuration.
func (p *Pipeline) Config() *Config {
	return p.config
}

// DepsTag returns the tag of the dependency stage for key:
// "<image repository>-deps:<first 12 hex digits>".
func (p *Pipeline) DepsTag(key fingerprint.Key) container.ImageTag {
	tag := fmt.Sprintf("%s-deps:%s", p.config.Image.Repository(), key.Short())
	if p.config.TagSuffix != "" {
		tag += "-" + p.config.TagSuffix
	}
	return container.ImageTag(tag)
}

// Build runs the pipeline: lock check, fingerprints, dependency stage,
// runtime stage, verification. The returned report is non-nil whenever the
// configuration was valid; its Image is empty unless the build succeeded.
func (p *Pipeline) Build(ctx context.Context) (*Report, error) {
	if err := p.config.Validate(); err != nil {
		return nil, err
	}

	cfg := p.config
	tc := cfg.Recipe.Builder.Toolchain
	report := newReport(cfg, p.now())
	logger := p.logger.With("build", report.BuildID[:8])

	// 1. The lock must agree with the manifest before anything is built.
	err := p.step(report, StepLockCheck, func() (StepStatus, error) {
		lr, err := lockfile.CheckKind(cfg.Dir, tc.Kind)
		report.Lock = lr
		return StatusOK, err
	})
	if err != nil {
		return report, err
	}
	logger.Info("lock file consistent", "kind", tc.Kind, "dependencies", report.Lock.Checked)

	// 2. Content keys.
	var depKey, srcKey fingerprint.Key
	err = p.step(report, StepFingerprint, func() (StepStatus, error) {
		var err error
		depKey, err = fingerprint.DependencyKey(
			filepath.Join(cfg.Dir, tc.ManifestFile()),
			filepath.Join(cfg.Dir, tc.LockFile()))
		if err != nil {
			return StatusFailed, err
		}
		srcKey, err = fingerprint.SourceKey(cfg.Dir)
		return StatusOK, err
	})
	if err != nil {
		return report, err
	}
	report.DependencyKey = depKey.String()
	report.SourceKey = srcKey.String()

	dockerfile, cleanup, err := p.writeDockerfile()
	if err != nil {
		return report, err
	}
	defer cleanup()

	// 3. Dependency stage, reused while manifest and lock are unchanged.
	depsTag := p.DepsTag(depKey)
	report.DepsImage = depsTag.String()
	err = p.step(report, StepDependencies, func() (StepStatus, error) {
		// --pull asks for fresh base images, so a keyed image built on an
		// older base is not reused.
		if !cfg.NoCache && !cfg.Pull {
			exists, existsErr := p.engine.ImageExists(ctx, depsTag)
			if existsErr != nil {
				logger.Debug("dependency image lookup failed, rebuilding", "image", depsTag, "error", existsErr)
			}
			if exists {
				report.CacheHit = true
				logger.Info("dependency stage cached", "image", depsTag)
				return StatusCached, nil
			}
		}
		logger.Info("building dependency stage", "image", depsTag)
		return StatusOK, p.buildStage(ctx, dockerfile, StageDeps, depsTag, map[string]string{
			LabelDependencyKey: depKey.String(),
		}, nil)
	})
	if err != nil {
		return report, err
	}

	// 4. Runtime stage. The builder starts from the keyed dependency image
	// so the fetch never runs again. A pulling build cannot name a local
	// tag and reuses the deps layers it rebuilt above instead.
	var buildArgs map[string]string
	if !cfg.Pull {
		buildArgs = map[string]string{DepsImageArg: depsTag.String()}
	}
	err = p.step(report, StepRuntime, func() (StepStatus, error) {
		logger.Info("building runtime image", "image", cfg.Image, "from", depsTag)
		return StatusOK, p.buildStage(ctx, dockerfile, StageRuntime, cfg.Image, map[string]string{
			LabelBuildID:       report.BuildID,
			LabelDependencyKey: depKey.String(),
			LabelSourceKey:     srcKey.String(),
		}, buildArgs)
	})
	if err != nil {
		return report, err
	}

	// 5. Verify, and never leave a bad image tagged.
	err = p.step(report, StepVerify, func() (StepStatus, error) {
		v, err := p.Verify(ctx, cfg.Image)
		if err != nil {
			return StatusFailed, err
		}
		report.Findings = v.Findings
		if !v.OK() {
			return StatusFailed, verifyError(v)
		}
		return StatusOK, nil
	})
	if err != nil {
		if rmErr := p.engine.RemoveImage(context.WithoutCancel(ctx), cfg.Image, true); rmErr != nil {
			logger.Warn("failed to remove rejected image", "image", cfg.Image, "error", rmErr)
		}
		return report, err
	}

	report.Image = cfg.Image.String()
	logger.Info("image ready", "image", cfg.Image, "cache_hit", report.CacheHit, "took", report.Total().Round(time.Millisecond))
	return report, nil
}

// Run starts image with args forwarded verbatim to the entry point and
// returns the container's exit code.
func (p *Pipeline) Run(ctx context.Context, image container.ImageTag, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	result, err := p.engine.Run(ctx, container.RunOptions{
		Image:   image,
		Command: args,
		Remove:  true,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err != nil {
		return 1, err
	}
	if result.Error != nil {
		return result.ExitCode, result.Error
	}
	return result.ExitCode, nil
}

// step times fn and appends its outcome to the report.
func (p *Pipeline) step(report *Report, name string, fn func() (StepStatus, error)) error {
	start := p.now()
	status, err := fn()
	s := Step{Name: name, Status: status, Duration: Duration(p.now().Sub(start))}
	if err != nil {
		s.Status = StatusFailed
		s.Error = err.Error()
		p.logger.Error("pipeline step failed", "step", name, "error", err)
	}
	report.Steps = append(report.Steps, s)
	return err
}

// buildStage builds one target. Only engine failures before any step ran
// are retried; a stage whose step failed is never rebuilt.
func (p *Pipeline) buildStage(ctx context.Context, dockerfile, target string, tag container.ImageTag, labels, buildArgs map[string]string) error {
	cfg := p.config
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	opts := container.BuildOptions{
		ContextDir: cfg.Dir,
		Dockerfile: dockerfile,
		Tag:        tag,
		Target:     target,
		Labels:     labels,
		BuildArgs:  buildArgs,
		NoCache:    cfg.NoCache,
		Pull:       cfg.Pull,
		Stdout:     out,
		Stderr:     out,
	}

	policy := container.RetryPolicy{
		Attempts:   cfg.BuildAttempts,
		Backoff:    cfg.RetryBackoff,
		MaxBackoff: maxRetryBackoff,
	}
	return container.Retry(ctx, policy, func(ctx context.Context) error {
		return p.engine.Build(ctx, opts)
	}, func(retry int, reason string, err error) {
		p.logger.Warn("transient build failure, retrying", "target", target, "retry", retry, "reason", reason, "error", err)
	})
}

// writeDockerfile renders the recipe into a fresh scratch directory.
func (p *Pipeline) writeDockerfile() (string, func(), error) {
	parent := p.config.ScratchDir
	if parent == "" {
		parent = scratchParent()
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	dir, err := os.MkdirTemp(parent, "build-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	cleanup := func() {
		_ = os.RemoveAll(dir) // Scratch dir; error non-critical
	}

	path := filepath.Join(dir, dockerfileName)
	if err := os.WriteFile(path, []byte(p.config.Recipe.Render()), 0o644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	return path, cleanup, nil
}

// scratchParent returns a directory the engine can read the rendered
// Dockerfile from. Snap-confined Docker cannot read /tmp or hidden
// directories, so a visible directory under $HOME comes first.
func scratchParent() string {
	if home, err := os.UserHomeDir(); err == nil {
		if _, statErr := os.Stat(home); statErr == nil {
			return filepath.Join(home, "aicalamba-build")
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, ".aicalamba-build")
	}
	return filepath.Join(os.TempDir(), "aicalamba-build")
}
