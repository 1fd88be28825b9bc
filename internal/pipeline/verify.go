// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/aicalamba/aicalamba/internal/container"
	"github.com/aicalamba/aicalamba/internal/issue"
)

const (
	// RuleEntrypoint: the entry point must be exactly the artifact.
	RuleEntrypoint = "entrypoint"
	// RuleDefaultArgs: no CMD may add arguments the caller did not pass.
	RuleDefaultArgs = "default-args"
	// RuleArtifactMissing: the artifact is not in the image.
	RuleArtifactMissing = "artifact-missing"
	// RuleToolchainPresent: compiler or package-manager files leaked in.
	RuleToolchainPresent = "toolchain-present"
	// RuleSourcePresent: manifests, locks or sources leaked in.
	RuleSourcePresent = "source-present"
)

var (
	// toolchainDirs never exist in a runtime image.
	toolchainDirs = []string{"/usr/local/go", "/usr/local/cargo", "/usr/local/rustup", "/root/.cargo", "/root/.rustup", "/root/go"}
	// toolchainBinaries are matched by name inside any bin directory.
	toolchainBinaries = []string{"cargo", "rustc", "rustup", "go", "gofmt", "gcc", "cc", "ld"}
	// sourceFiles are manifest and lock names of every toolchain.
	sourceFiles = []string{"Cargo.toml", "Cargo.lock", "go.mod", "go.sum"}
	// sourceExts are source file extensions.
	sourceExts = []string{".rs", ".go"}
)

type (
	// Finding is one verification failure.
	Finding struct {
		Rule    string `json:"rule"`
		Path    string `json:"path,omitempty"`
		Message string `json:"message"`
	}

	// Verification is the result of inspecting a runtime image.
	Verification struct {
		Image    container.ImageTag `json:"image"`
		Files    int                `json:"files"`
		Findings []Finding          `json:"findings,omitempty"`
	}
)

// OK reports whether the image passed every rule.
func (v *Verification) OK() bool { return len(v.Findings) == 0 }

// Verify inspects image: the entry point must be the artifact alone, the
// artifact must exist, and neither toolchain nor sources may be present.
// Findings are returned in the Verification; the error reports only
// failures to inspect.
func (p *Pipeline) Verify(ctx context.Context, image container.ImageTag) (*Verification, error) {
	cfg, err := p.engine.InspectImage(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", image, err)
	}
	files, err := p.engine.ListFiles(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("failed to list files of %s: %w", image, err)
	}

	v := &Verification{Image: image, Files: len(files)}
	v.Findings = append(v.Findings, checkEntrypoint(cfg, p.config.Recipe.Runtime.ArtifactPath)...)
	v.Findings = append(v.Findings, checkFiles(files, p.config.Recipe)...)

	p.logger.Debug("verified image", "image", image, "files", v.Files, "findings", len(v.Findings))
	return v, nil
}

func checkEntrypoint(cfg *container.ImageConfig, artifact string) []Finding {
	var findings []Finding
	if !slices.Equal(cfg.Entrypoint, []string{artifact}) {
		findings = append(findings, Finding{
			Rule:    RuleEntrypoint,
			Message: fmt.Sprintf("entry point is %q, want [%q]", cfg.Entrypoint, artifact),
		})
	}
	if len(cfg.Cmd) > 0 {
		findings = append(findings, Finding{
			Rule:    RuleDefaultArgs,
			Message: fmt.Sprintf("image sets default arguments %q", cfg.Cmd),
		})
	}
	return findings
}

func checkFiles(files []string, recipe Recipe) []Finding {
	var findings []Finding
	artifact := recipe.Runtime.ArtifactPath
	workDir := path.Clean(recipe.Builder.WorkDir)

	if _, found := slices.BinarySearch(files, artifact); !found {
		findings = append(findings, Finding{
			Rule:    RuleArtifactMissing,
			Path:    artifact,
			Message: "artifact not found in image",
		})
	}

	for _, f := range files {
		if f == artifact {
			continue
		}
		if rule, msg := classify(f, workDir); rule != "" {
			findings = append(findings, Finding{Rule: rule, Path: f, Message: msg})
		}
	}
	return findings
}

// classify returns the rule a path violates, if any.
func classify(f, workDir string) (rule, msg string) {
	for _, dir := range toolchainDirs {
		if f == dir || strings.HasPrefix(f, dir+"/") {
			return RuleToolchainPresent, "toolchain directory"
		}
	}
	if path.Base(path.Dir(f)) == "bin" && slices.Contains(toolchainBinaries, path.Base(f)) {
		return RuleToolchainPresent, "toolchain executable"
	}

	if f == workDir || strings.HasPrefix(f, workDir+"/") || f == "/src" || strings.HasPrefix(f, "/src/") {
		return RuleSourcePresent, "build directory"
	}
	if slices.Contains(sourceFiles, path.Base(f)) {
		return RuleSourcePresent, "dependency manifest or lock"
	}
	if slices.Contains(sourceExts, path.Ext(f)) {
		return RuleSourcePresent, "source file"
	}
	return "", ""
}

// verifyError builds the actionable error for a failed verification.
func verifyError(v *Verification) error {
	rules := make([]string, 0, len(v.Findings))
	for _, f := range v.Findings {
		if !slices.Contains(rules, f.Rule) {
			rules = append(rules, f.Rule)
		}
	}
	return issue.NewErrorContext().
		WithOperation("verify runtime image").
		WithResource(v.Image.String()).
		WithIssue(issue.ImageVerifyFailedId).
		WithSuggestion("inspect the findings with `aicalamba image verify " + v.Image.String() + "`").
		Wrap(fmt.Errorf("%w: %d findings (%s)", ErrVerificationFailed, len(v.Findings), strings.Join(rules, ", "))).
		BuildError()
}
