// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"github.com/aicalamba/aicalamba/internal/lockfile"
)

const (
	// StepLockCheck verifies the lock against the manifest.
	StepLockCheck = "lock-check"
	// StepFingerprint computes the dependency and source keys.
	StepFingerprint = "fingerprint"
	// StepDependencies builds (or reuses) the deps stage.
	StepDependencies = "dependencies"
	// StepRuntime builds the runtime image.
	StepRuntime = "runtime"
	// StepVerify inspects the runtime image.
	StepVerify = "verify"

	// StatusOK marks a step that ran and succeeded.
	StatusOK StepStatus = "ok"
	// StatusCached marks a step satisfied by an existing image.
	StatusCached StepStatus = "cached"
	// StatusFailed marks the step that stopped the pipeline.
	StatusFailed StepStatus = "failed"
)

type (
	// StepStatus is the outcome of one pipeline step.
	StepStatus string

	// Duration marshals as a Go duration string ("1.5s").
	Duration time.Duration

	// Step records one pipeline step.
	Step struct {
		Name     string     `json:"name"`
		Status   StepStatus `json:"status"`
		Duration Duration   `json:"duration"`
		Error    string     `json:"error,omitempty"`
	}

	// Report describes one pipeline run.
	Report struct {
		BuildID       string           `json:"build_id"`
		Image         string           `json:"image,omitempty"`
		Toolchain     string           `json:"toolchain"`
		Binary        string           `json:"binary"`
		Artifact      string           `json:"artifact"`
		DependencyKey string           `json:"dependency_key,omitempty"`
		SourceKey     string           `json:"source_key,omitempty"`
		DepsImage     string           `json:"deps_image,omitempty"`
		CacheHit      bool             `json:"cache_hit"`
		StartedAt     time.Time        `json:"started_at"`
		Steps         []Step           `json:"steps"`
		Lock          *lockfile.Report `json:"lock,omitempty"`
		Findings      []Finding        `json:"findings,omitempty"`
	}
)

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func newReport(cfg *Config, started time.Time) *Report {
	r := &Report{
		BuildID:   uuid.NewString(),
		StartedAt: started.UTC(),
	}
	if tc := cfg.Recipe.Builder.Toolchain; tc != nil {
		r.Toolchain = tc.Name.String()
		r.Binary = cfg.Recipe.Builder.BinaryName
		r.Artifact = cfg.Recipe.Runtime.ArtifactPath
	}
	return r
}

// Succeeded reports whether every step passed and an image was produced.
func (r *Report) Succeeded() bool {
	if r.Image == "" {
		return false
	}
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			return false
		}
	}
	return true
}

// Total returns the summed duration of all steps.
func (r *Report) Total() time.Duration {
	var total time.Duration
	for _, s := range r.Steps {
		total += time.Duration(s.Duration)
	}
	return total
}

// YAML renders the report as YAML.
func (r *Report) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Markdown renders the report as a Markdown document.
func (r *Report) Markdown() string {
	var sb strings.Builder

	status := "succeeded"
	if !r.Succeeded() {
		status = "failed"
	}
	fmt.Fprintf(&sb, "# Build %s\n\n", status)
	fmt.Fprintf(&sb, "- **Build ID:** `%s`\n", r.BuildID)
	if r.Image != "" {
		fmt.Fprintf(&sb, "- **Image:** `%s`\n", r.Image)
	}
	fmt.Fprintf(&sb, "- **Toolchain:** %s (`%s` at `%s`)\n", r.Toolchain, r.Binary, r.Artifact)
	if r.DependencyKey != "" {
		fmt.Fprintf(&sb, "- **Dependency key:** `%s`\n", r.DependencyKey)
		fmt.Fprintf(&sb, "- **Source key:** `%s`\n", r.SourceKey)
	}
	cache := "miss"
	if r.CacheHit {
		cache = "hit"
	}
	fmt.Fprintf(&sb, "- **Dependency cache:** %s\n", cache)

	sb.WriteString("\n## Steps\n\n| Step | Status | Duration |\n|---|---|---|\n")
	for _, s := range r.Steps {
		fmt.Fprintf(&sb, "| %s | %s | %s |\n", s.Name, s.Status, time.Duration(s.Duration).Round(time.Millisecond))
	}

	if r.Lock != nil && !r.Lock.OK() {
		sb.WriteString("\n## Lock mismatches\n\n")
		for _, m := range r.Lock.Mismatches {
			fmt.Fprintf(&sb, "- `%s` %s: %s\n", m.Dependency, m.Constraint, m.Reason)
		}
	}

	if len(r.Findings) > 0 {
		sb.WriteString("\n## Verification findings\n\n")
		for _, f := range r.Findings {
			if f.Path != "" {
				fmt.Fprintf(&sb, "- **%s** `%s`: %s\n", f.Rule, f.Path, f.Message)
			} else {
				fmt.Fprintf(&sb, "- **%s**: %s\n", f.Rule, f.Message)
			}
		}
	}

	for _, s := range r.Steps {
		if s.Error != "" {
			fmt.Fprintf(&sb, "\n## Error\n\n```\n%s\n```\n", s.Error)
		}
	}

	return sb.String()
}

// RenderMarkdown renders the Markdown report for the terminal with a
// glamour style ("dark", "light", "notty", "auto").
func (r *Report) RenderMarkdown(style string) (string, error) {
	return glamour.Render(r.Markdown(), style)
}
