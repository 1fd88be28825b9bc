// SPDX-License-Identifier: MPL-2.0

package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aicalamba/aicalamba/internal/issue"
)

const (
	// KindCargo is a Rust project managed by Cargo.
	KindCargo Kind = "cargo"
	// KindGoMod is a Go module.
	KindGoMod Kind = "gomod"
)

var (
	// ErrNoManifest is returned when a directory holds no supported manifest.
	ErrNoManifest = errors.New("no supported dependency manifest")

	// ErrLockMissing is returned when the manifest has no lock file beside it.
	ErrLockMissing = errors.New("dependency lock file is missing")

	// ErrLockMismatch is returned when a locked version violates the manifest.
	ErrLockMismatch = errors.New("dependency lock does not satisfy the manifest")

	// ErrInvalidKind is returned for an unknown project kind.
	ErrInvalidKind = errors.New("invalid project kind")
)

type (
	// Kind identifies the dependency manager of a project.
	Kind string

	// Mismatch describes one manifest dependency the lock does not satisfy.
	Mismatch struct {
		// Dependency is the package or module path
		Dependency string `json:"dependency"`
		// Constraint is the requirement declared in the manifest
		Constraint string `json:"constraint,omitempty"`
		// Locked lists the versions found in the lock for this dependency
		Locked []string `json:"locked,omitempty"`
		// Reason explains the failure in a few words
		Reason string `json:"reason"`
	}

	// Report is the outcome of a consistency check.
	Report struct {
		Kind     Kind   `json:"kind"`
		Manifest string `json:"manifest"`
		Lock     string `json:"lock"`
		// Checked is the number of manifest dependencies examined
		Checked    int        `json:"checked"`
		Mismatches []Mismatch `json:"mismatches,omitempty"`
	}

	// InvalidKindError is returned when a Kind value is not recognized.
	InvalidKindError struct {
		Value Kind
	}
)

// String returns the string representation of the Kind.
func (k Kind) String() string { return string(k) }

// IsValid returns whether the Kind is a known project kind.
func (k Kind) IsValid() (bool, []error) {
	switch k {
	case KindCargo, KindGoMod:
		return true, nil
	default:
		return false, []error{&InvalidKindError{Value: k}}
	}
}

// ManifestFile returns the manifest file name for the kind.
func (k Kind) ManifestFile() string {
	switch k {
	case KindCargo:
		return "Cargo.toml"
	case KindGoMod:
		return "go.mod"
	default:
		return ""
	}
}

// LockFile returns the lock file name for the kind.
func (k Kind) LockFile() string {
	switch k {
	case KindCargo:
		return "Cargo.lock"
	case KindGoMod:
		return "go.sum"
	default:
		return ""
	}
}

// Error implements the error interface.
func (e *InvalidKindError) Error() string {
	return fmt.Sprintf("invalid project kind %q (valid: cargo, gomod)", e.Value)
}

// Unwrap returns ErrInvalidKind for errors.Is() compatibility.
func (e *InvalidKindError) Unwrap() error { return ErrInvalidKind }

// OK reports whether the lock satisfied every manifest dependency.
func (r *Report) OK() bool { return len(r.Mismatches) == 0 }

// Summary returns a one-line description of the report.
func (r *Report) Summary() string {
	if r.OK() {
		return fmt.Sprintf("%s: %d dependencies satisfied by %s", r.Kind, r.Checked, filepath.Base(r.Lock))
	}
	names := make([]string, 0, len(r.Mismatches))
	for _, m := range r.Mismatches {
		names = append(names, m.Dependency)
	}
	return fmt.Sprintf("%s: %d of %d dependencies not satisfied: %s",
		r.Kind, len(r.Mismatches), r.Checked, strings.Join(names, ", "))
}

// Detect returns the project kind of dir. Cargo wins when both manifests exist.
func Detect(dir string) (Kind, error) {
	for _, k := range []Kind{KindCargo, KindGoMod} {
		if fileExists(filepath.Join(dir, k.ManifestFile())) {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w in %s (expected Cargo.toml or go.mod)", ErrNoManifest, dir)
}

// Check detects the project kind of dir and verifies its lock file.
func Check(dir string) (*Report, error) {
	kind, err := Detect(dir)
	if err != nil {
		return nil, err
	}
	return CheckKind(dir, kind)
}

// CheckKind verifies the lock file of dir for an explicit project kind.
// A non-nil report is returned whenever both files could be parsed, even
// when the error reports mismatches.
func CheckKind(dir string, kind Kind) (*Report, error) {
	if valid, errs := kind.IsValid(); !valid {
		return nil, errs[0]
	}

	report := &Report{
		Kind:     kind,
		Manifest: filepath.Join(dir, kind.ManifestFile()),
		Lock:     filepath.Join(dir, kind.LockFile()),
	}

	if !fileExists(report.Lock) {
		return nil, issue.NewErrorContext().
			WithOperation("check dependency lock").
			WithResource(report.Lock).
			WithIssue(issue.LockMissingId).
			WithSuggestion(fmt.Sprintf("generate %s and commit it next to %s", kind.LockFile(), kind.ManifestFile())).
			Wrap(ErrLockMissing).
			BuildError()
	}

	manifest, err := os.ReadFile(report.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	lock, err := os.ReadFile(report.Lock)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	switch kind {
	case KindCargo:
		err = checkCargo(report, manifest, lock)
	case KindGoMod:
		err = checkGoMod(report, manifest, lock)
	}
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("parse dependency files").
			WithResource(dir).
			Wrap(err).
			BuildError()
	}

	if !report.OK() {
		return report, issue.NewErrorContext().
			WithOperation("check dependency lock").
			WithResource(report.Lock).
			WithIssue(issue.LockMismatchId).
			WithSuggestion("refresh the lock file with the project's own tooling and commit it").
			Wrap(fmt.Errorf("%w: %s", ErrLockMismatch, report.Summary())).
			BuildError()
	}
	return report, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
