// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/aicalamba/aicalamba/internal/container"
)

const (
	// StageDeps copies the manifest and lock and fetches dependencies.
	StageDeps = "deps"
	// StageBuilder copies the source tree and compiles the release binary.
	StageBuilder = "builder"
	// StageRuntime is the final minimal image.
	StageRuntime = "runtime"

	// DepsImageArg names the build argument the builder stage starts from.
	// It defaults to the in-file deps stage; the pipeline points it at the
	// keyed dependency image.
	DepsImageArg = "DEPS_IMAGE"

	// DefaultWorkDir is the builder stage working directory.
	DefaultWorkDir = "/app"
	// DefaultRuntimeImage is the minimal OS layer of the runtime stage.
	DefaultRuntimeImage = "debian:bookworm-slim"
	// DefaultArtifactDir holds the executable in the runtime image.
	DefaultArtifactDir = "/usr/local/bin"
	// TrustStorePackage provides the CA certificate bundle.
	TrustStorePackage = "ca-certificates"
)

// ErrInvalidRecipe is the sentinel wrapped by InvalidRecipeError.
var ErrInvalidRecipe = errors.New("invalid build recipe")

var (
	binaryNamePattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	packageNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+$`)
	userPattern        = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*(:[A-Za-z0-9_][A-Za-z0-9_.-]*)?$`)
)

type (
	// BuilderStage compiles one release executable.
	BuilderStage struct {
		Toolchain *Toolchain
		// BaseImage defaults to the toolchain's builder image
		BaseImage string
		// WorkDir is the absolute directory the sources are copied to
		WorkDir string
		// BinaryName is the executable the release build produces
		BinaryName string
	}

	// RuntimeStage assembles the image the executable runs in.
	RuntimeStage struct {
		BaseImage string
		// Packages are installed with the trust store (the TLS runtime)
		Packages []string
		// ArtifactPath is where the executable lives; it is the entry point
		ArtifactPath string
		// User runs the executable when set ("name", "uid" or "uid:gid")
		User string
	}

	// Recipe is the complete two-stage build description.
	Recipe struct {
		Builder BuilderStage
		Runtime RuntimeStage
	}

	// InvalidRecipeError lists every problem found in a Recipe.
	InvalidRecipeError struct {
		FieldErrors []error
	}
)

// Error implements the error interface.
func (e *InvalidRecipeError) Error() string {
	msgs := make([]string, 0, len(e.FieldErrors))
	for _, err := range e.FieldErrors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("invalid build recipe: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidRecipe for errors.Is() compatibility.
func (e *InvalidRecipeError) Unwrap() error { return ErrInvalidRecipe }

// NewRecipe returns a recipe with the toolchain's defaults for binary.
func NewRecipe(tc *Toolchain, binary string) Recipe {
	packages := append([]string{TrustStorePackage}, tc.RuntimePackages...)
	return Recipe{
		Builder: BuilderStage{
			Toolchain:  tc,
			BaseImage:  tc.BuilderImage,
			WorkDir:    DefaultWorkDir,
			BinaryName: binary,
		},
		Runtime: RuntimeStage{
			BaseImage:    DefaultRuntimeImage,
			Packages:     packages,
			ArtifactPath: path.Join(DefaultArtifactDir, binary),
		},
	}
}

// BuilderArtifact returns the path of the executable inside the builder stage.
func (r Recipe) BuilderArtifact() string {
	return r.Builder.Toolchain.ArtifactPath(r.Builder.WorkDir, r.Builder.BinaryName)
}

// packages returns the runtime packages with the trust store first and
// duplicates removed.
func (r Recipe) packages() []string {
	out := []string{TrustStorePackage}
	seen := map[string]bool{TrustStorePackage: true}
	for _, p := range r.Runtime.Packages {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// installCommand installs the trust store and TLS runtime, refreshes the
// certificate bundle and drops the package lists.
func (r Recipe) installCommand() string {
	return "apt-get update" +
		" && apt-get install -y --no-install-recommends " + strings.Join(r.packages(), " ") +
		" && update-ca-certificates" +
		" && rm -rf /var/lib/apt/lists/*"
}

// Validate returns an InvalidRecipeError listing every invalid field.
func (r Recipe) Validate() error {
	var errs []error

	b := r.Builder
	if b.Toolchain == nil {
		return &InvalidRecipeError{FieldErrors: []error{errors.New("builder toolchain is required")}}
	}
	if err := container.ImageTag(b.BaseImage).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("builder image: %w", err))
	}
	if !path.IsAbs(b.WorkDir) || path.Clean(b.WorkDir) == "/" {
		errs = append(errs, fmt.Errorf("builder workdir %q must be an absolute directory other than /", b.WorkDir))
	}
	if !binaryNamePattern.MatchString(b.BinaryName) {
		errs = append(errs, fmt.Errorf("binary name %q is invalid", b.BinaryName))
	}

	rt := r.Runtime
	if err := container.ImageTag(rt.BaseImage).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("runtime image: %w", err))
	}
	if !path.IsAbs(rt.ArtifactPath) || strings.HasSuffix(rt.ArtifactPath, "/") {
		errs = append(errs, fmt.Errorf("artifact path %q must be an absolute file path", rt.ArtifactPath))
	} else if path.IsAbs(b.WorkDir) && strings.HasPrefix(rt.ArtifactPath, path.Clean(b.WorkDir)+"/") {
		errs = append(errs, fmt.Errorf("artifact path %q must not be under the builder workdir", rt.ArtifactPath))
	}
	for _, p := range rt.Packages {
		if !packageNamePattern.MatchString(p) {
			errs = append(errs, fmt.Errorf("runtime package %q is invalid", p))
		}
	}
	if rt.User != "" && !userPattern.MatchString(rt.User) {
		errs = append(errs, fmt.Errorf("runtime user %q is invalid", rt.User))
	}

	commands := map[string]string{
		"fetch":   b.Toolchain.FetchCommand,
		"build":   b.Toolchain.BuildCommand(b.BinaryName),
		"install": r.installCommand(),
	}
	for _, name := range []string{"fetch", "build", "install"} {
		if err := ValidateShell(commands[name]); err != nil {
			errs = append(errs, fmt.Errorf("%s command: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return &InvalidRecipeError{FieldErrors: errs}
	}
	return nil
}

// ValidateShell checks that cmd parses as a single POSIX shell program.
func ValidateShell(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return errors.New("empty command")
	}
	f, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(strings.NewReader(cmd), "")
	if err != nil {
		return err
	}
	if len(f.Stmts) != 1 {
		return fmt.Errorf("expected one statement, got %d", len(f.Stmts))
	}
	return nil
}

// Render returns the Dockerfile for the recipe. The output depends only on
// the recipe, so equal recipes render byte-identical files.
func (r Recipe) Render() string {
	b := r.Builder
	tc := b.Toolchain
	var sb strings.Builder

	sb.WriteString("# Generated by aicalamba; regenerate with `aicalamba image dockerfile --write`.\n\n")
	fmt.Fprintf(&sb, "ARG %s=%s\n\n", DepsImageArg, StageDeps)

	// Manifest and lock only, so this layer survives source-only changes.
	fmt.Fprintf(&sb, "FROM %s AS %s\n", b.BaseImage, StageDeps)
	fmt.Fprintf(&sb, "WORKDIR %s\n", b.WorkDir)
	for _, k := range sortedEnvKeys(tc.Env) {
		fmt.Fprintf(&sb, "ENV %s=%s\n", k, strconv.Quote(tc.Env[k]))
	}
	fmt.Fprintf(&sb, "COPY %s %s ./\n", tc.ManifestFile(), tc.LockFile())
	fmt.Fprintf(&sb, "RUN %s\n\n", tc.FetchCommand)

	fmt.Fprintf(&sb, "FROM ${%s} AS %s\n", DepsImageArg, StageBuilder)
	sb.WriteString("COPY . .\n")
	fmt.Fprintf(&sb, "RUN %s\n\n", tc.BuildCommand(b.BinaryName))

	rt := r.Runtime
	fmt.Fprintf(&sb, "FROM %s AS %s\n", rt.BaseImage, StageRuntime)
	fmt.Fprintf(&sb, "RUN %s\n", strings.ReplaceAll(r.installCommand(), " && ", " \\\n    && "))
	fmt.Fprintf(&sb, "COPY --from=%s %s %s\n", StageBuilder, r.BuilderArtifact(), rt.ArtifactPath)
	if rt.User != "" {
		fmt.Fprintf(&sb, "USER %s\n", rt.User)
	}
	fmt.Fprintf(&sb, "ENTRYPOINT [%s]\n", strconv.Quote(rt.ArtifactPath))

	return sb.String()
}

func sortedEnvKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
