// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"

	"github.com/aicalamba/aicalamba/internal/lockfile"
)

const (
	// ToolchainCargo builds Rust projects.
	ToolchainCargo ToolchainName = "cargo"
	// ToolchainGo builds Go modules.
	ToolchainGo ToolchainName = "go"
)

// ErrInvalidToolchain is returned for an unknown toolchain name.
var ErrInvalidToolchain = errors.New("invalid toolchain")

type (
	// ToolchainName identifies a toolchain profile.
	ToolchainName string

	// Toolchain describes how one language ecosystem fetches and compiles.
	Toolchain struct {
		Name ToolchainName
		// Kind selects the manifest and lock file pair
		Kind lockfile.Kind
		// BuilderImage is the default image of the deps and builder stages
		BuilderImage string
		// FetchCommand downloads the locked dependency set. It runs with
		// only the manifest and lock present.
		FetchCommand string
		// Env is set in the builder stages
		Env map[string]string
		// RuntimePackages is the TLS runtime installed next to ca-certificates
		RuntimePackages []string
		// buildCommand returns the release build command for a binary
		buildCommand func(binary string) string
		// artifactDir is where the release build writes, relative to WorkDir
		artifactDir string
	}

	// InvalidToolchainError is returned when a toolchain name is not recognized.
	InvalidToolchainError struct {
		Value ToolchainName
	}
)

var toolchains = map[ToolchainName]*Toolchain{
	ToolchainCargo: {
		Name:         ToolchainCargo,
		Kind:         lockfile.KindCargo,
		BuilderImage: "rust:1-bookworm",
		// Cargo refuses to read a manifest without a target, so a
		// placeholder main.rs exists only while fetching.
		FetchCommand:    "mkdir -p src && touch src/main.rs && cargo fetch --locked && rm -rf src",
		RuntimePackages: []string{"libssl3"},
		buildCommand: func(binary string) string {
			return "cargo build --release --locked --bin " + binary
		},
		artifactDir: "target/release",
	},
	ToolchainGo: {
		Name:         ToolchainGo,
		Kind:         lockfile.KindGoMod,
		BuilderImage: "golang:1.25-bookworm",
		FetchCommand: "go mod download && go mod verify",
		Env:          map[string]string{"CGO_ENABLED": "0", "GOFLAGS": "-mod=readonly"},
		buildCommand: func(binary string) string {
			return `go build -trimpath -ldflags="-s -w" -o bin/` + binary + " ."
		},
		artifactDir: "bin",
	},
}

// String returns the string representation of the ToolchainName.
func (n ToolchainName) String() string { return string(n) }

// Error implements the error interface.
func (e *InvalidToolchainError) Error() string {
	return fmt.Sprintf("invalid toolchain %q (valid: cargo, go)", e.Value)
}

// Unwrap returns ErrInvalidToolchain for errors.Is() compatibility.
func (e *InvalidToolchainError) Unwrap() error { return ErrInvalidToolchain }

// LookupToolchain returns the profile for name.
func LookupToolchain(name ToolchainName) (*Toolchain, error) {
	tc, ok := toolchains[name]
	if !ok {
		return nil, &InvalidToolchainError{Value: name}
	}
	return tc, nil
}

// ToolchainForKind returns the profile that builds projects of kind.
func ToolchainForKind(kind lockfile.Kind) (*Toolchain, error) {
	for _, tc := range toolchains {
		if tc.Kind == kind {
			return tc, nil
		}
	}
	return nil, &InvalidToolchainError{Value: ToolchainName(kind)}
}

// DetectToolchain picks the profile from the manifests present in dir.
func DetectToolchain(dir string) (*Toolchain, error) {
	kind, err := lockfile.Detect(dir)
	if err != nil {
		return nil, err
	}
	return ToolchainForKind(kind)
}

// ManifestFile returns the manifest file name.
func (t *Toolchain) ManifestFile() string { return t.Kind.ManifestFile() }

// LockFile returns the lock file name.
func (t *Toolchain) LockFile() string { return t.Kind.LockFile() }

// BuildCommand returns the release build command for binary.
func (t *Toolchain) BuildCommand(binary string) string { return t.buildCommand(binary) }

// ArtifactPath returns where the release build leaves binary inside the
// builder stage.
func (t *Toolchain) ArtifactPath(workDir, binary string) string {
	return path.Join(workDir, t.artifactDir, binary)
}

// BinaryName infers the executable name from the manifest in dir: the
// package name for Cargo, the last module path element for Go.
func (t *Toolchain) BinaryName(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, t.ManifestFile()))
	if err != nil {
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}

	switch t.Name {
	case ToolchainCargo:
		var manifest struct {
			Package struct {
				Name string `toml:"name"`
			} `toml:"package"`
			Bin []struct {
				Name string `toml:"name"`
			} `toml:"bin"`
		}
		if err := toml.Unmarshal(data, &manifest); err != nil {
			return "", fmt.Errorf("invalid Cargo.toml: %w", err)
		}
		if len(manifest.Bin) > 0 && manifest.Bin[0].Name != "" {
			return manifest.Bin[0].Name, nil
		}
		if manifest.Package.Name == "" {
			return "", errors.New("no [package] name in Cargo.toml")
		}
		return manifest.Package.Name, nil
	case ToolchainGo:
		modPath := modfile.ModulePath(data)
		if modPath == "" {
			return "", errors.New("go.mod has no module directive")
		}
		name := path.Base(modPath)
		// Major version suffixes are not the program name.
		if len(name) > 1 && name[0] == 'v' && isDigits(name[1:]) && path.Dir(modPath) != "." {
			name = path.Base(path.Dir(modPath))
		}
		return name, nil
	default:
		return "", &InvalidToolchainError{Value: t.Name}
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
