// SPDX-License-Identifier: MPL-2.0

package lockfile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
)

// cargoDependencyTables are the manifest tables that end up in a release build.
var cargoDependencyTables = []string{"dependencies", "build-dependencies"}

type (
	cargoLock struct {
		Package []cargoLockedPackage `toml:"package"`
	}

	cargoLockedPackage struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
		Source  string `toml:"source"`
	}

	// cargoDependency is one manifest entry after renames are applied.
	cargoDependency struct {
		// Crate is the package name as it appears in Cargo.lock
		Crate string
		// Requirement is the raw Cargo version requirement
		Requirement string
	}
)

func checkCargo(report *Report, manifestData, lockData []byte) error {
	var manifest map[string]any
	if err := toml.Unmarshal(manifestData, &manifest); err != nil {
		return fmt.Errorf("invalid Cargo.toml: %w", err)
	}
	var lock cargoLock
	if err := toml.Unmarshal(lockData, &lock); err != nil {
		return fmt.Errorf("invalid Cargo.lock: %w", err)
	}

	locked := make(map[string][]string)
	for _, p := range lock.Package {
		locked[p.Name] = append(locked[p.Name], p.Version)
	}

	for _, dep := range cargoDependencies(manifest) {
		report.Checked++
		if m, bad := checkCargoDependency(dep, locked[dep.Crate]); bad {
			report.Mismatches = append(report.Mismatches, m)
		}
	}
	return nil
}

func checkCargoDependency(dep cargoDependency, versions []string) (Mismatch, bool) {
	m := Mismatch{Dependency: dep.Crate, Constraint: dep.Requirement, Locked: versions}

	if len(versions) == 0 {
		m.Reason = "not present in lock file"
		return m, true
	}

	constraint, err := semver.NewConstraint(CargoConstraint(dep.Requirement))
	if err != nil {
		m.Reason = fmt.Sprintf("invalid version requirement: %v", err)
		return m, true
	}

	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if constraint.Check(v) {
			return Mismatch{}, false
		}
	}
	m.Reason = "no locked version satisfies the requirement"
	return m, true
}

// CargoConstraint rewrites a Cargo version requirement into semver
// constraint syntax. Cargo treats a bare version as a caret requirement.
func CargoConstraint(req string) string {
	parts := strings.Split(req, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" && part[0] >= '0' && part[0] <= '9' {
			part = "^" + part
		}
		parts[i] = part
	}
	return strings.Join(parts, ", ")
}

// cargoDependencies collects versioned dependencies from the top-level and
// target-specific tables, sorted by crate name.
func cargoDependencies(manifest map[string]any) []cargoDependency {
	workspace := tableAt(tableAt(manifest, "workspace"), "dependencies")

	var tables []map[string]any
	for _, name := range cargoDependencyTables {
		tables = append(tables, tableAt(manifest, name))
	}
	targets := tableAt(manifest, "target")
	for _, cfg := range sortedTableKeys(targets) {
		for _, name := range cargoDependencyTables {
			tables = append(tables, tableAt(tableAt(targets, cfg), name))
		}
	}

	seen := make(map[cargoDependency]bool)
	var deps []cargoDependency
	for _, table := range tables {
		for _, key := range sortedTableKeys(table) {
			dep, ok := parseCargoDependency(key, table[key], workspace)
			if !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
	}

	sort.SliceStable(deps, func(i, j int) bool { return deps[i].Crate < deps[j].Crate })
	return deps
}

// parseCargoDependency reads the string form ("1.0") or the table form
// ({ version = "1", package = "real-name" }). Path and git dependencies
// without a version are not pinned by the registry and are skipped.
func parseCargoDependency(key string, value any, workspace map[string]any) (cargoDependency, bool) {
	switch v := value.(type) {
	case string:
		return cargoDependency{Crate: key, Requirement: v}, true
	case map[string]any:
		if inherit, _ := v["workspace"].(bool); inherit {
			if ws, ok := workspace[key]; ok {
				dep, ok := parseCargoDependency(key, ws, nil)
				if renamed, _ := v["package"].(string); ok && renamed != "" {
					dep.Crate = renamed
				}
				return dep, ok
			}
			return cargoDependency{}, false
		}
		version, _ := v["version"].(string)
		if version == "" {
			return cargoDependency{}, false
		}
		crate := key
		if renamed, _ := v["package"].(string); renamed != "" {
			crate = renamed
		}
		return cargoDependency{Crate: crate, Requirement: version}, true
	default:
		return cargoDependency{}, false
	}
}

func tableAt(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	t, _ := m[key].(map[string]any)
	return t
}

func sortedTableKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
