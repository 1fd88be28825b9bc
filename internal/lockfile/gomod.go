// SPDX-License-Identifier: MPL-2.0

package lockfile

import (
	"bufio"
	"bytes"
	"fmt"
	"slices"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

const goModHashSuffix = "/go.mod"

type (
	// goSumKey identifies a go.sum line without its hash.
	goSumKey struct {
		Path    string
		Version string
	}

	// goSum records which hashes go.sum holds per module version.
	goSum struct {
		zip   map[goSumKey]bool
		goMod map[goSumKey]bool
		// versions lists every version seen per module path
		versions map[string][]string
	}
)

func checkGoMod(report *Report, manifestData, lockData []byte) error {
	f, err := modfile.Parse("go.mod", manifestData, nil)
	if err != nil {
		return fmt.Errorf("invalid go.mod: %w", err)
	}
	sum, err := parseGoSum(lockData)
	if err != nil {
		return fmt.Errorf("invalid go.sum: %w", err)
	}

	replaced := goModReplacements(f)

	requires := append([]*modfile.Require(nil), f.Require...)
	sort.SliceStable(requires, func(i, j int) bool { return requires[i].Mod.Path < requires[j].Mod.Path })

	for _, req := range requires {
		report.Checked++
		target := req.Mod
		if r, ok := replaced[req.Mod]; ok {
			target = r
		} else if r, ok := replaced[module.Version{Path: req.Mod.Path}]; ok {
			target = r
		}
		if target.Version == "" {
			// Local directory replacement: nothing is downloaded.
			continue
		}
		if m, bad := checkGoRequirement(req, target, sum); bad {
			report.Mismatches = append(report.Mismatches, m)
		}
	}
	return nil
}

func checkGoRequirement(req *modfile.Require, target module.Version, sum *goSum) (Mismatch, bool) {
	m := Mismatch{
		Dependency: req.Mod.Path,
		Constraint: req.Mod.Version,
		Locked:     sum.versions[target.Path],
	}
	if target != req.Mod {
		m.Constraint = fmt.Sprintf("%s => %s %s", req.Mod.Version, target.Path, target.Version)
	}

	switch {
	case !semver.IsValid(target.Version):
		m.Reason = fmt.Sprintf("invalid semantic version %q", target.Version)
	case !sum.goMod[goSumKey{target.Path, target.Version}]:
		m.Reason = "go.sum lacks the go.mod hash"
	case !req.Indirect && !sum.zip[goSumKey{target.Path, target.Version}]:
		m.Reason = "go.sum lacks the module hash"
	default:
		return Mismatch{}, false
	}
	return m, true
}

// goModReplacements maps replaced module versions to their targets. An
// unversioned key replaces every version of the path.
func goModReplacements(f *modfile.File) map[module.Version]module.Version {
	out := make(map[module.Version]module.Version, len(f.Replace))
	for _, r := range f.Replace {
		out[r.Old] = r.New
	}
	return out
}

func parseGoSum(data []byte) (*goSum, error) {
	sum := &goSum{
		zip:      make(map[goSumKey]bool),
		goMod:    make(map[goSumKey]bool),
		versions: make(map[string][]string),
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 || !strings.HasPrefix(fields[2], "h1:") {
			return nil, fmt.Errorf("line %d: malformed entry %q", lineNo, line)
		}

		path, version := fields[0], fields[1]
		if v, ok := strings.CutSuffix(version, goModHashSuffix); ok {
			sum.goMod[goSumKey{path, v}] = true
			version = v
		} else {
			sum.zip[goSumKey{path, version}] = true
		}
		if !slices.Contains(sum.versions[path], version) {
			sum.versions[path] = append(sum.versions[path], version)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sum, nil
}
