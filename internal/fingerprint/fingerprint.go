// SPDX-License-Identifier: MPL-2.0

// Package fingerprint derives content-addressed cache keys for build inputs.
//
// Keys depend only on relative paths and file contents. Timestamps,
// ownership and walk order never influence a key, so the same tree yields
// the same key on every machine.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

const (
	// IgnoreFile is the build-context exclusion file honored by SourceKey.
	IgnoreFile = ".dockerignore"

	// ShortLength is the number of hex digits used in image tags.
	ShortLength = 12
)

// ErrEmptyInput is returned when a key would be computed over nothing.
var ErrEmptyInput = errors.New("no files to fingerprint")

type (
	// Key is a hex-encoded sha256 digest.
	Key string

	// Hasher accumulates (path, content) pairs and digests them in path order.
	Hasher struct {
		entries map[string][]byte
	}
)

// String returns the full hex digest.
func (k Key) String() string { return string(k) }

// Short returns the first ShortLength hex digits, suitable for an image tag.
func (k Key) Short() string {
	if len(k) <= ShortLength {
		return string(k)
	}
	return string(k[:ShortLength])
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{entries: make(map[string][]byte)}
}

// Add records content under a slash-separated relative path. Adding the
// same path twice keeps the last content.
func (h *Hasher) Add(path string, content []byte) {
	h.entries[filepath.ToSlash(path)] = content
}

// AddFile reads the file at fsPath and records it under name.
func (h *Hasher) AddFile(fsPath, name string) error {
	data, err := os.ReadFile(fsPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", fsPath, err)
	}
	h.Add(name, data)
	return nil
}

// Len returns the number of recorded paths.
func (h *Hasher) Len() int { return len(h.entries) }

// Sum digests every entry. Each path and content is prefixed with its
// length so that no two distinct entry sets share an encoding.
func (h *Hasher) Sum() Key {
	paths := make([]string, 0, len(h.entries))
	for p := range h.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	d := sha256.New()
	for _, p := range paths {
		writeField(d, []byte(p))
		writeField(d, h.entries[p])
	}
	return Key(hex.EncodeToString(d.Sum(nil)))
}

func writeField(d hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	d.Write(n[:])
	d.Write(b)
}

// DependencyKey fingerprints the manifest and lock file. Source edits never
// change it, so it keys the dependency-fetch stage.
func DependencyKey(manifestPath, lockPath string) (Key, error) {
	h := NewHasher()
	if err := h.AddFile(manifestPath, filepath.Base(manifestPath)); err != nil {
		return "", err
	}
	if err := h.AddFile(lockPath, filepath.Base(lockPath)); err != nil {
		return "", err
	}
	return h.Sum(), nil
}

// SourceKey fingerprints every regular file and symlink under root that the
// root's .dockerignore does not exclude.
func SourceKey(root string) (Key, error) {
	matcher, err := LoadIgnore(root)
	if err != nil {
		return "", err
	}

	h := NewHasher()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			// Excluded directories are skipped unless a negation could
			// re-include something below them.
			if matcher.MatchesPath(rel) && !matcher.reincludes() {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.MatchesPath(rel) {
			return nil
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			h.Add(rel, []byte("symlink:"+target))
		case d.Type().IsRegular():
			if err := h.AddFile(path, rel); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk build context %s: %w", root, err)
	}
	if h.Len() == 0 {
		return "", fmt.Errorf("%w under %s", ErrEmptyInput, root)
	}
	return h.Sum(), nil
}

// Matcher applies .dockerignore patterns the way the Docker CLI does:
// patterns are anchored at the context root, and a match on a directory
// excludes everything below it unless a later "!" pattern re-includes it.
type Matcher struct {
	pm *patternmatcher.PatternMatcher
}

// LoadIgnore compiles root/.dockerignore. A missing file yields a matcher
// that excludes nothing.
func LoadIgnore(root string) (*Matcher, error) {
	f, err := os.Open(filepath.Join(root, IgnoreFile))
	if errors.Is(err, fs.ErrNotExist) {
		return NewMatcher()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", IgnoreFile, err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", IgnoreFile, err)
	}
	return compile(patterns)
}

// NewMatcher compiles .dockerignore lines. Comments, blank lines and a
// leading "/" are handled as in the file.
func NewMatcher(lines ...string) (*Matcher, error) {
	patterns, err := ignorefile.ReadAll(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		return nil, err
	}
	return compile(patterns)
}

func compile(patterns []string) (*Matcher, error) {
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid %s pattern: %w", IgnoreFile, err)
	}
	return &Matcher{pm: pm}, nil
}

// MatchesPath reports whether the slash-separated path, relative to the
// context root, is excluded from the build context.
func (m *Matcher) MatchesPath(path string) bool {
	path = strings.TrimPrefix(path, "./")
	if path == "" || path == "." {
		return false
	}
	// Patterns were validated by patternmatcher.New.
	excluded, err := m.pm.MatchesOrParentMatches(filepath.FromSlash(path))
	return err == nil && excluded
}

// reincludes reports whether any "!" pattern could bring back a path below
// an excluded directory.
func (m *Matcher) reincludes() bool {
	return m.pm.Exclusions()
}
