// Package mirror maps watched filesystem paths into the destination working
// tree and applies copy, remove and rename mutations to it.
package mirror

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidPath is returned when a watched path cannot be mapped to a
// location strictly inside the repository working tree.
var ErrInvalidPath = errors.New("invalid path")

// Root is a watched root as seen by the mapper
type Root struct {
	Path  string
	IsDir bool
}

// Mapper translates absolute watched paths into repository-relative paths.
// It holds no mutable state and is safe for concurrent use.
type Mapper struct {
	repoRoot string
	roots    []Root // sorted longest path first
}

// NewMapper creates a mapper for the given repository root and watch roots.
func NewMapper(repoRoot string, roots []Root) (*Mapper, error) {
	if !filepath.IsAbs(repoRoot) {
		return nil, fmt.Errorf("%w: repository root must be absolute: %s", ErrInvalidPath, repoRoot)
	}

	sorted := make([]Root, 0, len(roots))
	fileRoots := make(map[string]string)
	for _, r := range roots {
		if !filepath.IsAbs(r.Path) {
			return nil, fmt.Errorf("%w: watch root must be absolute: %s", ErrInvalidPath, r.Path)
		}
		clean := filepath.Clean(r.Path)
		if !r.IsDir {
			base := filepath.Base(clean)
			if other, ok := fileRoots[base]; ok {
				return nil, fmt.Errorf("%w: watch roots %s and %s both map to %s", ErrInvalidPath, other, clean, base)
			}
			fileRoots[base] = clean
		}
		sorted = append(sorted, Root{Path: clean, IsDir: r.IsDir})
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Path) > len(sorted[j].Path)
	})

	return &Mapper{
		repoRoot: filepath.Clean(repoRoot),
		roots:    sorted,
	}, nil
}

// RepoRoot returns the absolute repository working tree root
func (m *Mapper) RepoRoot() string {
	return m.repoRoot
}

// Roots returns the watch roots known to the mapper
func (m *Mapper) Roots() []Root {
	out := make([]Root, len(m.roots))
	copy(out, m.roots)
	return out
}

// Map returns the repository-relative path for an absolute watched path.
// Directory roots map their contents relative to the root itself, so
// /data/a.txt under root /data becomes a.txt. File roots map to their base
// name.
func (m *Mapper) Map(watchedPath string) (string, error) {
	if !filepath.IsAbs(watchedPath) {
		return "", fmt.Errorf("%w: not absolute: %s", ErrInvalidPath, watchedPath)
	}
	p := filepath.Clean(watchedPath)

	for _, r := range m.roots {
		if !r.IsDir {
			if p == r.Path {
				return m.check(filepath.Base(r.Path), watchedPath)
			}
			continue
		}
		if p == r.Path {
			return ".", nil
		}
		if within(r.Path, p) {
			rel, err := filepath.Rel(r.Path, p)
			if err != nil {
				return "", fmt.Errorf("%w: %s: %w", ErrInvalidPath, watchedPath, err)
			}
			return m.check(rel, watchedPath)
		}
	}

	return "", fmt.Errorf("%w: outside every watch root: %s", ErrInvalidPath, watchedPath)
}

// Resolve joins a repository-relative path onto the repository root
func (m *Mapper) Resolve(rel string) string {
	return filepath.Join(m.repoRoot, rel)
}

// check rejects results that would escape the working tree or touch .git
func (m *Mapper) check(rel, original string) (string, error) {
	rel = filepath.Clean(rel)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: escapes repository root: %s", ErrInvalidPath, original)
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == ".git" {
			return "", fmt.Errorf("%w: maps into .git: %s", ErrInvalidPath, original)
		}
	}
	if !within(m.repoRoot, m.Resolve(rel)) {
		return "", fmt.Errorf("%w: escapes repository root: %s", ErrInvalidPath, original)
	}
	return rel, nil
}

// within reports whether target lies strictly below dir
func within(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
