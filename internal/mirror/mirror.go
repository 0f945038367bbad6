package mirror

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrIO wraps every filesystem failure while mirroring. These are expected
// under a live filesystem (a source can vanish between notification and
// copy) and are never fatal to the sync loop.
var ErrIO = errors.New("mirror I/O error")

// Mirror applies watched-tree changes to the repository working tree.
type Mirror struct {
	src    afero.Fs
	dst    afero.Fs // rooted at the repository working tree
	mapper *Mapper
	ignore func(path string) bool
}

// Option configures a Mirror
type Option func(*Mirror)

// WithIgnore skips source paths for which ignore returns true. It should be
// the same predicate the notification source filters with, so that copies
// of whole trees agree with the events that are delivered.
func WithIgnore(ignore func(path string) bool) Option {
	return func(m *Mirror) {
		m.ignore = ignore
	}
}

// New creates a mirror reading absolute paths from fs and writing below the
// mapper's repository root on the same filesystem.
func New(fs afero.Fs, mapper *Mapper, opts ...Option) *Mirror {
	m := &Mirror{
		src:    fs,
		dst:    afero.NewBasePathFs(fs, mapper.RepoRoot()),
		mapper: mapper,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mapper returns the path mapper used by the mirror
func (m *Mirror) Mapper() *Mapper {
	return m.mapper
}

// CopyInto copies src (absolute, watched) to dest (repository-relative).
// Directories are copied recursively and always overwrite; existing files
// are never skipped so stale content cannot survive a recreate.
func (m *Mirror) CopyInto(src, dest string) error {
	if m.ignored(src) {
		return nil
	}
	info, err := m.src.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrIO, src, err)
	}

	if info.IsDir() {
		return m.copyTree(src, dest)
	}
	if dest == "." {
		return fmt.Errorf("%w: cannot copy file %s over repository root", ErrInvalidPath, src)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	if err := m.copyFile(src, dest, info.Mode().Perm()); err != nil {
		return fmt.Errorf("%w: copy %s: %w", ErrIO, src, err)
	}
	return nil
}

// RemoveFrom deletes dest (repository-relative) recursively. A missing
// target is already in the desired state and is not an error.
func (m *Mirror) RemoveFrom(dest string) error {
	if filepath.Clean(dest) == "." {
		return fmt.Errorf("%w: refusing to remove repository root", ErrInvalidPath)
	}
	if _, err := lstat(m.dst, dest); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: stat %s: %w", ErrIO, dest, err)
	}
	if err := m.dst.RemoveAll(dest); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, dest, err)
	}
	return nil
}

// RenameWithin removes fromDest and copies toSrc into toDest. It is two
// working-tree mutations; both are attempted even if the first fails.
func (m *Mirror) RenameWithin(fromDest, toSrc, toDest string) error {
	return errors.Join(m.RemoveFrom(fromDest), m.CopyInto(toSrc, toDest))
}

// Snapshot copies a whole watch root into the working tree. It never prunes.
func (m *Mirror) Snapshot(root Root) error {
	dest, err := m.mapper.Map(root.Path)
	if err != nil {
		return err
	}
	return m.CopyInto(root.Path, dest)
}

// Collision is a path below a directory root that maps onto the same
// repository path as a file root.
type Collision struct {
	FileRoot string
	Path     string
	Dest     string
}

// Collisions lists entries that currently exist below directory roots and
// share their repository path with a file root. Whichever source is written
// last wins in the working tree.
func (m *Mirror) Collisions() []Collision {
	var out []Collision
	roots := m.mapper.Roots()
	for _, file := range roots {
		if file.IsDir {
			continue
		}
		dest := filepath.Base(file.Path)
		for _, dir := range roots {
			if !dir.IsDir {
				continue
			}
			candidate := filepath.Join(dir.Path, dest)
			if candidate == file.Path {
				continue
			}
			if _, err := lstat(m.src, candidate); err == nil {
				out = append(out, Collision{FileRoot: file.Path, Path: candidate, Dest: dest})
			}
		}
	}
	return out
}

// copyTree mirrors the subtree at src into dest. Failures on individual
// entries are collected and the walk continues.
func (m *Mirror) copyTree(src, dest string) error {
	var errs []error

	walkErr := afero.Walk(m.src, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path != src {
				return nil
			}
			errs = append(errs, fmt.Errorf("%w: walk %s: %w", ErrIO, path, err))
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalidPath, path, err))
			return nil
		}
		// The working tree may itself live below a watch root
		if info.IsDir() && path == m.mapper.RepoRoot() {
			return filepath.SkipDir
		}
		if path != src && m.ignore != nil && m.ignore(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path != src && info.Name() == ".git" {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dest, rel)

		switch {
		case info.IsDir():
			if err := m.ensureDir(target, info.Mode().Perm()); err != nil {
				errs = append(errs, fmt.Errorf("%w: mkdir %s: %w", ErrIO, target, err))
				return filepath.SkipDir
			}
		case info.Mode()&os.ModeSymlink != 0:
			if err := m.copyLink(path, target); err != nil {
				errs = append(errs, fmt.Errorf("%w: link %s: %w", ErrIO, path, err))
			}
		case info.Mode().IsRegular():
			if err := m.copyFile(path, target, info.Mode().Perm()); err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				errs = append(errs, fmt.Errorf("%w: copy %s: %w", ErrIO, path, err))
			}
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, fmt.Errorf("%w: walk %s: %w", ErrIO, src, walkErr))
	}

	return errors.Join(errs...)
}

// ignored reports whether path or any directory between it and its watch
// root matches the ignore filter
func (m *Mirror) ignored(path string) bool {
	if m.ignore == nil {
		return false
	}
	roots := m.mapper.Roots()
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if m.ignore(p) {
			return true
		}
		if filepath.Dir(p) == p {
			return false
		}
		for _, r := range roots {
			if r.Path == p {
				return false
			}
		}
	}
}

// ensureDir creates dest as a directory, replacing a file of the same name
func (m *Mirror) ensureDir(dest string, perm os.FileMode) error {
	if dest == "." {
		return nil
	}
	if info, err := lstat(m.dst, dest); err == nil && !info.IsDir() {
		if err := m.dst.Remove(dest); err != nil {
			return err
		}
	}
	return m.dst.MkdirAll(dest, perm|0o700)
}

// copyFile copies a file from src to dest with atomic write
func (m *Mirror) copyFile(src, dest string, perm os.FileMode) error {
	if err := m.ensureParent(dest); err != nil {
		return err
	}

	srcFile, err := m.src.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	// Replace a directory of the same name
	if info, err := lstat(m.dst, dest); err == nil && info.IsDir() {
		if err := m.dst.RemoveAll(dest); err != nil {
			return err
		}
	}

	tmpFile, err := afero.TempFile(m.dst, filepath.Dir(dest), ".gitmirrord-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = m.dst.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := m.dst.Chmod(tmpPath, perm); err != nil {
		return err
	}

	return m.dst.Rename(tmpPath, dest)
}

// copyLink recreates a symlink verbatim when the filesystem supports links.
// The link is created through the unrooted filesystem because BasePathFs
// would rewrite the link target.
func (m *Mirror) copyLink(src, dest string) error {
	reader, ok := m.src.(afero.LinkReader)
	if !ok {
		return nil
	}
	linker, ok := m.src.(afero.Linker)
	if !ok {
		return nil
	}

	target, err := reader.ReadlinkIfPossible(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := m.ensureParent(dest); err != nil {
		return err
	}
	if _, err := lstat(m.dst, dest); err == nil {
		if err := m.dst.RemoveAll(dest); err != nil {
			return err
		}
	}
	return linker.SymlinkIfPossible(target, m.mapper.Resolve(dest))
}

// ensureParent creates the parent directories of dest
func (m *Mirror) ensureParent(dest string) error {
	parent := filepath.Dir(dest)
	if parent == "." {
		return nil
	}
	return m.dst.MkdirAll(parent, 0o755)
}

// lstat stats without following symlinks when the filesystem allows it
func lstat(fs afero.Fs, name string) (os.FileInfo, error) {
	if l, ok := fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return fs.Stat(name)
}
