// Package fileutil provides the local file tree that SFTP transfers read from
// and write into. Client-supplied paths are always resolved inside a root.
package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrForbiddenPath is returned when a path escapes the sandbox root or
// references a non-whitelisted top-level directory.
var ErrForbiddenPath = fmt.Errorf("forbidden path: %w", fs.ErrPermission)

// Sandbox is a local directory tree addressed by slash-separated paths.
// "/Documents/a.txt" and "Documents/a.txt" name the same file.
type Sandbox struct {
	root         string
	allowedRoots []string
}

// NewSandbox creates root if needed. When allowedRoots is non-empty, only
// paths whose first segment is listed are accepted.
func NewSandbox(root string, allowedRoots ...string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", root, err)
	}
	// Resolve so symlink checks compare real paths.
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &Sandbox{root: abs, allowedRoots: allowedRoots}, nil
}

// Root returns the absolute sandbox directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps a sandbox path to an absolute host path. The empty path and
// "/" resolve to the root itself.
func (s *Sandbox) Resolve(p string) (string, error) {
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", ErrForbiddenPath
		}
	}
	rel := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
	if rel == "" {
		if len(s.allowedRoots) > 0 {
			return "", ErrForbiddenPath
		}
		return s.root, nil
	}
	return ResolveSafePath(s.root, rel, s.allowedRoots)
}

// Create opens dir/name for writing, creating dir as needed and truncating
// an existing file. An existing symlink at dir/name is refused. The caller
// closes the file.
func (s *Sandbox) Create(dir, name string) (*os.File, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: invalid file name %q", ErrForbiddenPath, name)
	}
	rel := path.Join(dir, name)
	absDir, err := s.Resolve(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, localError("mkdir", dir, err)
	}
	target := filepath.Join(absDir, name)
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: %q is a symlink", ErrForbiddenPath, rel)
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|oNoFollow, 0o644)
	if err != nil {
		return nil, localError("create", rel, err)
	}
	return f, nil
}

// Open opens a sandbox file for reading and reports its size.
func (s *Sandbox) Open(p string) (*os.File, int64, error) {
	abs, err := s.Resolve(p)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, 0, localError("open", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, localError("stat", p, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("local open %q: is a directory", p)
	}
	return f, info.Size(), nil
}

// localError reports a failed host operation by its sandbox path. The host
// path inside an *fs.PathError is dropped; the cause is kept for errors.Is.
func localError(op, rel string, err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return fmt.Errorf("local %s %q: %w", op, rel, err)
}

// ResolveSafePath resolves rel (a slash-separated relative path) against base
// and returns the absolute path. It rejects:
//   - empty rel
//   - paths whose first segment is not in allowedRoots, when any are given
//   - paths that escape base via ".." traversal or symlink
//
// rel must not have a leading slash.
func ResolveSafePath(base, rel string, allowedRoots []string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", ErrForbiddenPath
	}

	if len(allowedRoots) > 0 {
		firstSeg := strings.SplitN(rel, "/", 2)[0]
		allowed := false
		for _, r := range allowedRoots {
			if firstSeg == r {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", ErrForbiddenPath
		}
	}

	abs := filepath.Join(base, filepath.FromSlash(rel))
	cleanBase := filepath.Clean(base)
	if !within(abs, cleanBase) {
		return "", ErrForbiddenPath
	}

	// Defeat symlink escapes. If abs does not exist yet, check the deepest
	// existing ancestor.
	resolved, err := resolveExisting(abs, cleanBase)
	if err != nil || !within(resolved, cleanBase) {
		return "", ErrForbiddenPath
	}
	return abs, nil
}

func within(p, base string) bool {
	return p == base || strings.HasPrefix(p, base+string(os.PathSeparator))
}

// resolveExisting walks up from abs to the first existing component and
// returns its real path.
func resolveExisting(abs, base string) (string, error) {
	cur := abs
	for {
		if _, err := os.Lstat(cur); err == nil {
			return filepath.EvalSymlinks(cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, base) {
			return base, nil
		}
		cur = parent
	}
}
