// Package sandbox implements the /repo/... virtual-root path mapping and
// containment checks shared by the apply engine and the search tools.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver maps virtual and relative paths against a fixed base directory.
type Resolver struct {
	BaseDir string
	// ExtraPaths are additional allowed directories (already resolved
	// absolute paths), checked when a path falls outside BaseDir — the
	// "extra paths" allowlist referenced in spec §4.2 step 2.
	ExtraPaths []string
}

// NewResolver builds a Resolver rooted at baseDir.
func NewResolver(baseDir string, extraPaths ...string) (*Resolver, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	return &Resolver{BaseDir: abs, ExtraPaths: extraPaths}, nil
}

// Options configure ResolveRepoPath's acceptance policy.
type Options struct {
	AllowRelative        bool
	AllowAbsolute        bool
	RequireWithinBaseDir bool
}

// DefaultOptions accepts both relative and absolute paths without requiring
// absolute paths to stay inside base_dir (matching resolve_repo_path's
// default parameters).
func DefaultOptions() Options {
	return Options{AllowRelative: true, AllowAbsolute: true}
}

// ResolveRepoPath resolves a /repo/..., relative, or absolute path into an
// absolute filesystem path, per spec §4.3.
func (r *Resolver) ResolveRepoPath(input string, opts Options) (string, error) {
	baseResolved, err := filepath.EvalSymlinks(r.BaseDir)
	if err != nil {
		// base_dir itself may not exist in some error-path tests; fall back
		// to the unresolved absolute form rather than failing outright.
		baseResolved = r.BaseDir
	}

	if input == "/repo" || input == "/repo/" {
		return baseResolved, nil
	}

	if strings.HasPrefix(input, "/repo/") {
		rel := strings.TrimLeft(input[len("/repo/"):], "/")
		if rel == "" {
			return baseResolved, nil
		}
		resolved, err := resolveClean(filepath.Join(baseResolved, rel))
		if err != nil {
			return "", fmt.Errorf("cannot resolve path (circular symlink?): %s", input)
		}
		if !isPathWithinBase(resolved, baseResolved) {
			return "", fmt.Errorf("path escapes base_dir: %s", input)
		}
		return resolved, nil
	}

	if !filepath.IsAbs(input) {
		if !opts.AllowRelative {
			return "", fmt.Errorf("relative path not allowed: %s", input)
		}
		resolved, err := resolveClean(filepath.Join(baseResolved, input))
		if err != nil {
			return "", fmt.Errorf("cannot resolve path (circular symlink?): %s", input)
		}
		if !isPathWithinBase(resolved, baseResolved) {
			return "", fmt.Errorf("path escapes base_dir: %s", input)
		}
		return resolved, nil
	}

	if !opts.AllowAbsolute {
		return "", fmt.Errorf("absolute path not allowed: %s", input)
	}
	resolved, err := resolveClean(input)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path (circular symlink?): %s", input)
	}
	if opts.RequireWithinBaseDir && !isPathWithinBase(resolved, baseResolved) {
		return "", fmt.Errorf("path escapes base_dir: %s", input)
	}
	return resolved, nil
}

// MapPathNoResolve maps a /repo/..., relative, or absolute path to a
// filesystem path WITHOUT following symlinks — used when the caller must
// inspect os.Lstat (is this a symlink?) before any resolution happens.
func (r *Resolver) MapPathNoResolve(input string) string {
	if input == "/repo" || input == "/repo/" {
		return r.BaseDir
	}
	if strings.HasPrefix(input, "/repo/") {
		rel := strings.TrimLeft(input[len("/repo/"):], "/")
		if rel == "" {
			return r.BaseDir
		}
		return filepath.Join(r.BaseDir, rel)
	}
	if !filepath.IsAbs(input) {
		return filepath.Join(r.BaseDir, input)
	}
	return input
}

// ValidateFilePath validates and resolves a path for the apply tool, which
// accepts absolute or relative (but not /repo-prefixed — callers normalize
// that separately) paths and checks containment in BaseDir or ExtraPaths.
func (r *Resolver) ValidateFilePath(filePath string, allowEmpty bool) (string, error) {
	if !allowEmpty && strings.TrimSpace(filePath) == "" {
		return "", errors.New("file_path cannot be empty")
	}

	full := filePath
	if !filepath.IsAbs(full) {
		full = filepath.Join(r.BaseDir, full)
	}

	resolved, err := resolveClean(full)
	if err != nil {
		return "", fmt.Errorf("invalid file path: %s", filePath)
	}

	baseResolved, err := filepath.EvalSymlinks(r.BaseDir)
	if err != nil {
		baseResolved = r.BaseDir
	}
	if isPathWithinBase(resolved, baseResolved) {
		return resolved, nil
	}

	for _, extra := range r.ExtraPaths {
		extraResolved, err := filepath.EvalSymlinks(extra)
		if err != nil {
			extraResolved = extra
		}
		if isPathWithinBase(resolved, extraResolved) {
			return resolved, nil
		}
	}

	return "", fmt.Errorf("access denied: %s is outside allowed directory %s", filePath, r.BaseDir)
}

// resolveClean resolves symlinks for any path prefix that exists, then
// joins and cleans the remaining (possibly non-existent) suffix — Go has no
// direct equivalent of Python's Path.resolve() for nonexistent paths, so we
// walk up to the longest existing ancestor.
func resolveClean(path string) (string, error) {
	path = filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	visited := map[string]bool{}
	for {
		if visited[dir] {
			return "", fmt.Errorf("circular symlink resolving %s", path)
		}
		visited[dir] = true
		resolvedDir, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(resolvedDir, base), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		if dir == filepath.Dir(dir) {
			// reached filesystem root without finding an existing ancestor
			return filepath.Join(dir, base), nil
		}
		base = filepath.Join(filepath.Base(dir), base)
		dir = filepath.Dir(dir)
	}
}

// isPathWithinBase checks containment the way original_source's
// _is_path_within_base does: for existing paths, walk up resolved's
// ancestors looking for os.SameFile against baseResolved (robust to
// case-insensitive filesystems and bind-mounts); for non-existing paths,
// fall back to a filepath.Rel-style prefix check.
func isPathWithinBase(resolved, baseResolved string) bool {
	resolvedInfo, resolvedErr := os.Stat(resolved)
	baseInfo, baseErr := os.Stat(baseResolved)

	if resolvedErr == nil && baseErr == nil {
		current := resolved
		_ = resolvedInfo
		_ = baseInfo
		for {
			info, err := os.Stat(current)
			if err == nil {
				if baseFileInfo, err2 := os.Stat(baseResolved); err2 == nil && os.SameFile(info, baseFileInfo) {
					return true
				}
			}
			parent := filepath.Dir(current)
			if parent == current {
				break
			}
			current = parent
		}
		return false
	}

	rel, err := filepath.Rel(baseResolved, resolved)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// AtomicWrite writes content to targetPath atomically via a temp file in the
// same directory, then rename. Matches the teacher's tools/pathutil.go
// convention; the temp suffix mirrors the original's
// `path.with_suffix(path.suffix + ".tmp")` by simply appending ".tmp" to the
// whole filename, which is equivalent for the single-extension case this
// repo deals in.
func AtomicWrite(targetPath string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmpPath := targetPath + ".tmp"
	if err := os.WriteFile(tmpPath, content, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// IsSymlink reports whether path (without following symlinks) is itself a
// symbolic link node.
func IsSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}
