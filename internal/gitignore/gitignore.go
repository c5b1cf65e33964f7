// Package gitignore implements the layered global/repo/nested gitignore
// matcher described in spec §4.4: global excludes, repo .git/info/exclude,
// and project .gitignore files collected from base_dir down to the current
// directory, with "last match wins" semantics including negation.
package gitignore

import (
	"bufio"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// CompiledSpec is a single compiled .gitignore (or exclude) file, stored
// patterns-reversed for fast "last match wins" lookup — the bottom of the
// file is checked first.
type CompiledSpec struct {
	patternsReversed []pattern
}

func newCompiledSpec(lines []string) *CompiledSpec {
	compiled := compileLines(lines)
	reversed := make([]pattern, len(compiled))
	for i, p := range compiled {
		reversed[len(compiled)-1-i] = p
	}
	return &CompiledSpec{patternsReversed: reversed}
}

// specEntry pairs a compiled spec with the directory (relative to base_dir)
// it was loaded from; "" means the repository root / a root-level exclude
// file.
type specEntry struct {
	dirRel string
	spec   *CompiledSpec
}

// Specs is the ordered, low-to-high-priority list of specs effective for a
// given directory.
type Specs []specEntry

// Collector loads and memoizes gitignore specs per directory and caches the
// global excludes file lookup (a process-wide cache per spec §9's
// "global-mutable caches" guidance).
type Collector struct {
	BaseDir string

	mu           sync.Mutex
	fileCache    map[string]*CompiledSpec // gitignore_path -> compiled spec (nil cached as sentinel miss)
	fileCacheHit map[string]bool
	dirCache     map[string]Specs

	globalOnce sync.Once
	globalPath string
	globalOK   bool
}

// NewCollector builds a Collector rooted at baseDir (must be an absolute,
// already-resolved path).
func NewCollector(baseDir string) *Collector {
	return &Collector{
		BaseDir:      baseDir,
		fileCache:    map[string]*CompiledSpec{},
		fileCacheHit: map[string]bool{},
		dirCache:     map[string]Specs{},
	}
}

// loadSpec reads and compiles a .gitignore-shaped file, memoized by path.
func (c *Collector) loadSpec(path string) *CompiledSpec {
	c.mu.Lock()
	if hit, ok := c.fileCacheHit[path]; ok {
		defer c.mu.Unlock()
		if hit {
			return c.fileCache[path]
		}
		return nil
	}
	c.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.mu.Lock()
		c.fileCacheHit[path] = false
		c.mu.Unlock()
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		c.mu.Lock()
		c.fileCacheHit[path] = false
		c.mu.Unlock()
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	spec := newCompiledSpec(lines)
	c.mu.Lock()
	c.fileCache[path] = spec
	c.fileCacheHit[path] = true
	c.mu.Unlock()
	return spec
}

// globalExcludesPath resolves the global excludes file: git config
// core.excludesFile, then $XDG_CONFIG_HOME/git/ignore (default
// ~/.config/git/ignore), then ~/.gitignore as a legacy fallback. Cached for
// the process lifetime.
func (c *Collector) globalExcludesPath() (string, bool) {
	c.globalOnce.Do(func() {
		if path, ok := gitGlobalExcludesFile(); ok {
			c.globalPath, c.globalOK = path, true
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		xdg := os.Getenv("XDG_CONFIG_HOME")
		var xdgPath string
		if xdg != "" {
			xdgPath = filepath.Join(xdg, "git", "ignore")
		} else {
			xdgPath = filepath.Join(home, ".config", "git", "ignore")
		}
		if info, err := os.Stat(xdgPath); err == nil && !info.IsDir() {
			c.globalPath, c.globalOK = xdgPath, true
			return
		}
		legacy := filepath.Join(home, ".gitignore")
		if info, err := os.Stat(legacy); err == nil && !info.IsDir() {
			c.globalPath, c.globalOK = legacy, true
		}
	})
	return c.globalPath, c.globalOK
}

func gitGlobalExcludesFile() (string, bool) {
	ctxTimeout := 2 * time.Second
	path, err := exec.LookPath("git")
	if err != nil {
		return "", false
	}
	cmd := exec.Command(path, "config", "--global", "core.excludesFile")
	done := make(chan []byte, 1)
	go func() {
		out, _ := cmd.Output()
		done <- out
	}()
	select {
	case out := <-done:
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return "", false
		}
		if strings.HasPrefix(trimmed, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
			}
		}
		if info, err := os.Stat(trimmed); err == nil && !info.IsDir() {
			return trimmed, true
		}
		return "", false
	case <-time.After(ctxTimeout):
		return "", false
	}
}

func (c *Collector) repoLevelSpecs() Specs {
	var specs Specs
	if path, ok := c.globalExcludesPath(); ok {
		if spec := c.loadSpec(path); spec != nil {
			specs = append(specs, specEntry{dirRel: "", spec: spec})
		}
	}
	excludePath := filepath.Join(c.BaseDir, ".git", "info", "exclude")
	if spec := c.loadSpec(excludePath); spec != nil {
		specs = append(specs, specEntry{dirRel: "", spec: spec})
	}
	return specs
}

func (c *Collector) appendProjectGitignore(specs Specs, checkDirAbs string) Specs {
	spec := c.loadSpec(filepath.Join(checkDirAbs, ".gitignore"))
	if spec == nil {
		return specs
	}
	dirRel, err := filepath.Rel(c.BaseDir, checkDirAbs)
	if err != nil || dirRel == "." {
		dirRel = ""
	}
	return append(specs, specEntry{dirRel: filepath.ToSlash(dirRel), spec: spec})
}

// Collect returns the ordered, low-to-high-priority specs effective for
// currentDirAbs, memoized per directory.
func (c *Collector) Collect(currentDirAbs string) Specs {
	currentDirAbs = filepath.Clean(currentDirAbs)
	c.mu.Lock()
	if cached, ok := c.dirCache[currentDirAbs]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	var result Specs
	if currentDirAbs == c.BaseDir {
		result = c.appendProjectGitignore(c.repoLevelSpecs(), c.BaseDir)
	} else if rel, err := filepath.Rel(c.BaseDir, currentDirAbs); err != nil || strings.HasPrefix(rel, "..") {
		result = c.repoLevelSpecs()
	} else {
		parent := c.Collect(filepath.Dir(currentDirAbs))
		result = c.appendProjectGitignore(parent, currentDirAbs)
	}

	c.mu.Lock()
	c.dirCache[currentDirAbs] = result
	c.mu.Unlock()
	return result
}

// IsIgnored reports whether relPath (forward-slash, relative to base_dir,
// no leading slash) is ignored under the given specs. isDir marks directory
// entries so dir-only patterns ("foo/") apply.
func IsIgnored(relPath string, isDir bool, specs Specs) bool {
	if len(specs) == 0 {
		return false
	}
	relPosix := strings.Trim(relPath, "/")
	if relPosix == "" {
		return false
	}

	ignored := false
	for _, entry := range specs {
		var specRel string
		if entry.dirRel != "" {
			prefix := entry.dirRel + "/"
			switch {
			case relPosix == entry.dirRel:
				specRel = "."
			case strings.HasPrefix(relPosix, prefix):
				specRel = relPosix[len(prefix):]
			default:
				continue
			}
		} else {
			specRel = relPosix
		}

		if isDir {
			specRel += "/"
		}

		lastMatch, matched := lastMatchFor(entry.spec, specRel)
		if !matched {
			continue
		}
		ignored = lastMatch
	}
	return ignored
}

// lastMatchFor walks a spec's patterns bottom-to-top (already reversed at
// compile time) and returns the first (i.e. file-last) pattern that matches,
// distinguishing "no pattern in this spec matched" from an explicit
// decision — this distinction is the reason patterns are compiled directly
// here instead of delegated to a library that only returns the aggregate
// boolean.
func lastMatchFor(spec *CompiledSpec, specRel string) (ignored bool, matched bool) {
	for _, p := range spec.patternsReversed {
		if p.match(specRel) {
			return !p.negate, true
		}
	}
	return false, false
}
