package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/relace-run/relace-mcp-go/internal/gitignore"
	"github.com/relace-run/relace-mcp-go/internal/sandbox"
)

// DefaultGlobMaxResults is used when the caller doesn't specify max_results.
const DefaultGlobMaxResults = 100

// Glob implements spec §4.5's glob(pattern, path?, include_hidden?,
// max_results?): a gitignore-aware, doublestar-capable file pattern search
// relative to either base_dir or a given subdirectory.
func Glob(ctx context.Context, resolver *sandbox.Resolver, ig *gitignore.Collector, pattern, path string, includeHidden bool, maxResults int) (string, error) {
	if strings.TrimSpace(pattern) == "" {
		return "", fmt.Errorf("pattern is required")
	}
	if maxResults <= 0 {
		maxResults = DefaultGlobMaxResults
	}

	root := resolver.BaseDir
	if path != "" {
		if path == "/repo" || strings.HasPrefix(path, "/repo/") {
			path = resolver.MapPathNoResolve(path)
		}
		resolved, err := resolver.ValidateFilePath(path, true)
		if err != nil {
			return "", err
		}
		root = resolved
	}

	var matches []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		name := d.Name()

		if !includeHidden && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			isSymlink := d.Type()&os.ModeSymlink != 0
			if isSymlink {
				return filepath.SkipDir
			}
			specs := ig.Collect(filepath.Dir(p))
			if gitignore.IsIgnored(rel, true, specs) {
				return filepath.SkipDir
			}
			return nil
		}

		specs := ig.Collect(filepath.Dir(p))
		if gitignore.IsIgnored(rel, false, specs) {
			return nil
		}

		matched, matchErr := doublestar.Match(pattern, rel)
		if matchErr != nil {
			return fmt.Errorf("invalid glob pattern: %w", matchErr)
		}
		if matched {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(matches) == 0 {
		return "No files matched the pattern.", nil
	}

	sort.Strings(matches)
	total := len(matches)
	if total > maxResults {
		matches = matches[:maxResults]
	}

	var b strings.Builder
	for _, m := range matches {
		b.WriteString(m)
		b.WriteByte('\n')
	}
	if total > maxResults {
		b.WriteString(fmt.Sprintf("... and %d more matches", total-maxResults))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
