package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/relace-run/relace-mcp-go/internal/gitignore"
	"github.com/relace-run/relace-mcp-go/internal/sandbox"
)

// MaxDirItems is the BFS item cap from spec §4.5.
const MaxDirItems = 250

type dirQueueItem struct {
	abs string
	rel string // "." for the root, forward-slash thereafter
}

// ViewDirectory performs the BFS directory listing from spec §4.5: files
// before subdirectories at each level, then descend, honoring gitignore and
// hidden-entry filtering, capped at MaxDirItems.
func ViewDirectory(resolver *sandbox.Resolver, ig *gitignore.Collector, path string, includeHidden bool) (string, error) {
	target := path
	if target == "/repo" || strings.HasPrefix(target, "/repo/") {
		target = resolver.MapPathNoResolve(target)
	}
	resolved, err := resolver.ValidateFilePath(target, true)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", path)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", path)
	}

	items, truncated := collectDirectoryItems(resolved, includeHidden, ig)

	result := strings.Join(items, "\n")
	if truncated {
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("... output truncated at %d items ...", MaxDirItems)
	}
	return result, nil
}

func collectDirectoryItems(resolved string, includeHidden bool, ig *gitignore.Collector) ([]string, bool) {
	var items []string
	queue := []dirQueueItem{{abs: resolved, rel: "."}}

	for len(queue) > 0 && len(items) < MaxDirItems {
		current := queue[0]
		queue = queue[1:]

		specs := ig.Collect(current.abs)
		files, dirs := collectEntries(current, includeHidden, specs)

		relPrefix := current.rel
		if relPrefix == "." {
			relPrefix = ""
		}

		for _, name := range files {
			if len(items) >= MaxDirItems {
				break
			}
			items = append(items, joinRel(relPrefix, name))
		}
		for _, name := range dirs {
			if len(items) >= MaxDirItems {
				break
			}
			rel := joinRel(relPrefix, name)
			items = append(items, rel+"/")
			queue = append(queue, dirQueueItem{abs: filepath.Join(current.abs, name), rel: rel})
		}
	}

	return items, len(items) >= MaxDirItems
}

func collectEntries(current dirQueueItem, includeHidden bool, specs gitignore.Specs) (files, dirs []string) {
	entries, err := os.ReadDir(current.abs)
	if err != nil {
		return nil, nil
	}

	relPrefix := current.rel
	if relPrefix == "." {
		relPrefix = ""
	}

	for _, entry := range entries {
		name := entry.Name()
		if !includeHidden && strings.HasPrefix(name, ".") {
			continue
		}

		entryRel := joinRel(relPrefix, name)
		isSymlink := entry.Type()&os.ModeSymlink != 0
		isDir := entry.IsDir() && !isSymlink

		if gitignore.IsIgnored(entryRel, isDir, specs) {
			continue
		}

		// Symlinks are never traversed, only listed as files.
		if isSymlink {
			files = append(files, name)
		} else if entry.IsDir() {
			dirs = append(dirs, name)
		} else {
			files = append(files, name)
		}
	}

	sort.Strings(files)
	sort.Strings(dirs)
	return files, dirs
}

func joinRel(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
