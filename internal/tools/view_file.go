// Package tools implements the read-only and shell search tools exposed by
// the Agentic Search harness: view_file, view_directory, grep_search, glob,
// and bash (spec §4.5/§4.6).
package tools

import (
	"fmt"
	"os"
	"strings"

	"github.com/relace-run/relace-mcp-go/internal/encoding"
	"github.com/relace-run/relace-mcp-go/internal/sandbox"
)

// MaxFileSizeBytes is the 10 MiB cap shared with the apply engine (spec §4.5).
const MaxFileSizeBytes = 10 * 1024 * 1024

// ViewFile renders a 1-indexed slice of a file as "<n> <content>" lines
// (spec §4.5's view_file contract).
func ViewFile(resolver *sandbox.Resolver, defaultEncoding, path string, start, end int) (string, error) {
	target := path
	if target == "/repo" || strings.HasPrefix(target, "/repo/") {
		target = resolver.MapPathNoResolve(target)
	}
	resolved, err := resolver.ValidateFilePath(target, false)
	if err != nil {
		return "", err
	}
	if sandbox.IsSymlink(resolver.MapPathNoResolve(target)) {
		return "", fmt.Errorf("refusing to read symlink: %s", path)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("file not found: %s", path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("not a file: %s", path)
	}
	if info.Size() > MaxFileSizeBytes {
		return "", fmt.Errorf("file too large: %s", path)
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	decoded, err := encoding.DecodeBestEffort(raw, defaultEncoding)
	if err != nil {
		return "", fmt.Errorf("decode file: %w", err)
	}

	lines := strings.Split(decoded.Text, "\n")
	// A trailing "" element from a final newline is not a real line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	total := len(lines)

	if start <= 0 {
		start = 1
	}
	endLine := end
	if endLine < 0 {
		endLine = total
	}
	if endLine > total {
		endLine = total
	}
	if start > total {
		return "", nil
	}

	var b strings.Builder
	for n := start; n <= endLine; n++ {
		fmt.Fprintf(&b, "%d %s\n", n, lines[n-1])
	}
	if endLine < total {
		b.WriteString("... rest of file truncated ...\n")
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}
