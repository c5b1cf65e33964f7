package gitignore

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIsIgnored_SimplePattern(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".gitignore"), "*.log\nbuild/\n")

	c := NewCollector(dir)
	specs := c.Collect(dir)

	if !IsIgnored("debug.log", false, specs) {
		t.Error("expected debug.log to be ignored")
	}
	if IsIgnored("debug.txt", false, specs) {
		t.Error("expected debug.txt to not be ignored")
	}
	if !IsIgnored("build", true, specs) {
		t.Error("expected build/ directory to be ignored")
	}
}

func TestIsIgnored_NestedNegationOverridesParent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".gitignore"), "*.log\n")
	writeFile(t, filepath.Join(dir, "keep", ".gitignore"), "!important.log\n")

	c := NewCollector(dir)
	specs := c.Collect(filepath.Join(dir, "keep"))

	if IsIgnored("keep/important.log", false, specs) {
		t.Error("expected nested negation to un-ignore important.log")
	}
	if !IsIgnored("keep/other.log", false, specs) {
		t.Error("expected other.log to remain ignored")
	}
}

func TestIsIgnored_LastMatchWinsWithinFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".gitignore"), "*.log\n!keep.log\n*.log\n")

	c := NewCollector(dir)
	specs := c.Collect(dir)

	if !IsIgnored("keep.log", false, specs) {
		t.Error("expected the final *.log re-ignore to win (last match wins)")
	}
}

func TestCollect_MemoizedPerDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".gitignore"), "*.log\n")

	c := NewCollector(dir)
	first := c.Collect(dir)
	second := c.Collect(dir)
	if len(first) != len(second) {
		t.Fatalf("expected memoized identical results")
	}
}

func TestGlobToRegex_DoubleStarMatchesAnyDepth(t *testing.T) {
	p, ok := compileLine("**/vendor/**")
	if !ok {
		t.Fatal("expected pattern to compile")
	}
	if !p.match("a/b/vendor/c/d") {
		t.Error("expected deep vendor path to match")
	}
}
