package apply

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/relace-run/relace-mcp-go/internal/httpclient"
	"github.com/relace-run/relace-mcp-go/internal/sandbox"
)

func newTestEngine(t *testing.T, mergedCode string) (*Engine, string) {
	t.Helper()
	base := t.TempDir()
	resolver, err := sandbox.NewResolver(base)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"mergedCode": mergedCode})
	}))
	t.Cleanup(srv.Close)

	client := httpclient.New(nil, httpclient.DefaultConfig(), nil)
	cfg := Config{Endpoint: srv.URL, Model: "auto"}
	return New(resolver, client, cfg, nil), base
}

func TestApply_NewFileShortcut(t *testing.T) {
	engine, base := newTestEngine(t, "unused")
	target := filepath.Join(base, "new.txt")

	res := engine.Apply(t.Context(), Request{
		FilePath:    target,
		EditSnippet: "hello world\n",
	})

	if res.Status != "ok" {
		t.Fatalf("expected ok, got %+v", res)
	}
	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "hello world\n" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestApply_SuccessfulEdit(t *testing.T) {
	existing := "package main\n\nfunc main() {\n\tfmt.Println(\"hello world this is long enough\")\n}\n"
	merged := "package main\n\nfunc main() {\n\tfmt.Println(\"goodbye world this is long enough\")\n}\n"

	engine, base := newTestEngine(t, merged)
	target := filepath.Join(base, "main.go")
	if err := os.WriteFile(target, []byte(existing), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	res := engine.Apply(t.Context(), Request{
		FilePath:    target,
		EditSnippet: "\tfmt.Println(\"hello world this is long enough\")\n\tfmt.Println(\"goodbye world this is long enough\")\n",
	})

	if res.Status != "ok" {
		t.Fatalf("expected ok, got %+v", res)
	}
	if !res.HasDiff {
		t.Fatalf("expected a non-empty diff")
	}
	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != merged {
		t.Fatalf("file not updated: %q", content)
	}
}

func TestApply_MissingAnchors_NeedsMoreContext(t *testing.T) {
	existing := "line one\nline two\nline three\n"
	engine, base := newTestEngine(t, existing)
	target := filepath.Join(base, "file.txt")
	if err := os.WriteFile(target, []byte(existing), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	res := engine.Apply(t.Context(), Request{
		FilePath:    target,
		EditSnippet: "this text does not appear anywhere in the target file at all\n",
	})

	if res.Status != "error" || res.Code != CodeNeedsMoreContext {
		t.Fatalf("expected NEEDS_MORE_CONTEXT, got %+v", res)
	}
}

func TestApply_EmptySnippet_InvalidInput(t *testing.T) {
	engine, base := newTestEngine(t, "x")
	target := filepath.Join(base, "file.txt")
	os.WriteFile(target, []byte("content\n"), 0o644)

	res := engine.Apply(t.Context(), Request{FilePath: target, EditSnippet: "   "})
	if res.Status != "error" || res.Code != CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %+v", res)
	}
}

func TestApply_PathEscapesBase_InvalidPath(t *testing.T) {
	engine, _ := newTestEngine(t, "x")

	res := engine.Apply(t.Context(), Request{
		FilePath:    "/etc/passwd",
		EditSnippet: "root:x:0:0\n",
	})
	if res.Status != "error" || res.Code != CodeInvalidPath {
		t.Fatalf("expected INVALID_PATH, got %+v", res)
	}
}

func TestApply_NoopWhenNoChangesExpected(t *testing.T) {
	existing := "package main\n\nfunc main() {\n\tfmt.Println(\"already here and long enough\")\n}\n"
	engine, base := newTestEngine(t, existing)
	target := filepath.Join(base, "main.go")
	os.WriteFile(target, []byte(existing), 0o644)

	res := engine.Apply(t.Context(), Request{
		FilePath:    target,
		EditSnippet: "\tfmt.Println(\"already here and long enough\")\n",
	})

	if res.Status != "ok" || res.HasDiff {
		t.Fatalf("expected ok with no diff, got %+v", res)
	}
}

func TestApply_FileTooLarge(t *testing.T) {
	engine, base := newTestEngine(t, "x")
	target := filepath.Join(base, "big.txt")
	big := make([]byte, MaxFileSizeBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	if err := os.WriteFile(target, big, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	res := engine.Apply(t.Context(), Request{
		FilePath:    target,
		EditSnippet: "some anchor line that is long enough to qualify\n",
	})
	if res.Status != "error" || res.Code != CodeFileTooLarge {
		t.Fatalf("expected FILE_TOO_LARGE, got %+v", res)
	}
}

func TestApply_RemoteAuthError(t *testing.T) {
	base := t.TempDir()
	resolver, _ := sandbox.NewResolver(base)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad token"}`))
	}))
	defer srv.Close()

	client := httpclient.New(nil, httpclient.Config{MaxRetries: 0, BaseDelay: 0}, nil)
	engine := New(resolver, client, Config{Endpoint: srv.URL}, nil)

	existing := "anchor line number one that is sufficiently long\nanchor line number two that is sufficiently long\n"
	target := filepath.Join(base, "f.txt")
	os.WriteFile(target, []byte(existing), 0o644)

	res := engine.Apply(t.Context(), Request{
		FilePath:    target,
		EditSnippet: existing,
	})
	if res.Status != "error" || res.Code != CodeAuthError {
		t.Fatalf("expected AUTH_ERROR, got %+v", res)
	}
}

func TestApply_PositionDirectiveSkipsAnchorPrecheck(t *testing.T) {
	existing := "line one\nline two\n"
	merged := "line one\nline two\nnew appended line that is long enough\n"
	engine, base := newTestEngine(t, merged)
	target := filepath.Join(base, "f.txt")
	os.WriteFile(target, []byte(existing), 0o644)

	res := engine.Apply(t.Context(), Request{
		FilePath:    target,
		EditSnippet: "new appended line that is long enough\n",
		Instruction: "append to the end of file",
	})
	if res.Status != "ok" {
		t.Fatalf("expected ok, got %+v", res)
	}
}

func TestApply_Idempotent_ReapplyIsNoop(t *testing.T) {
	existing := "package main\n\nfunc main() {\n\tfmt.Println(\"goodbye world this is long enough\")\n}\n"
	engine, base := newTestEngine(t, existing)
	target := filepath.Join(base, "main.go")
	os.WriteFile(target, []byte(existing), 0o644)

	res := engine.Apply(t.Context(), Request{
		FilePath:    target,
		EditSnippet: "\tfmt.Println(\"goodbye world this is long enough\")\n",
	})
	if res.Status != "ok" || res.HasDiff {
		t.Fatalf("expected idempotent no-op, got %+v", res)
	}
}
