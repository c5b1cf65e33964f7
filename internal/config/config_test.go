package config

import (
	"os"
	"testing"
)

func clearRelaceEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"APPLY_ENDPOINT", "APPLY_MODEL", "APPLY_TIMEOUT_SECONDS", "RELACE_API_KEY",
		"APPLY_SEMANTIC_CHECK", "RELACE_DEFAULT_ENCODING", "SEARCH_ENDPOINT",
		"SEARCH_MODEL", "SEARCH_TIMEOUT_SECONDS", "SEARCH_MAX_TURNS", "SEARCH_TEMPERATURE",
		"SEARCH_TOP_P", "SEARCH_PARALLEL_TOOL_CALLS", "SEARCH_BASH_TOOLS", "SEARCH_LSP_TOOLS",
		"BASE_DIR", "MCP_EXTRA_PATHS", "MCP_LOGGING", "MCP_LOG_DIR", "MCP_LOG_PATH",
		"XDG_STATE_HOME",
	}
	for _, v := range vars {
		old, had := os.LookupEnv(v)
		os.Unsetenv(v)
		t.Cleanup(func(v string, had bool, old string) func() {
			return func() {
				if had {
					os.Setenv(v, old)
				}
			}
		}(v, had, old))
	}
}

func TestLoad_DefaultsMatchSpecConstants(t *testing.T) {
	clearRelaceEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ApplyEndpoint != applyDefaultEndpoint {
		t.Errorf("ApplyEndpoint = %q", cfg.ApplyEndpoint)
	}
	if cfg.SearchMaxTurns != 6 {
		t.Errorf("SearchMaxTurns = %d, want 6", cfg.SearchMaxTurns)
	}
	if cfg.SearchBashTools {
		t.Errorf("SearchBashTools should default to false")
	}
	if !cfg.SearchParallelCall {
		t.Errorf("SearchParallelCall should default to true")
	}
	if cfg.SearchTopPSet {
		t.Errorf("SearchTopPSet should default false when unset")
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearRelaceEnv(t)
	os.Setenv("SEARCH_MAX_TURNS", "10")
	os.Setenv("SEARCH_BASH_TOOLS", "true")
	os.Setenv("SEARCH_TOP_P", "0.9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SearchMaxTurns != 10 {
		t.Errorf("SearchMaxTurns = %d, want 10", cfg.SearchMaxTurns)
	}
	if !cfg.SearchBashTools {
		t.Errorf("SearchBashTools should be true")
	}
	if !cfg.SearchTopPSet || cfg.SearchTopP != 0.9 {
		t.Errorf("SearchTopP = %v (set=%v), want 0.9", cfg.SearchTopP, cfg.SearchTopPSet)
	}
}

func TestParseExtraPaths_RejectsUnsafeRoots(t *testing.T) {
	clearRelaceEnv(t)
	os.Setenv("MCP_EXTRA_PATHS", "/tmp,/etc")

	paths := parseExtraPaths()
	for _, p := range paths {
		if isUnsafeExtraPath(p) {
			t.Errorf("unsafe path %q should have been filtered", p)
		}
	}
}

func TestResolveBaseDir_UsesEnvWhenSet(t *testing.T) {
	clearRelaceEnv(t)
	os.Setenv("BASE_DIR", "/tmp")

	if got := resolveBaseDir(); got != "/tmp" {
		t.Errorf("resolveBaseDir = %q, want /tmp", got)
	}
}
