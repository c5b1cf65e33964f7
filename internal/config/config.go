// Package config resolves server configuration from .env files, XDG
// state/credential directories, and environment variables, the same
// layering the teacher's config package uses for LLM provider setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the resolved runtime configuration for the MCP server.
type Config struct {
	// Fast Apply
	ApplyEndpoint  string
	ApplyModel     string
	ApplyTimeout   time.Duration
	ApplyBearer    string
	PostCheckFlag  bool
	DefaultEncoding string

	// Agentic Search
	SearchEndpoint     string
	SearchModel        string
	SearchBearer       string
	SearchTimeout      time.Duration
	SearchMaxTurns     int
	SearchTemperature  float64
	SearchTopP         float64
	SearchTopPSet      bool
	SearchParallelCall bool
	SearchBashTools    bool
	SearchLSPTools     bool

	// HTTP retry
	MaxRetries int
	RetryBaseDelay time.Duration

	// Sandbox
	BaseDir    string
	ExtraPaths []string

	// Logging
	LogDir       string
	LogPath      string
	LoggingMode  string // off | safe | full
}

const (
	applyDefaultEndpoint  = "https://instantapply.endpoint.relace.run/v1/apply"
	applyDefaultModel     = "auto"
	searchDefaultEndpoint = "https://search.endpoint.relace.run/v1/search"
	searchDefaultModel    = "relace-search"
)

var linuxDefaultExtraPaths = []string{
	"~/.cursor/plans",
	"~/.windsurf/plans",
	"~/.gemini/antigravity/brain",
	"~/.kiro/steering",
}

// Load reads .env (cwd) and the XDG credentials file, then resolves Config
// from environment variables, applying the same defaults the original
// settings module does.
func Load() (*Config, error) {
	loadEnvFile(".env")
	if dir, err := StateDir(); err == nil {
		loadEnvFile(filepath.Join(dir, "credentials"))
	}

	cfg := &Config{
		ApplyEndpoint:   getenvOr("APPLY_ENDPOINT", applyDefaultEndpoint),
		ApplyModel:      getenvOr("APPLY_MODEL", applyDefaultModel),
		ApplyTimeout:    getenvSeconds("APPLY_TIMEOUT_SECONDS", 60),
		ApplyBearer:     os.Getenv("RELACE_API_KEY"),
		PostCheckFlag:   getenvBool("APPLY_SEMANTIC_CHECK", false),
		DefaultEncoding: os.Getenv("RELACE_DEFAULT_ENCODING"),

		SearchEndpoint:     getenvOr("SEARCH_ENDPOINT", searchDefaultEndpoint),
		SearchModel:        getenvOr("SEARCH_MODEL", searchDefaultModel),
		SearchBearer:       os.Getenv("RELACE_API_KEY"),
		SearchTimeout:      getenvSeconds("SEARCH_TIMEOUT_SECONDS", 120),
		SearchMaxTurns:     getenvInt("SEARCH_MAX_TURNS", 6),
		SearchTemperature:  getenvFloat("SEARCH_TEMPERATURE", 1.0),
		SearchParallelCall: getenvBool("SEARCH_PARALLEL_TOOL_CALLS", true),
		SearchBashTools:    getenvBool("SEARCH_BASH_TOOLS", false),
		SearchLSPTools:     getenvBool("SEARCH_LSP_TOOLS", false),

		MaxRetries:     getenvInt("APPLY_MAX_RETRIES", 3),
		RetryBaseDelay: time.Duration(getenvFloat("RETRY_BASE_DELAY", 1.0) * float64(time.Second)),

		BaseDir:    resolveBaseDir(),
		ExtraPaths: parseExtraPaths(),

		LoggingMode: parseLoggingMode(),
	}

	if raw := strings.TrimSpace(os.Getenv("SEARCH_TOP_P")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse SEARCH_TOP_P: %w", err)
		}
		cfg.SearchTopP = v
		cfg.SearchTopPSet = true
	}

	stateDir, err := StateDir()
	if err != nil {
		return nil, err
	}
	cfg.LogDir = getenvOr("MCP_LOG_DIR", stateDir)
	cfg.LogPath = getenvOr("MCP_LOG_PATH", filepath.Join(cfg.LogDir, "relace.log"))

	return cfg, nil
}

func loadEnvFile(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// StateDir returns the XDG-compliant state directory for the server:
// $XDG_STATE_HOME/relace on Linux, falling back to ~/.local/state/relace.
func StateDir() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" && filepath.IsAbs(dir) {
		return filepath.Join(dir, "relace"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".local", "state", "relace"), nil
}

// resolveBaseDir resolves the sandbox root: BASE_DIR env var, else cwd.
// MCP roots are not consulted; the relacemcpd entrypoint overrides the
// result only with its --base-dir flag.
func resolveBaseDir() string {
	if dir := strings.TrimSpace(os.Getenv("BASE_DIR")); dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			return abs
		}
		return dir
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

func parseExtraPaths() []string {
	var paths []string
	seen := make(map[string]bool)

	if raw := strings.TrimSpace(os.Getenv("MCP_EXTRA_PATHS")); raw != "" {
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			expanded := expandAndResolve(item)
			if isUnsafeExtraPath(expanded) {
				continue
			}
			if !seen[expanded] {
				seen[expanded] = true
				paths = append(paths, expanded)
			}
		}
	}

	if runtime.GOOS == "linux" {
		for _, p := range linuxDefaultExtraPaths {
			expanded := expandAndResolve(p)
			if seen[expanded] {
				continue
			}
			if info, err := os.Stat(expanded); err == nil && info.IsDir() {
				seen[expanded] = true
				paths = append(paths, expanded)
			}
		}
	}

	return paths
}

func isUnsafeExtraPath(p string) bool {
	switch p {
	case "/", "/home", "/tmp", "/etc", "/var", "/usr":
		return true
	default:
		return false
	}
}

func expandAndResolve(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func parseLoggingMode() string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("MCP_LOGGING")))
	switch raw {
	case "full":
		return "full"
	case "safe", "1", "true", "yes":
		return "safe"
	default:
		return "off"
	}
}

func getenvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func getenvSeconds(key string, fallbackSeconds float64) time.Duration {
	return time.Duration(getenvFloat(key, fallbackSeconds) * float64(time.Second))
}
