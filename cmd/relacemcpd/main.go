// relacemcpd is the MCP server entrypoint: it wires configuration, the
// sandboxed Fast Apply engine, and the Agentic Search harness into
// fast_apply / agentic_search tools served over stdio (the optional bash
// tool is offered only to the search harness's own chat model), following
// cmd/pilot's flag-parse-then-wire-then-run shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relace-run/relace-mcp-go/internal/apply"
	"github.com/relace-run/relace-mcp-go/internal/config"
	"github.com/relace-run/relace-mcp-go/internal/gitignore"
	"github.com/relace-run/relace-mcp-go/internal/httpclient"
	"github.com/relace-run/relace-mcp-go/internal/obslog"
	"github.com/relace-run/relace-mcp-go/internal/sandbox"
	"github.com/relace-run/relace-mcp-go/internal/search"
	"github.com/relace-run/relace-mcp-go/internal/tools"
)

var version = "dev"

func getVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	var baseDirFlag string

	root := &cobra.Command{
		Use:     "relacemcpd",
		Short:   "MCP server exposing Fast Apply and Agentic Search tools",
		Version: getVersion(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(baseDirFlag)
		},
	}
	root.Flags().StringVar(&baseDirFlag, "base-dir", "", "repository root to sandbox file operations under (overrides BASE_DIR)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(baseDirFlag string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if baseDirFlag != "" {
		cfg.BaseDir = baseDirFlag
	}

	logger, err := obslog.New(obslog.Options{Mode: cfg.LoggingMode, LogPath: cfg.LogPath})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	resolver, err := sandbox.NewResolver(cfg.BaseDir, cfg.ExtraPaths...)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	ignores := gitignore.NewCollector(resolver.BaseDir)
	httpClient := httpclient.New(&http.Client{}, httpclient.Config{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay}, logger)

	applyEngine := apply.New(resolver, httpClient, apply.Config{
		Endpoint:         cfg.ApplyEndpoint,
		BearerToken:      cfg.ApplyBearer,
		Model:            cfg.ApplyModel,
		Timeout:          cfg.ApplyTimeout,
		PostCheckEnabled: cfg.PostCheckFlag,
		DefaultEncoding:  cfg.DefaultEncoding,
	}, logger)

	searchHarness := search.New(httpClient, resolver, searchToolDefs(cfg.SearchBashTools), searchHandlers(resolver, ignores, cfg.SearchBashTools), search.Config{
		ChatEndpoint:        cfg.SearchEndpoint,
		BearerToken:         cfg.SearchBearer,
		Model:               cfg.SearchModel,
		Temperature:         cfg.SearchTemperature,
		TopP:                cfg.SearchTopP,
		MaxTurns:            cfg.SearchMaxTurns,
		SearchTimeout:       cfg.SearchTimeout,
		RequestTimeout:      cfg.SearchTimeout,
		ContextCeilingChars: 60000,
		MaxToolResultChars:  50000,
		WorkerPoolSize:      6,
	}, logger)

	srv := mcpserver.NewMCPServer("relacemcpd", getVersion(), mcpserver.WithToolCapabilities(true))
	srv.AddTool(fastApplyToolDef(), fastApplyHandler(applyEngine, logger))
	srv.AddTool(agenticSearchToolDef(), agenticSearchHandler(searchHarness, logger))

	logger.Info("relacemcpd starting", zap.String("base_dir", resolver.BaseDir), zap.String("version", getVersion()))
	return mcpserver.ServeStdio(srv)
}

func fastApplyToolDef() mcp.Tool {
	return mcp.NewTool("fast_apply",
		mcp.WithDescription("Merge an edit snippet into a repository file using a remote Fast Apply model, writing the result atomically."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Repository-relative or /repo-rooted path to edit or create.")),
		mcp.WithString("edit_snippet", mcp.Required(), mcp.Description("The new or changed code, using // ... existing code ... anchors where unchanged regions are elided.")),
		mcp.WithString("instruction", mcp.Description("Optional natural-language description of the intended change.")),
	)
}

func fastApplyHandler(engine *apply.Engine, logger *zap.Logger) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		req := apply.Request{
			FilePath:    stringArg(args, "path"),
			EditSnippet: stringArg(args, "edit_snippet"),
			Instruction: stringArg(args, "instruction"),
		}
		result := engine.Apply(ctx, req)
		logger.Info("fast_apply", zap.String("path", req.FilePath), zap.String("code", string(result.Code)), zap.Bool("ok", result.Status == "ok"))

		payload, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func agenticSearchToolDef() mcp.Tool {
	return mcp.NewTool("agentic_search",
		mcp.WithDescription("Run a bounded, tool-calling search over the repository to answer a question and report the files it examined."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The question to investigate, e.g. 'where is the retry logic for HTTP calls?'")),
	)
}

func agenticSearchHandler(h *search.Harness, logger *zap.Logger) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		query := stringArg(args, "query")

		report := h.Run(ctx, query)
		logger.Info("agentic_search", zap.String("query", query), zap.Int("turns_used", report.TurnsUsed), zap.Bool("partial", report.Partial))

		payload, err := json.Marshal(report)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, _ := args[key].(string)
	return v
}

// searchToolDefs builds the tool schema list offered to the chat model
// inside the search harness — distinct from the MCP tools the server
// itself exposes upstream.
func searchToolDefs(enableBash bool) []search.ToolDef {
	defs := []search.ToolDef{
		searchToolDef("view_file", "Read a range of lines from a file, 1-indexed.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":  map[string]any{"type": "string"},
				"start": map[string]any{"type": "integer"},
				"end":   map[string]any{"type": "integer"},
			},
			"required": []string{"path"},
		}),
		searchToolDef("view_directory", "List a directory's contents, breadth-first.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":           map[string]any{"type": "string"},
				"include_hidden": map[string]any{"type": "boolean"},
			},
			"required": []string{"path"},
		}),
		searchToolDef("grep_search", "Search file contents for a pattern.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":           map[string]any{"type": "string"},
				"case_sensitive":  map[string]any{"type": "boolean"},
				"include_pattern": map[string]any{"type": "string"},
				"exclude_pattern": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		}),
		searchToolDef("glob", "Find files matching a glob pattern.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern":        map[string]any{"type": "string"},
				"path":           map[string]any{"type": "string"},
				"include_hidden": map[string]any{"type": "boolean"},
			},
			"required": []string{"pattern"},
		}),
		searchToolDef("report_back", "Conclude the search with an explanation and the files examined.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"explanation": map[string]any{"type": "string"},
				"files":       map[string]any{"type": "object"},
			},
			"required": []string{"explanation"},
		}),
	}
	if enableBash {
		defs = append(defs, searchToolDef("bash", "Run a read-only shell command inside the sandboxed repository.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
			},
			"required": []string{"command"},
		}))
	}
	return defs
}

func searchToolDef(name, description string, schema map[string]any) search.ToolDef {
	raw, _ := json.Marshal(schema)
	return search.ToolDef{
		Type: "function",
		Function: search.FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  raw,
		},
	}
}

func searchHandlers(resolver *sandbox.Resolver, ignores *gitignore.Collector, enableBash bool) map[string]search.ToolHandler {
	handlers := map[string]search.ToolHandler{
		"view_file": func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Path  string `json:"path"`
				Start int    `json:"start"`
				End   int    `json:"end"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if args.Start == 0 {
				args.Start = 1
			}
			if args.End == 0 {
				args.End = -1
			}
			return tools.ViewFile(resolver, "", args.Path, args.Start, args.End)
		},
		"view_directory": func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Path          string `json:"path"`
				IncludeHidden bool   `json:"include_hidden"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			return tools.ViewDirectory(resolver, ignores, args.Path, args.IncludeHidden)
		},
		"grep_search": func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Query          string `json:"query"`
				CaseSensitive  bool   `json:"case_sensitive"`
				IncludePattern string `json:"include_pattern"`
				ExcludePattern string `json:"exclude_pattern"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			return tools.GrepSearch(ctx, resolver, ignores, args.Query, args.CaseSensitive, args.IncludePattern, args.ExcludePattern)
		},
		"glob": func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Pattern       string `json:"pattern"`
				Path          string `json:"path"`
				IncludeHidden bool   `json:"include_hidden"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			return tools.Glob(ctx, resolver, ignores, args.Pattern, args.Path, args.IncludeHidden, 0)
		},
	}
	if enableBash {
		handlers["bash"] = func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			return tools.Bash(ctx, resolver, args.Command)
		}
	}
	return handlers
}
