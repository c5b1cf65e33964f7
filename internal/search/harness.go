package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relace-run/relace-mcp-go/internal/httpclient"
	"github.com/relace-run/relace-mcp-go/internal/sandbox"
)

// ToolHandler executes one tool call and returns its text result. A
// returned error never propagates across the turn boundary: the harness
// turns it into an "Error: ..." tool result, the same way it reports
// malformed JSON arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

// Config tunes the harness loop (spec §4.7/§5).
type Config struct {
	ChatEndpoint        string
	BearerToken         string
	Model               string
	Temperature         float64
	TopP                float64
	MaxTurns            int
	SearchTimeout       time.Duration
	RequestTimeout      time.Duration
	ContextCeilingChars int
	MaxToolResultChars  int
	WorkerPoolSize      int
	StrictToolIntegrity bool
}

// DefaultConfig returns the spec-mandated defaults: MAX_TURNS=6,
// SEARCH_TIMEOUT=120s, MAX_TOOL_RESULT_CHARS=50000.
func DefaultConfig() Config {
	return Config{
		Model:               "auto",
		Temperature:         0.2,
		MaxTurns:            6,
		SearchTimeout:       120 * time.Second,
		RequestTimeout:      60 * time.Second,
		ContextCeilingChars: 60000,
		MaxToolResultChars:  50000,
		WorkerPoolSize:      6,
	}
}

// Harness runs the agentic search loop.
type Harness struct {
	Config   Config
	HTTP     *httpclient.Client
	Resolver *sandbox.Resolver
	Tools    []ToolDef
	Handlers map[string]ToolHandler
	Logger   *zap.Logger
}

// New constructs a Harness. A nil logger is replaced with a no-op logger.
func New(client *httpclient.Client, resolver *sandbox.Resolver, toolDefs []ToolDef, handlers map[string]ToolHandler, cfg Config, logger *zap.Logger) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{Config: cfg, HTTP: client, Resolver: resolver, Tools: toolDefs, Handlers: handlers, Logger: logger}
}

// Run executes the turn-bounded search loop for one query (spec §4.7).
func (h *Harness) Run(ctx context.Context, query string) Report {
	traceID := uuid.NewString()[:8]
	started := time.Now()
	logger := h.Logger.With(zap.String("trace_id", traceID))

	observed := NewObservedFiles()
	messages := []Message{
		{Role: "system", Content: h.systemPrompt()},
		{Role: "user", Content: query},
	}

	correctionHint := ""
	turnsUsed := 0

	for turn := 0; turn < h.Config.MaxTurns; turn++ {
		if time.Since(started) > h.Config.SearchTimeout {
			break
		}

		if turn > 0 {
			hint := fmt.Sprintf("[turn %d/%d, %d%% of context budget used]", turn+1, h.Config.MaxTurns,
				contextBudgetPercent(messages, h.Config.ContextCeilingChars))
			if turn == h.Config.MaxTurns-1 {
				hint += " This is your final turn — call report_back now with what you have found."
			}
			if correctionHint != "" {
				hint += " " + correctionHint
				correctionHint = ""
			}
			messages = append(messages, Message{Role: "user", Content: hint})
		}

		messages = h.prepareContext(messages)

		turnsUsed = turn + 1
		resp, err := h.callChat(ctx, messages)
		if err != nil {
			logger.Warn("chat call failed", zap.Error(err))
			break
		}
		if len(resp.Choices) == 0 {
			break
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 {
			messages = append(messages, msg)
			continue
		}

		reportBackCall, otherCalls := splitReportBack(msg.ToolCalls)
		if reportBackCall != nil && len(otherCalls) > 0 {
			msg.ToolCalls = otherCalls
			correctionHint = "Note: report_back must be the sole tool call in a turn; it was ignored this turn alongside other calls."
			reportBackCall = nil
		}

		messages = append(messages, msg)

		results := h.dispatchParallel(ctx, msg.ToolCalls, observed)
		for _, r := range results {
			messages = append(messages, Message{Role: "tool", Content: truncateResult(r.output, h.Config.MaxToolResultChars), ToolCallID: r.id})
		}

		if reportBackCall != nil {
			return h.finishWithReportBack(traceID, query, reportBackCall, turnsUsed)
		}
	}

	return Report{
		Query:       query,
		Explanation: "[PARTIAL] search ended without a final report before the turn or time budget was exhausted",
		Files:       observed.Merge(),
		TurnsUsed:   turnsUsed,
		Partial:     true,
		TraceID:     traceID,
	}
}

func (h *Harness) systemPrompt() string {
	var names []string
	for _, t := range h.Tools {
		names = append(names, t.Function.Name)
	}
	return fmt.Sprintf(
		"You are a codebase search assistant. Use the available tools (%s) to investigate the repository at /repo and answer the user's query. When you have enough information, call report_back with an explanation and the files you examined.",
		strings.Join(names, ", "))
}

type toolResult struct {
	id     string
	output string
}

// dispatchParallel executes tool calls concurrently bounded by
// Config.WorkerPoolSize, preserving the original tool_calls order in the
// returned slice (spec §5's ordering guarantee).
func (h *Harness) dispatchParallel(ctx context.Context, calls []ToolCall, observed *ObservedFiles) []toolResult {
	results := make([]toolResult, len(calls))
	sem := make(chan struct{}, max(1, h.Config.WorkerPoolSize))
	var wg sync.WaitGroup

	for i, tc := range calls {
		results[i].id = tc.ID
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, tc ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx].output = h.executeOne(ctx, tc, observed)
		}(i, tc)
	}
	wg.Wait()
	return results
}

func (h *Harness) executeOne(ctx context.Context, tc ToolCall, observed *ObservedFiles) string {
	if tc.Function.Name == "report_back" {
		return "acknowledged"
	}

	handler, ok := h.Handlers[tc.Function.Name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", tc.Function.Name)
	}
	if !json.Valid([]byte(tc.Function.Arguments)) {
		return fmt.Sprintf("Error: invalid JSON in tool arguments: %s", tc.Function.Arguments)
	}

	output, err := handler(ctx, json.RawMessage(tc.Function.Arguments))
	if err != nil {
		return fmt.Sprintf("Error: %s", err)
	}

	h.recordObservation(tc, output, observed)
	return output
}

func (h *Harness) recordObservation(tc ToolCall, output string, observed *ObservedFiles) {
	switch tc.Function.Name {
	case "view_file":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil && args.Path != "" {
			if abs, err := h.Resolver.ResolveRepoPath(args.Path, sandbox.DefaultOptions()); err == nil {
				observed.RecordFromViewFileOutput(abs, output)
			}
		}
	case "grep_search":
		observed.RecordFromGrepOutput(h.Resolver, output)
	}
}

func splitReportBack(calls []ToolCall) (reportBack *ToolCall, others []ToolCall) {
	for i, tc := range calls {
		if tc.Function.Name == "report_back" {
			c := calls[i]
			reportBack = &c
			continue
		}
		others = append(others, tc)
	}
	return reportBack, others
}

func (h *Harness) finishWithReportBack(traceID, query string, call *ToolCall, turnsUsed int) Report {
	var args reportBackArgs
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return Report{
			Query:       query,
			Explanation: "[PARTIAL] report_back arguments could not be parsed",
			Files:       map[string][]Range{},
			TurnsUsed:   turnsUsed,
			Partial:     true,
			Error:       err.Error(),
			TraceID:     traceID,
		}
	}
	return Report{
		Query:       query,
		Explanation: args.Explanation,
		Files:       NormalizeReportBackFiles(h.Resolver, args.Files),
		TurnsUsed:   turnsUsed,
		TraceID:     traceID,
	}
}

func (h *Harness) callChat(ctx context.Context, messages []Message) (*chatResponse, error) {
	body := chatRequest{
		Model:       h.Config.Model,
		Messages:    messages,
		Tools:       h.Tools,
		Temperature: h.Config.Temperature,
		TopP:        h.Config.TopP,
	}
	headers := map[string]string{}
	if h.Config.BearerToken != "" {
		headers["Authorization"] = "Bearer " + h.Config.BearerToken
	}

	raw, err := h.HTTP.PostJSON(ctx, h.Config.ChatEndpoint, headers, body, h.Config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse chat response: %w", err)
	}
	return &resp, nil
}

// prepareContext recomputes the context size and, if it exceeds the
// configured ceiling, truncates old messages while preserving
// {system, user0} and the last 6 messages — then repairs tool-call
// integrity once, last, since truncation can itself cut an assistant
// message away from its tool results (spec §4.7 step 2).
func (h *Harness) prepareContext(messages []Message) []Message {
	prepared := messages
	if estimateContextChars(messages) > h.Config.ContextCeilingChars {
		prepared = truncateOldMessages(messages)
	}
	return RepairToolCallIntegrity(prepared, h.Config.StrictToolIntegrity)
}

const preservedTailMessages = 6

func truncateOldMessages(messages []Message) []Message {
	if len(messages) <= 2+preservedTailMessages {
		return messages
	}

	keep := make(map[int]bool)
	keep[0] = true
	keep[1] = true
	for i := len(messages) - preservedTailMessages; i < len(messages); i++ {
		if i >= 0 {
			keep[i] = true
		}
	}

	indices := make([]int, 0, len(keep))
	for i := range keep {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	result := make([]Message, 0, len(indices))
	for _, i := range indices {
		result = append(result, messages[i])
	}
	return result
}

func estimateContextChars(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Function.Arguments)
		}
	}
	return total
}

func contextBudgetPercent(messages []Message, ceiling int) int {
	if ceiling <= 0 {
		return 0
	}
	pct := estimateContextChars(messages) * 100 / ceiling
	if pct > 100 {
		pct = 100
	}
	return pct
}

func truncateResult(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return fmt.Sprintf("%s\n... truncated (original %d chars, showing %d) ...", s[:limit], len(s), limit)
}
