package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relace-run/relace-mcp-go/internal/httpclient"
	"github.com/relace-run/relace-mcp-go/internal/sandbox"
)

func newTestHarness(t *testing.T, responses []chatResponse, handlers map[string]ToolHandler) (*Harness, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := calls
		if idx >= len(responses) {
			idx = len(responses) - 1
		}
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(responses[idx])
	}))
	t.Cleanup(srv.Close)

	resolver, err := sandbox.NewResolver(t.TempDir())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	client := httpclient.New(srv.Client(), httpclient.Config{MaxRetries: 0}, nil)

	cfg := DefaultConfig()
	cfg.ChatEndpoint = srv.URL
	cfg.MaxTurns = 4
	cfg.SearchTimeout = 5 * time.Second
	cfg.RequestTimeout = 5 * time.Second

	h := New(client, resolver, nil, handlers, cfg, nil)
	return h, &calls
}

func toolCallMsg(id, name, args string) Message {
	return Message{
		Role: "assistant",
		ToolCalls: []ToolCall{
			{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: args}},
		},
	}
}

func TestHarness_ReportBackEndsLoopImmediately(t *testing.T) {
	responses := []chatResponse{
		{Choices: []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		}{{Message: toolCallMsg("call-1", "report_back", `{"explanation":"done","files":{}}`)}}},
	}
	h, calls := newTestHarness(t, responses, nil)

	report := h.Run(context.Background(), "where is main?")
	if report.Explanation != "done" {
		t.Fatalf("unexpected explanation: %q", report.Explanation)
	}
	if report.Partial {
		t.Fatalf("expected non-partial report")
	}
	if report.TurnsUsed != 1 {
		t.Fatalf("expected 1 turn used, got %d", report.TurnsUsed)
	}
	if *calls != 1 {
		t.Fatalf("expected exactly 1 chat call, got %d", *calls)
	}
}

func TestHarness_TurnBoundEnforced(t *testing.T) {
	msg := toolCallMsg("call-1", "noop", `{}`)
	responses := []chatResponse{
		{Choices: []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		}{{Message: msg}}},
	}
	handlers := map[string]ToolHandler{
		"noop": func(ctx context.Context, args json.RawMessage) (string, error) { return "ok", nil },
	}
	h, calls := newTestHarness(t, responses, handlers)

	report := h.Run(context.Background(), "explore")
	if !report.Partial {
		t.Fatalf("expected partial report when turns exhaust without report_back")
	}
	if report.TurnsUsed != h.Config.MaxTurns {
		t.Fatalf("expected TurnsUsed == MaxTurns (%d), got %d", h.Config.MaxTurns, report.TurnsUsed)
	}
	if *calls != h.Config.MaxTurns {
		t.Fatalf("expected exactly MaxTurns chat calls, got %d", *calls)
	}
}

func TestHarness_ToolResultsAppendInOriginalOrder(t *testing.T) {
	msg := Message{
		Role: "assistant",
		ToolCalls: []ToolCall{
			{ID: "a", Type: "function", Function: FunctionCall{Name: "slow", Arguments: `{}`}},
			{ID: "b", Type: "function", Function: FunctionCall{Name: "fast", Arguments: `{}`}},
		},
	}
	reportMsg := toolCallMsg("c", "report_back", `{"explanation":"x","files":{}}`)
	responses := []chatResponse{
		{Choices: []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		}{{Message: msg}}},
		{Choices: []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		}{{Message: reportMsg}}},
	}
	handlers := map[string]ToolHandler{
		"slow": func(ctx context.Context, args json.RawMessage) (string, error) {
			time.Sleep(30 * time.Millisecond)
			return "slow-result", nil
		},
		"fast": func(ctx context.Context, args json.RawMessage) (string, error) {
			return "fast-result", nil
		},
	}
	h, _ := newTestHarness(t, responses, handlers)

	report := h.Run(context.Background(), "explore")
	if report.Partial {
		t.Fatalf("expected completed report")
	}
	_ = report

	results := h.dispatchParallel(context.Background(), msg.ToolCalls, NewObservedFiles())
	if len(results) != 2 || results[0].id != "a" || results[1].id != "b" {
		t.Fatalf("expected results in tool_calls order [a b], got %+v", results)
	}
	if results[0].output != "slow-result" || results[1].output != "fast-result" {
		t.Fatalf("expected each output paired with its call, got %+v", results)
	}
}

func TestHarness_ReportBackAlongsideOtherToolsIsStripped(t *testing.T) {
	mixed := Message{
		Role: "assistant",
		ToolCalls: []ToolCall{
			{ID: "a", Type: "function", Function: FunctionCall{Name: "noop", Arguments: `{}`}},
			{ID: "b", Type: "function", Function: FunctionCall{Name: "report_back", Arguments: `{"explanation":"premature","files":{}}`}},
		},
	}
	final := toolCallMsg("c", "report_back", `{"explanation":"final","files":{}}`)
	responses := []chatResponse{
		{Choices: []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		}{{Message: mixed}}},
		{Choices: []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		}{{Message: final}}},
	}
	handlers := map[string]ToolHandler{
		"noop": func(ctx context.Context, args json.RawMessage) (string, error) { return "ok", nil },
	}
	h, calls := newTestHarness(t, responses, handlers)

	report := h.Run(context.Background(), "explore")
	if report.Explanation != "final" {
		t.Fatalf("expected the later, sole report_back to win, got %q", report.Explanation)
	}
	if *calls != 2 {
		t.Fatalf("expected 2 chat calls (report_back alongside others ignored once), got %d", *calls)
	}
}

func TestTruncateOldMessages_PreservesSystemAndUser0AndTail(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "u0"},
	}
	for i := 0; i < 20; i++ {
		messages = append(messages, Message{Role: "user", Content: "filler"})
	}
	messages = append(messages, Message{Role: "user", Content: "tail"})

	out := truncateOldMessages(messages)
	if out[0].Content != "sys" || out[1].Content != "u0" {
		t.Fatalf("expected system and user0 preserved, got %v", out[:2])
	}
	if out[len(out)-1].Content != "tail" {
		t.Fatalf("expected last message preserved, got %q", out[len(out)-1].Content)
	}
	if len(out) != 2+preservedTailMessages {
		t.Fatalf("expected %d messages, got %d", 2+preservedTailMessages, len(out))
	}
}

func TestTruncateResult_AddsSuffixWhenOverLimit(t *testing.T) {
	s := truncateResult("abcdefghij", 4)
	if s == "abcdefghij" {
		t.Fatalf("expected truncation to occur")
	}
	if s[:4] != "abcd" {
		t.Fatalf("expected prefix preserved, got %q", s)
	}
}

func TestHarness_MalformedToolArgsNeverPanics(t *testing.T) {
	msg := toolCallMsg("a", "noop", `{not-json`)
	reportMsg := toolCallMsg("b", "report_back", `{"explanation":"x","files":{}}`)
	responses := []chatResponse{
		{Choices: []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		}{{Message: msg}}},
		{Choices: []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		}{{Message: reportMsg}}},
	}
	handlers := map[string]ToolHandler{
		"noop": func(ctx context.Context, args json.RawMessage) (string, error) { return "unreachable", nil },
	}
	h, _ := newTestHarness(t, responses, handlers)

	report := h.Run(context.Background(), "explore")
	if report.Explanation != "x" {
		t.Fatalf("expected loop to continue past malformed args, got %q", report.Explanation)
	}
}
