package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
}

func TestPostJSON_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"mergedCode":"ok"}`))
	}))
	defer server.Close()

	c := New(nil, testConfig(), nil)
	body, err := c.PostJSON(context.Background(), server.URL, nil, map[string]string{"a": "b"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"mergedCode":"ok"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestPostJSON_429ThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			w.WriteHeader(429)
			w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := New(nil, testConfig(), nil)
	_, err := c.PostJSON(context.Background(), server.URL, nil, nil, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestPostJSON_ServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(500)
		w.Write([]byte(`{"message":"boom"}`))
	}))
	defer server.Close()

	cfg := Config{MaxRetries: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	c := New(nil, cfg, nil)
	_, err := c.PostJSON(context.Background(), server.URL, nil, nil, time.Second)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	httpErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if httpErr.Kind != KindServer {
		t.Fatalf("expected KindServer, got %v", httpErr.Kind)
	}
	if calls.Load() != 3 { // MaxRetries+1 total tries
		t.Fatalf("expected 3 attempts (MaxRetries+1), got %d", calls.Load())
	}
}

func TestPostJSON_AuthErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(401)
		w.Write([]byte(`{"code":"unauthorized"}`))
	}))
	defer server.Close()

	c := New(nil, testConfig(), nil)
	_, err := c.PostJSON(context.Background(), server.URL, nil, nil, time.Second)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	httpErr := err.(*Error)
	if httpErr.Kind != KindAuth {
		t.Fatalf("expected KindAuth, got %v", httpErr.Kind)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls.Load())
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{404, KindNotFound},
		{400, KindValidation},
		{422, KindValidation},
		{405, KindValidation},
		{409, KindValidation},
		{413, KindValidation},
		{423, KindResourceLocked},
		{429, KindRateLimit},
		{500, KindServer},
		{503, KindServer},
	}
	for _, tt := range tests {
		got := classifyStatus(tt.status, []byte(`{}`), http.Header{})
		if got.Kind != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got.Kind, tt.want)
		}
	}
}

func TestParseErrorFields_Precedence(t *testing.T) {
	code, msg := parseErrorFields([]byte(`{"error":"e1","message":"m1","detail":"d1"}`))
	if code != "e1" || msg != "e1" {
		t.Fatalf("expected error field to win, got code=%q msg=%q", code, msg)
	}
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "0.01")
	got := parseRetryAfter(h)
	if got <= 0 || got > time.Second {
		t.Fatalf("unexpected duration: %v", got)
	}
}
