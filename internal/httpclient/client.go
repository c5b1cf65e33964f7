package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Config tunes the retry policy. Mirrors the teacher's retryConfig shape
// (llm/retry.go) generalized to the spec's full error taxonomy.
type Config struct {
	MaxRetries int           // default 3 (4 total attempts)
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 60s
}

// DefaultConfig returns the spec-mandated defaults: MAX_RETRIES=3,
// RETRY_BASE_DELAY=1s.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   60 * time.Second,
	}
}

// Client posts JSON bodies with classified-error retry semantics.
type Client struct {
	HTTP   *http.Client
	Config Config
	Logger *zap.Logger
}

// New constructs a Client with the given HTTP transport and retry config.
// A nil logger is replaced with zap.NewNop().
func New(httpClient *http.Client, cfg Config, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{HTTP: httpClient, Config: cfg, Logger: logger}
}

// PostJSON implements the §4.1 contract: post_json(endpoint, headers, body,
// timeout) -> json. On success it returns the raw parsed JSON body. On
// failure it returns an *Error classified per the rules in §4.1; transport
// and non-2xx failures are retried up to Config.MaxRetries times with
// exponential backoff plus jitter, honoring Retry-After when present.
func (c *Client) PostJSON(ctx context.Context, endpoint string, headers map[string]string, body any, timeout time.Duration) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	var lastErr error
	var forcedDelay time.Duration

	for attempt := 0; attempt <= c.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := forcedDelay
			if delay <= 0 {
				delay = backoffDelay(attempt-1, c.Config.BaseDelay, c.Config.MaxDelay)
			}
			forcedDelay = 0
			c.Logger.Debug("httpclient retrying",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			cancel()
			classified := classifyTransportError(err)
			lastErr = classified
			if classified.Kind.Retryable() && attempt < c.Config.MaxRetries {
				continue
			}
			return nil, classified
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if readErr != nil {
			lastErr = &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: readErr.Error()}
			if attempt < c.Config.MaxRetries {
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var parsed json.RawMessage
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return nil, &Error{
					Kind:    KindServer,
					Status:  resp.StatusCode,
					Message: "non-JSON 2xx response body",
					RawBody: string(respBody),
				}
			}
			return parsed, nil
		}

		classified := classifyStatus(resp.StatusCode, respBody, resp.Header)
		lastErr = classified
		if classified.Kind.Retryable() && attempt < c.Config.MaxRetries {
			if classified.RetryAfter > 0 {
				forcedDelay = classified.RetryAfter
			}
			continue
		}
		return nil, classified
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("httpclient: retries exhausted with no recorded error")
}

// classifyStatus maps an HTTP status code (plus parsed body fields) to the
// §4.1 error taxonomy.
func classifyStatus(status int, body []byte, header http.Header) *Error {
	code, msg := parseErrorFields(body)
	e := &Error{Status: status, Code: code, Message: msg, RawBody: string(body)}

	switch {
	case status == 401 || status == 403:
		e.Kind = KindAuth
	case status == 404:
		e.Kind = KindNotFound
	case status == 400 || status == 422 || status == 405 || status == 409 || status == 413:
		e.Kind = KindValidation
	case status == 423:
		e.Kind = KindResourceLocked
	case status == 429:
		e.Kind = KindRateLimit
		e.RetryAfter = parseRetryAfter(header)
	case status >= 500:
		e.Kind = KindServer
	case status >= 400 && status < 500:
		// Any other 4xx not explicitly classified above is treated as a
		// non-retryable validation-style error.
		e.Kind = KindValidation
	default:
		e.Kind = KindServer
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// parseErrorFields extracts a short code and message from a JSON error body,
// preferring fields in order: code, error, message, detail.
func parseErrorFields(body []byte) (code, message string) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", ""
	}
	for _, key := range []string{"code", "error", "message", "detail"} {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				if code == "" {
					code = s
				}
				if message == "" {
					message = s
				}
			}
		}
	}
	return code, message
}

func classifyTransportError(err error) *Error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	return &Error{Kind: KindNetwork, Message: err.Error()}
}

// parseRetryAfter extracts the Retry-After header as a duration. Supports
// the integer-seconds form (and fractional seconds, which the spec's own
// test fixtures use, e.g. "0.01").
func parseRetryAfter(header http.Header) time.Duration {
	val := header.Get("Retry-After")
	if val == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	if when, err := http.ParseTime(val); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// backoffDelay computes base*2^attempt + uniform_jitter(0, 0.5s), capped at
// maxDelay, using cenkalti/backoff's exponential curve for the deterministic
// part and a local jitter draw for the spec's uniform(0, 0.5s) requirement.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if maxDelay <= 0 {
		maxDelay = DefaultConfig().MaxDelay
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = maxDelay
	eb.Reset() // restart the curve from InitialInterval set above

	delay := base
	for i := 0; i <= attempt; i++ {
		delay = eb.NextBackOff()
		if delay == backoff.Stop {
			delay = maxDelay
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	delay += jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
