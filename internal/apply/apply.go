package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"

	enc "github.com/relace-run/relace-mcp-go/internal/encoding"
	"github.com/relace-run/relace-mcp-go/internal/httpclient"
	"github.com/relace-run/relace-mcp-go/internal/sandbox"
)

// MaxFileSizeBytes is the 10 MiB cap from spec §4.2 step 5 / §8.
const MaxFileSizeBytes = 10 * 1024 * 1024

// Config configures an Engine.
type Config struct {
	Endpoint          string
	BearerToken       string
	Model             string // "auto" by default per the remote service's model selection
	Timeout           time.Duration
	PostCheckEnabled  bool   // APPLY_SEMANTIC_CHECK
	BackupDir         string // empty disables backup-on-write
	DefaultEncoding   string // project-level override, if configured
}

// Engine is the Fast Apply engine (spec §4.2).
type Engine struct {
	Resolver *sandbox.Resolver
	HTTP     *httpclient.Client
	Config   Config
	Logger   *zap.Logger
}

// New constructs an Engine. A nil logger is replaced with a no-op logger.
func New(resolver *sandbox.Resolver, client *httpclient.Client, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Resolver: resolver, HTTP: client, Config: cfg, Logger: logger}
}

// mergeRequest is the body posted to the remote Fast Apply endpoint
// (spec §6).
type mergeRequest struct {
	InitialCode string `json:"initial_code"`
	EditSnippet string `json:"edit_snippet"`
	Model       string `json:"model"`
	Stream      bool   `json:"stream"`
	Instruction string `json:"instruction,omitempty"`
}

type mergeResponse struct {
	MergedCode any `json:"mergedCode"`
}

// Apply executes the full validation pipeline from spec §4.2 and returns a
// discriminated Result — it never returns a Go error for any condition
// named in the apply error taxonomy (spec §7); only truly unexpected
// programmer-level failures would propagate, and none are expected here.
func (e *Engine) Apply(ctx context.Context, req Request) Result {
	start := time.Now()
	traceID := shortTraceID()
	logger := e.Logger.With(zap.String("trace_id", traceID), zap.String("file_path", req.FilePath))

	elapsed := func() int64 { return time.Since(start).Milliseconds() }

	// Step 1: non-empty snippet.
	if strings.TrimSpace(req.EditSnippet) == "" {
		return errResult(req.FilePath, traceID, CodeInvalidInput, "edit_snippet is empty", "", elapsed())
	}

	// Step 2: path normalization. /repo-rooted paths are mapped onto
	// BaseDir first; the symlink check looks at the unresolved path.
	target := req.FilePath
	if target == "/repo" || strings.HasPrefix(target, "/repo/") {
		target = e.Resolver.MapPathNoResolve(target)
	}
	resolved, err := e.Resolver.ValidateFilePath(target, false)
	if err != nil {
		return errResult(req.FilePath, traceID, CodeInvalidPath, err.Error(), "", elapsed())
	}
	if sandbox.IsSymlink(e.Resolver.MapPathNoResolve(target)) {
		return errResult(resolved, traceID, CodeInvalidPath, "target path is a symlink", "", elapsed())
	}

	info, statErr := os.Stat(resolved)
	exists := statErr == nil

	// Step 3: new-file shortcut.
	if !exists {
		if err := sandbox.AtomicWrite(resolved, []byte(req.EditSnippet), 0o644); err != nil {
			return fsErrorResult(resolved, traceID, err, elapsed())
		}
		logger.Info("apply created new file", zap.Int("bytes", len(req.EditSnippet)))
		return ok(resolved, traceID, fmt.Sprintf("Created new file (%d bytes)", len(req.EditSnippet)), "", elapsed())
	}

	if info.IsDir() {
		return errResult(resolved, traceID, CodeInvalidPath, "path is a directory, not a file", "", elapsed())
	}

	// Step 4: concrete lines.
	anchors, removeIdents := classifiedLines(req.EditSnippet)
	if len(anchors) == 0 && len(removeIdents) == 0 {
		return errResult(resolved, traceID, CodeNeedsMoreContext, "snippet has no concrete (non-placeholder) lines", "", elapsed())
	}

	// Step 5: size limit.
	if info.Size() > MaxFileSizeBytes {
		return errResult(resolved, traceID, CodeFileTooLarge, fmt.Sprintf("file size %d exceeds %d byte cap", info.Size(), MaxFileSizeBytes), "", elapsed())
	}

	// Step 6: read & detect encoding.
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return fsErrorResult(resolved, traceID, err, elapsed())
	}
	decoded, err := enc.DecodeBestEffort(raw, e.Config.DefaultEncoding)
	if err != nil {
		return errResult(resolved, traceID, CodeEncodingError, err.Error(), "", elapsed())
	}

	// Step 7: anchor precheck.
	if !hasPositionDirective(req.Instruction) {
		fileLines := stripLineSet(decoded.Text)
		if !anchorPrecheck(anchors, fileLines) {
			return errResult(resolved, traceID, CodeNeedsMoreContext, "could not find enough matching anchor lines in the file", "", elapsed())
		}
	}

	// Step 8: remote merge.
	mergedCode, code, msg, err := e.remoteMerge(ctx, decoded.Text, req)
	if err != nil {
		return errResult(resolved, traceID, code, msg, err.Error(), elapsed())
	}

	// Step 9: diff classification.
	originalStripLines := stripLineSet(decoded.Text)
	diffText, changed := unifiedDiff(resolved, decoded.Text, mergedCode)
	if !changed {
		if expectsChanges(anchors, removeIdents, originalStripLines) {
			return errResult(resolved, traceID, CodeApplyNoop, "remote merge returned identical content but changes were expected", "", elapsed())
		}
		logger.Info("apply no-op", zap.Duration("elapsed", time.Since(start)))
		return ok(resolved, traceID, "No changes needed (already matches)", "", elapsed())
	}

	// Step 10: writability.
	if err := checkWritable(resolved); err != nil {
		return errResult(resolved, traceID, CodeFileNotWritable, err.Error(), "", elapsed())
	}

	// Step 11: optional post-check.
	if e.Config.PostCheckEnabled {
		if !postCheckPassed(anchors, removeIdents, originalStripLines, mergedCode) {
			return errResult(resolved, traceID, CodePostCheckFailed, "expected edits not visible in merged code", "", elapsed())
		}
	}

	// Step 14 (performed before the write, per SPEC_FULL.md's backup note):
	// optional backup of the pre-edit bytes.
	if e.Config.BackupDir != "" {
		if err := e.backup(traceID, resolved, raw); err != nil {
			logger.Warn("backup failed, continuing with write", zap.Error(err))
		}
	}

	// Step 12: atomic write in the detected encoding.
	encoded, err := encodeAs(mergedCode, decoded.Encoding)
	if err != nil {
		return errResult(resolved, traceID, CodeEncodingError, err.Error(), "", elapsed())
	}
	if err := sandbox.AtomicWrite(resolved, encoded, info.Mode().Perm()); err != nil {
		return fsErrorResult(resolved, traceID, err, elapsed())
	}

	// Step 13: post-write verification.
	verifyRaw, err := os.ReadFile(resolved)
	if err != nil {
		return fsErrorResult(resolved, traceID, err, elapsed())
	}
	verifyDecoded, err := enc.DecodeBestEffort(verifyRaw, decoded.Encoding)
	if err != nil || verifyDecoded.Text != mergedCode {
		return errResult(resolved, traceID, CodeWriteVerifyFailed, "content on disk does not match merged code after write", "", elapsed())
	}

	logger.Info("apply succeeded", zap.Duration("elapsed", time.Since(start)))
	return ok(resolved, traceID, "Applied edit", diffText, elapsed())
}

func (e *Engine) remoteMerge(ctx context.Context, initialCode string, req Request) (mergedCode string, code Code, message string, err error) {
	body := mergeRequest{
		InitialCode: initialCode,
		EditSnippet: req.EditSnippet,
		Model:       e.Config.Model,
		Stream:      false,
		Instruction: req.Instruction,
	}
	if body.Model == "" {
		body.Model = "auto"
	}

	headers := map[string]string{}
	if e.Config.BearerToken != "" {
		headers["Authorization"] = "Bearer " + e.Config.BearerToken
	}

	timeout := e.Config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	raw, postErr := e.HTTP.PostJSON(ctx, e.Config.Endpoint, headers, body, timeout)
	if postErr != nil {
		var httpErr *httpclient.Error
		if errors.As(postErr, &httpErr) {
			switch httpErr.Kind {
			case httpclient.KindAuth:
				return "", CodeAuthError, "upstream authentication failed", httpErr
			case httpclient.KindTimeout:
				return "", CodeTimeoutError, "upstream request timed out", httpErr
			case httpclient.KindNetwork:
				return "", CodeNetworkError, "network failure contacting upstream", httpErr
			default:
				return "", CodeAPIError, "upstream returned an error", httpErr
			}
		}
		return "", CodeNetworkError, "request to merge endpoint failed", postErr
	}

	var resp mergeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", CodeAPIInvalidResponse, "could not parse merge response", err
	}
	merged, ok := resp.MergedCode.(string)
	if !ok {
		// resp.MergedCode is nil when the key is absent from the response,
		// so a present-but-empty string (a legitimate "clear this file"
		// result) still type-asserts fine and is accepted below.
		return "", CodeAPIInvalidResponse, "mergedCode missing or not a string", nil
	}
	return merged, "", "", nil
}

func (e *Engine) backup(traceID, resolved string, content []byte) error {
	dir := filepath.Join(e.Config.BackupDir, traceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(dir, filepath.Base(resolved))
	return os.WriteFile(dest, content, 0o644)
}

func checkWritable(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

func encodeAs(text, encodingName string) ([]byte, error) {
	switch strings.ToLower(encodingName) {
	case "gbk", "gb2312", "gb18030":
		return simplifiedchinese.GBK.NewEncoder().Bytes([]byte(text))
	default:
		return []byte(text), nil
	}
}

// fsErrorResult maps a filesystem error to PERMISSION_ERROR or FS_ERROR per
// spec §4.2's exception-mapping rule.
func fsErrorResult(path, traceID string, err error, timingMS int64) Result {
	if errors.Is(err, os.ErrPermission) {
		return errResult(path, traceID, CodePermissionError, "permission denied", err.Error(), timingMS)
	}
	return errResult(path, traceID, CodeFSError, "filesystem error", err.Error(), timingMS)
}

// shortTraceID returns an 8-character opaque trace id, matching the
// original's uuid4()-derived short trace ids.
func shortTraceID() string {
	return uuid.NewString()[:8]
}
