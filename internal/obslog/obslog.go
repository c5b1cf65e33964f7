// Package obslog builds the server's structured logger and the
// preview-truncation helper used to keep tool/diff output readable in log
// fields, adapting the teacher's colorized terminal output into zap fields
// for a process with no TTY.
package obslog

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	// Mode mirrors the original settings' MCP_LOGGING: "off", "safe", or
	// "full". "off" produces a no-op logger; "safe" and "full" both log to
	// LogPath at debug level, "full" additionally disables redaction of
	// previewed content at the call site (the caller decides what to pass).
	Mode    string
	LogPath string
}

// New builds a *zap.Logger per Options. A malformed or missing LogPath
// falls back to stderr so logging failures never prevent the server from
// running.
func New(opts Options) (*zap.Logger, error) {
	if opts.Mode == "" || opts.Mode == "off" {
		return zap.NewNop(), nil
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if opts.LogPath != "" {
		if err := os.MkdirAll(dirOf(opts.LogPath), 0o755); err == nil {
			if f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				sink = zapcore.AddSync(f)
			}
		}
	}
	if sink == nil {
		sink = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, zapcore.DebugLevel)
	return zap.New(core), nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

const defaultPreviewChars = 200

// Preview truncates s to at most max runes (defaultPreviewChars when max<=0)
// for inclusion in a log field, cutting on a rune boundary so multi-byte
// UTF-8 sequences are never split — unlike the teacher's byte-slice
// truncate, which can corrupt the tail of a rune.
func Preview(s string, max int) string {
	if max <= 0 {
		max = defaultPreviewChars
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// PreviewLines mirrors the teacher's PrintToolResult behavior: keep the
// first maxLines lines of a multi-line tool result and note how many were
// dropped, each line further capped by Preview.
func PreviewLines(s string, maxLines, maxLineChars int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		out := make([]string, len(lines))
		for i, l := range lines {
			out[i] = Preview(l, maxLineChars)
		}
		return strings.Join(out, "\n")
	}
	out := make([]string, maxLines)
	for i := 0; i < maxLines; i++ {
		out[i] = Preview(lines[i], maxLineChars)
	}
	return strings.Join(out, "\n") + "\n... (" + strconv.Itoa(len(lines)-maxLines) + " more lines)"
}
