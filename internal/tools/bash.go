package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/relace-run/relace-mcp-go/internal/sandbox"
)

const (
	// BashTimeout and BashMaxOutputChars are the fixed limits from spec §4.6.
	BashTimeout        = 30 * time.Second
	BashMaxOutputChars = 50000
)

var repoTokenPattern = regexp.MustCompile(`/repo(?:/[\w.+\-/]*)?`)

// Bash implements spec §4.6's bash(command) contract: validate against the
// security pipeline, rewrite /repo tokens to real filesystem paths, then run
// under bash with a locked-down environment.
func Bash(ctx context.Context, resolver *sandbox.Resolver, command string) (string, error) {
	if blocked, reason := IsBlockedCommand(command, resolver.BaseDir); blocked {
		return fmt.Sprintf("Error: Command blocked for security reasons. %s", reason), nil
	}

	translated := translateRepoPaths(command, resolver)
	translated = "set -f; " + translated

	bashPath, err := exec.LookPath("bash")
	if err != nil {
		return "Error: bash is not available on this system.", nil
	}

	execCtx, cancel := context.WithTimeout(ctx, BashTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, bashPath, "-c", translated)
	cmd.Dir = resolver.BaseDir
	cmd.Env = []string{
		"PATH=" + envOrDefault("PATH", "/usr/bin:/bin"),
		"HOME=" + resolver.BaseDir,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: Command timed out after %ds", int(BashTimeout.Seconds())), nil
	}
	if runErr != nil {
		if _, isExit := runErr.(*exec.ExitError); !isExit {
			return fmt.Sprintf("Error executing command: %v", runErr), nil
		}
	}

	return formatBashResult(runErr, stdout.String(), stderr.String()), nil
}

func formatBashResult(runErr error, stdout, stderr string) string {
	var output string
	if exitErr, ok := runErr.(*exec.ExitError); ok && stderr != "" {
		output = fmt.Sprintf("Exit code: %d\n", exitErr.ExitCode())
		if stdout != "" {
			output += fmt.Sprintf("stdout:\n%s\n", stdout)
		}
		output += fmt.Sprintf("stderr:\n%s", stderr)
	} else {
		output = stdout + stderr
	}

	if len(output) > BashMaxOutputChars {
		output = output[:BashMaxOutputChars] + fmt.Sprintf("\n... output capped at %d chars ...", BashMaxOutputChars)
	}

	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "(no output)"
	}
	return trimmed
}

// translateRepoPaths rewrites /repo tokens in the command string to real
// filesystem paths, preserving shell operators around them (spec §4.6).
func translateRepoPaths(command string, resolver *sandbox.Resolver) string {
	return repoTokenPattern.ReplaceAllStringFunc(command, func(token string) string {
		resolved, err := resolver.ResolveRepoPath(token, sandbox.Options{AllowRelative: false, AllowAbsolute: false})
		if err != nil {
			return token
		}
		return resolved
	})
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
