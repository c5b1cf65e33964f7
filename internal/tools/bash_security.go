package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/shlex"

	"github.com/relace-run/relace-mcp-go/internal/sandbox"
)

// bashBlockedCommands blocks file modification, network, privilege
// escalation, process control, system administration, and dangerous tools
// (spec §4.6's blacklist).
var bashBlockedCommands = map[string]bool{
	"rm": true, "rmdir": true, "unlink": true, "shred": true, "mv": true,
	"cp": true, "install": true, "mkdir": true, "chmod": true, "chown": true,
	"chgrp": true, "touch": true, "tee": true, "truncate": true, "ln": true,
	"mkfifo": true,
	"wget": true, "curl": true, "fetch": true, "aria2c": true, "ssh": true,
	"scp": true, "rsync": true, "sftp": true, "ftp": true, "telnet": true,
	"nc": true, "netcat": true, "ncat": true, "socat": true,
	"sudo": true, "su": true, "doas": true, "pkexec": true,
	"kill": true, "killall": true, "pkill": true,
	"reboot": true, "shutdown": true, "halt": true, "poweroff": true,
	"init": true, "useradd": true, "userdel": true, "usermod": true,
	"passwd": true, "crontab": true,
	"dd": true, "eval": true, "exec": true, "source": true,
	"make": true, "cmake": true, "ninja": true, "cargo": true, "npm": true,
	"pip": true, "pip3": true,
}

// bashBlockedPatterns mirror the Python regex denylist guarding against
// redirects, pipes, command substitution, chaining, and find's exec/delete
// escape hatches.
var bashBlockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`>\s*[^&]`),
	regexp.MustCompile(`>>\s*`),
	regexp.MustCompile(`<\(`),
	regexp.MustCompile(`\|`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`[\r\n]`),
	regexp.MustCompile(`;\s*\w`),
	regexp.MustCompile(`&&`),
	regexp.MustCompile(`\|\|`),
	regexp.MustCompile(`-(exec|execdir|ok|okdir)\b`),
	regexp.MustCompile(`-delete\b`),
}

var gitAllowedSubcommands = map[string]bool{
	"log": true, "status": true, "shortlog": true, "ls-files": true,
	"ls-tree": true, "cat-file": true, "rev-parse": true, "rev-list": true,
	"describe": true, "name-rev": true, "for-each-ref": true, "grep": true,
}

var bashSafeCommands = map[string]bool{
	"ls": true, "find": true, "cat": true, "head": true, "tail": true,
	"wc": true, "file": true, "stat": true, "tree": true, "grep": true,
	"egrep": true, "fgrep": true, "rg": true, "ag": true, "sort": true,
	"uniq": true, "cut": true, "diff": true, "git": true, "basename": true,
	"dirname": true, "realpath": true, "readlink": true, "date": true,
	"echo": true, "printf": true, "true": true, "false": true, "test": true,
	"[": true,
}

var commandsWithPathArgs = map[string]bool{
	"ls": true, "find": true, "cat": true, "head": true, "tail": true,
	"wc": true, "file": true, "stat": true, "tree": true, "grep": true,
	"egrep": true, "fgrep": true, "rg": true, "ag": true, "diff": true,
	"basename": true, "dirname": true, "realpath": true, "readlink": true,
	"test": true, "[": true,
}

var gitBlockedFlags = map[string]bool{
	"--ext-diff": true, "--textconv": true, "--no-index": true,
	"-p": true, "--patch": true,
}

var windowsAbsPath = regexp.MustCompile(`^[A-Za-z]:[\\/]`)

// IsBlockedCommand implements spec §4.6's 11-step validation pipeline,
// returning (blocked, reason).
func IsBlockedCommand(command, baseDir string) (bool, string) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return true, "Empty command"
	}

	if blocked, reason := checkBlockedPatterns(command); blocked {
		return blocked, reason
	}

	if hasVariableExpansion(command) {
		return true, "Blocked pattern: shell variable expansion ($...). Use explicit /repo paths instead."
	}

	tokens := parseCommandTokens(command)
	if len(tokens) == 0 {
		return true, "Empty command after parsing"
	}

	if blocked, reason := checkPathSafety(command, tokens); blocked {
		return blocked, reason
	}

	baseCmd := filepath.Base(tokens[0])
	if blocked, reason := validateCommandBase(baseCmd); blocked {
		return blocked, reason
	}

	if blocked, reason := checkSymlinkFollowFlags(tokens, baseCmd); blocked {
		return blocked, reason
	}

	if blocked, reason := checkPathEscapesBaseDir(tokens, baseCmd, baseDir); blocked {
		return blocked, reason
	}

	return validateSpecializedCommands(tokens, baseCmd)
}

func checkBlockedPatterns(command string) (bool, string) {
	for _, re := range bashBlockedPatterns {
		if re.MatchString(command) {
			if re.String() == `\|` {
				return true, "Blocked pattern: pipe operator. Use grep_search tool for pattern matching instead"
			}
			return true, fmt.Sprintf("Blocked pattern: %s", re.String())
		}
	}
	return false, ""
}

// hasVariableExpansion returns true for a "$" that bash would expand: not
// inside single quotes, not escaped.
func hasVariableExpansion(command string) bool {
	inSingle, inDouble, escaped := false, false, false
	for _, ch := range command {
		if escaped {
			escaped = false
			continue
		}
		if !inSingle && ch == '\\' {
			escaped = true
			continue
		}
		if ch == '\'' && !inDouble {
			inSingle = !inSingle
			continue
		}
		if ch == '"' && !inSingle {
			inDouble = !inDouble
			continue
		}
		if ch == '$' && !inSingle {
			return true
		}
	}
	return false
}

func parseCommandTokens(command string) []string {
	tokens, err := shlex.Split(command)
	if err != nil {
		return strings.Fields(command)
	}
	return tokens
}

func isTraversalToken(token string) bool {
	switch token {
	case "..", "./..", `.\..`:
		return true
	}
	if strings.HasSuffix(token, "/..") || strings.HasSuffix(token, `\..`) {
		return true
	}
	return strings.Contains(token, "/../") || strings.Contains(token, `\..\`)
}

func checkAbsolutePaths(tokens []string) (bool, string) {
	for _, token := range tokens {
		if strings.HasPrefix(token, "/") {
			if token == "/repo" || strings.HasPrefix(token, "/repo/") {
				continue
			}
			return true, fmt.Sprintf("Absolute path outside /repo not allowed: %s", token)
		}
		if windowsAbsPath.MatchString(token) || strings.HasPrefix(token, `\\`) {
			return true, fmt.Sprintf("Absolute path outside /repo not allowed: %s", token)
		}
	}
	return false, ""
}

func checkPathSafety(command string, tokens []string) (bool, string) {
	if strings.Contains(command, "../") || strings.Contains(command, `..\`) {
		return true, "Path traversal pattern detected"
	}
	for _, t := range tokens {
		if isTraversalToken(t) {
			return true, "Path traversal pattern detected"
		}
	}
	return checkAbsolutePaths(tokens)
}

func validateCommandBase(baseCmd string) (bool, string) {
	if bashBlockedCommands[baseCmd] {
		return true, fmt.Sprintf("Blocked command: %s", baseCmd)
	}
	if !bashSafeCommands[baseCmd] {
		return true, fmt.Sprintf("Command not in allowlist: %s", baseCmd)
	}
	return false, ""
}

func checkSymlinkFollowFlags(tokens []string, baseCmd string) (bool, string) {
	rest := tokens[1:]
	switch baseCmd {
	case "find":
		for _, t := range rest {
			if t == "-L" || t == "-H" {
				return true, "Blocked find symlink-follow flag (-L/-H)"
			}
			if t == "-follow" {
				return true, "Blocked find symlink-follow expression (-follow)"
			}
		}
	case "rg":
		for _, t := range rest {
			if t == "--follow" {
				return true, "Blocked rg symlink-follow flag (--follow)"
			}
			if strings.HasPrefix(t, "-") && !strings.HasPrefix(t, "--") && strings.Contains(t[1:], "L") {
				return true, "Blocked rg symlink-follow flag (-L)"
			}
		}
	case "grep", "egrep", "fgrep":
		for _, t := range rest {
			if t == "--recursive" || t == "--dereference-recursive" {
				return true, "Blocked grep recursive flags (may follow symlinks)"
			}
		}
		for _, t := range rest {
			if !strings.HasPrefix(t, "-") || strings.HasPrefix(t, "--") {
				continue
			}
			if strings.Contains(t[1:], "r") || strings.Contains(t[1:], "R") {
				return true, "Blocked grep recursive flags (may follow symlinks)"
			}
		}
	case "tree":
		for _, t := range rest {
			if !strings.HasPrefix(t, "-") || strings.HasPrefix(t, "--") {
				continue
			}
			if strings.Contains(t[1:], "l") {
				return true, "Blocked tree symlink-follow flag (-l)"
			}
		}
	}
	return false, ""
}

func expandHomeToken(token, baseDir string) string {
	switch {
	case token == "~":
		return baseDir
	case strings.HasPrefix(token, "~/"):
		return filepath.Join(baseDir, token[2:])
	case strings.HasPrefix(token, "$HOME/"):
		return filepath.Join(baseDir, token[len("$HOME/"):])
	case strings.HasPrefix(token, "${HOME}/"):
		return filepath.Join(baseDir, token[len("${HOME}/"):])
	default:
		return token
	}
}

func checkPathEscapesBaseDir(tokens []string, baseCmd, baseDir string) (bool, string) {
	if !commandsWithPathArgs[baseCmd] {
		return false, ""
	}

	for _, token := range tokens[1:] {
		if token == "-" {
			continue
		}
		if strings.HasPrefix(token, "-") {
			continue
		}

		if token == "/repo" || strings.HasPrefix(token, "/repo/") {
			resolver := &sandbox.Resolver{BaseDir: baseDir}
			if _, err := resolver.ResolveRepoPath(token, sandbox.Options{AllowRelative: false, AllowAbsolute: false}); err != nil {
				return true, fmt.Sprintf("Path escapes base_dir: %s", token)
			}
			continue
		}

		if strings.HasPrefix(token, "~") && token != "~" && !strings.HasPrefix(token, "~/") {
			return true, fmt.Sprintf("Blocked ~user tilde pattern (sandbox escape): %s", token)
		}

		expanded := expandHomeToken(token, baseDir)
		var candidate string
		if filepath.IsAbs(expanded) {
			candidate = expanded
		} else {
			candidate = filepath.Join(baseDir, expanded)
		}
		if _, err := os.Stat(candidate); err != nil {
			continue
		}

		resolver := &sandbox.Resolver{BaseDir: baseDir}
		if filepath.IsAbs(expanded) {
			if _, err := resolver.ResolveRepoPath(expanded, sandbox.Options{AllowAbsolute: true, RequireWithinBaseDir: true}); err != nil {
				return true, fmt.Sprintf("Path escapes base_dir: %s", token)
			}
		} else {
			if _, err := resolver.ResolveRepoPath(expanded, sandbox.Options{AllowRelative: true, AllowAbsolute: false}); err != nil {
				return true, fmt.Sprintf("Path escapes base_dir: %s", token)
			}
		}
	}
	return false, ""
}

func checkGitSubcommand(tokens []string, baseCmd string) (bool, string) {
	if baseCmd != "git" {
		return false, ""
	}
	for _, token := range tokens[1:] {
		if strings.HasPrefix(token, "-") {
			continue
		}
		if !gitAllowedSubcommands[token] {
			return true, fmt.Sprintf("Git subcommand not in allowlist: %s", token)
		}
		break
	}
	return false, ""
}

func checkGitDangerousFlags(tokens []string, baseCmd string) (bool, string) {
	if baseCmd != "git" {
		return false, ""
	}
	for _, token := range tokens[1:] {
		if gitBlockedFlags[token] {
			return true, fmt.Sprintf("Blocked git flag: %s", token)
		}
		if strings.HasPrefix(token, "-") && !strings.HasPrefix(token, "--") && len(token) > 2 {
			if strings.Contains(token[1:], "p") {
				return true, fmt.Sprintf("Blocked git flag: -p (in combined option %s)", token)
			}
		}
	}
	return false, ""
}

func checkRipgrepPreprocessor(tokens []string, baseCmd string) (bool, string) {
	if baseCmd != "rg" {
		return false, ""
	}
	for _, token := range tokens[1:] {
		if token == "--pre" || strings.HasPrefix(token, "--pre=") {
			return true, "Blocked rg preprocessor flag (--pre)"
		}
		if token == "--pre-glob" || strings.HasPrefix(token, "--pre-glob=") {
			return true, "Blocked rg preprocessor flag (--pre-glob)"
		}
	}
	return false, ""
}

func checkCommandInArguments(tokens []string) (bool, string) {
	for _, token := range tokens[1:] {
		if strings.HasPrefix(token, "-") {
			continue
		}
		base := filepath.Base(token)
		if bashBlockedCommands[base] {
			return true, fmt.Sprintf("Blocked command in arguments: %s", base)
		}
	}
	return false, ""
}

func validateSpecializedCommands(tokens []string, baseCmd string) (bool, string) {
	if blocked, reason := checkGitSubcommand(tokens, baseCmd); blocked {
		return blocked, reason
	}
	if blocked, reason := checkGitDangerousFlags(tokens, baseCmd); blocked {
		return blocked, reason
	}
	if blocked, reason := checkRipgrepPreprocessor(tokens, baseCmd); blocked {
		return blocked, reason
	}
	return checkCommandInArguments(tokens)
}
