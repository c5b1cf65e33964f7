package gitignore

import (
	"regexp"
	"strings"
)

// pattern is a single compiled gitignore rule. Unlike sabhiram/go-gitignore's
// GitIgnore.MatchesPath (which only returns the aggregate last-match-wins
// boolean for a whole file), IsIgnored (gitignore.go) needs per-pattern match
// introspection to implement its cross-file layering — so patterns
// are compiled directly here, following the same core glob-to-regex
// translation sabhiram's CompileIgnoreLines uses internally.
type pattern struct {
	regex   *regexp.Regexp
	negate  bool
	dirOnly bool
}

// compileLines parses gitignore file lines into patterns, skipping blanks
// and comments, in file order (first to last).
func compileLines(lines []string) []pattern {
	var out []pattern
	for _, raw := range lines {
		line := raw
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(strings.TrimLeft(line, " "), "#") {
			continue
		}
		p, ok := compileLine(line)
		if ok {
			out = append(out, p)
		}
	}
	return out
}

func compileLine(line string) (pattern, bool) {
	negate := false
	if strings.HasPrefix(line, "!") {
		negate = true
		line = line[1:]
	}
	// Unescape a leading "\#" or "\!" (literal, not comment/negation).
	if strings.HasPrefix(line, `\#`) || strings.HasPrefix(line, `\!`) {
		line = line[1:]
	}
	line = strings.TrimRight(line, " ")
	if line == "" {
		return pattern{}, false
	}

	dirOnly := strings.HasSuffix(line, "/")
	line = strings.TrimSuffix(line, "/")
	if line == "" {
		return pattern{}, false
	}

	anchored := strings.HasPrefix(line, "/")
	line = strings.TrimPrefix(line, "/")
	// A pattern containing an inner "/" (other than a trailing one already
	// stripped) is anchored to the spec root regardless of a leading slash,
	// per git's documented semantics.
	if strings.Contains(line, "/") {
		anchored = true
	}

	re := globToRegex(line)
	if !anchored {
		re = "(?:^|.*/)" + re
	} else {
		re = "^" + re
	}
	re += "(?:/.*)?$"

	compiled, err := regexp.Compile(re)
	if err != nil {
		return pattern{}, false
	}
	return pattern{regex: compiled, negate: negate, dirOnly: dirOnly}, true
}

// globToRegex translates a single gitignore glob segment sequence into a
// regex fragment. Supports "**" (any depth, including zero), "*" (no "/"
// crossing), "?" (single non-"/" char), and character classes "[...]".
func globToRegex(glob string) string {
	var b strings.Builder
	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '*' && i+1 < len(runes) && runes[i+1] == '*':
			// "**" — consume any run of "**" and optional surrounding slashes.
			j := i
			for j < len(runes) && runes[j] == '*' {
				j++
			}
			if j < len(runes) && runes[j] == '/' {
				j++
				b.WriteString("(?:.*/)?")
			} else {
				b.WriteString(".*")
			}
			i = j - 1
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		case c == '.':
			b.WriteString(`\.`)
		case strings.ContainsRune(`\^$+(){}|`, c):
			b.WriteString(regexp.QuoteMeta(string(c)))
		case c == '[':
			j := i + 1
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j < len(runes) {
				b.WriteString(string(runes[i : j+1]))
				i = j
			} else {
				b.WriteString(`\[`)
			}
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// match reports whether relPath (already spec-relative, forward-slash,
// possibly trailing "/" for directories) matches this pattern.
func (p pattern) match(relPath string) bool {
	if p.dirOnly && !strings.HasSuffix(relPath, "/") {
		return false
	}
	candidate := strings.TrimSuffix(relPath, "/")
	return p.regex.MatchString(candidate)
}
