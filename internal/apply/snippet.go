package apply

import (
	"strings"
)

// Anchor/precheck thresholds, retained exactly per spec §9's note that they
// are tunable but kept for compatibility.
const (
	minAnchorLength       = 10
	minAnchorHits         = 2
	fallbackAnchorLength  = 20
	minNewLineLength      = 5  // expects-changes heuristic (spec §4.2's "Expects changes heuristic")
	minNewLineLengthCheck = 15 // post-check heuristic (spec §4.2 step 11)
	minNewLinePassRatio   = 0.6
)

// positionDirectives are instruction phrases that skip the anchor precheck
// because the edit is explicitly positional rather than anchored to
// existing content (spec §4.2 step 7).
var positionDirectives = []string{
	"append to end of file",
	"append to the end of file",
	"prepend to start of file",
	"prepend to the start of file",
	"insert at the beginning",
	"insert at the end",
}

// trivialTokens are short lines that don't count as meaningful "new"
// content for the expects-changes / post-check heuristics — closing braces,
// bare keywords, and similar boilerplate that commonly appears verbatim in
// both old and new code regardless of the edit's substance.
var trivialTokens = map[string]bool{
	"}": true, "{": true, ")": true, "(": true, "]": true, "[": true,
	"end": true, "else": true, "else:": true, "pass": true, "return": true,
	"break": true, "continue": true, "then": true, "fi": true, "done": true,
	"null": true, "none": true, "true": true, "false": true, "...": true,
	"};": true, "):": true, "do": true,
}

func hasPositionDirective(instruction string) bool {
	lower := strings.ToLower(instruction)
	for _, phrase := range positionDirectives {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// isPlaceholder reports whether a trimmed line is a "... existing code ..."
// elision marker.
func isPlaceholder(trimmed string) bool {
	return strings.HasPrefix(trimmed, "// ...") || strings.HasPrefix(trimmed, "# ...")
}

// removeIdentifier extracts the identifier from a "// remove X" / "# remove X"
// directive line, or "" if the line isn't a remove directive.
func removeIdentifier(trimmed string) string {
	for _, prefix := range []string{"// remove ", "# remove "} {
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		}
	}
	return ""
}

// classifiedLines splits a snippet into anchor lines (non-blank, non
// -placeholder, non-remove-directive) and the set of remove-directive
// identifiers.
func classifiedLines(snippet string) (anchors []string, removeIdents []string) {
	for _, line := range strings.Split(snippet, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isPlaceholder(trimmed) {
			continue
		}
		if ident := removeIdentifier(trimmed); ident != "" {
			removeIdents = append(removeIdents, ident)
			continue
		}
		anchors = append(anchors, trimmed)
	}
	return anchors, removeIdents
}

// anchorPrecheck implements spec §4.2 step 7: require either at least
// minAnchorHits anchor lines of length >= minAnchorLength that occur
// verbatim (after trim) in the file, or at least one anchor of length
// >= fallbackAnchorLength that occurs.
func anchorPrecheck(anchors []string, fileLines map[string]bool) bool {
	hits := 0
	for _, a := range anchors {
		if len(a) >= fallbackAnchorLength && fileLines[a] {
			return true
		}
		if len(a) >= minAnchorLength && fileLines[a] {
			hits++
			if hits >= minAnchorHits {
				return true
			}
		}
	}
	return false
}

// stripLineSet builds the set of stripped (trimmed) lines present in
// content. anchorPrecheck, expectsChanges and postCheckPassed all match
// against such a set: a snippet line counts as present only when it equals
// a whole trimmed line, not when it is a substring of one.
func stripLineSet(content string) map[string]bool {
	set := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		set[strings.TrimSpace(line)] = true
	}
	return set
}

// expectsChanges implements the "expects changes" heuristic (spec §4.2,
// step 9 callout): true when the snippet contains any remove directive, or
// at least one non-trivial anchor line (length >= minNewLineLength, not a
// trivial token) that is not present as a stripped line in the original.
func expectsChanges(anchors, removeIdents []string, originalStripLines map[string]bool) bool {
	if len(removeIdents) > 0 {
		return true
	}
	for _, a := range anchors {
		if len(a) < minNewLineLength {
			continue
		}
		if trivialTokens[strings.ToLower(a)] {
			continue
		}
		if !originalStripLines[a] {
			return true
		}
	}
	return false
}

// postCheckPassed implements spec §4.2 step 11's optional post-check:
// every remove-directive identifier must be absent from mergedCode
// (word-boundary match), and at least minNewLinePassRatio of the
// qualifying "new lines" (anchors of length >= minNewLineLengthCheck, not
// already in the file, not trivial) must appear in mergedCode.
func postCheckPassed(anchors, removeIdents []string, originalStripLines map[string]bool, mergedCode string) bool {
	for _, ident := range removeIdents {
		if containsWord(mergedCode, ident) {
			return false
		}
	}

	mergedStripLines := stripLineSet(mergedCode)
	var qualifying, present int
	for _, a := range anchors {
		if len(a) < minNewLineLengthCheck {
			continue
		}
		if trivialTokens[strings.ToLower(a)] {
			continue
		}
		if originalStripLines[a] {
			continue
		}
		qualifying++
		if mergedStripLines[a] {
			present++
		}
	}
	if qualifying == 0 {
		return true
	}
	return float64(present)/float64(qualifying) >= minNewLinePassRatio
}

// containsWord reports whether ident appears in text on a word boundary
// (ASCII word-character boundary, matching the original's regex-based
// word-boundary identifier scan).
func containsWord(text, ident string) bool {
	if ident == "" {
		return false
	}
	idx := 0
	for {
		pos := strings.Index(text[idx:], ident)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(ident)
		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
