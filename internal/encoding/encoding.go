// Package encoding decodes file bytes using the project's encoding
// precedence: utf-8, then gbk, then a statistical detector, accepting a
// detected encoding only above a coherence floor (spec §3, §4.2 step 6).
package encoding

import (
	"fmt"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// MinCoherence is the minimum chardet confidence (0..1) required to accept
// a statistically detected encoding.
const MinCoherence = 0.5

// maxReplacementRatio bounds how much of a GBK-decoded result may be the
// U+FFFD replacement rune before the decode is treated as a failure. The
// GBK decoder follows the WHATWG lenient decode algorithm and substitutes
// U+FFFD for invalid/unmappable byte sequences instead of erroring, so an
// unchecked decode "succeeds" on arbitrary binary content.
const maxReplacementRatio = 0.01

// Result carries the decoded text and which encoding produced it.
type Result struct {
	Text     string
	Encoding string // "utf-8", "gbk", or the chardet-reported charset name
}

// DecodeBestEffort decodes b following the project's encoding precedence.
// hint, if non-empty, is a project-configured default encoding tried first
// (e.g. from RELACE_DEFAULT_ENCODING) — preserved per spec §9's note that
// an env override takes precedence over the built-in order.
func DecodeBestEffort(b []byte, hint string) (Result, error) {
	if hint != "" {
		if text, ok := decodeNamed(b, hint); ok {
			return Result{Text: text, Encoding: hint}, nil
		}
	}

	if utf8.Valid(b) {
		return Result{Text: string(b), Encoding: "utf-8"}, nil
	}

	if text, ok := decodeNamed(b, "gbk"); ok {
		return Result{Text: text, Encoding: "gbk"}, nil
	}

	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(b)
	if err == nil && result != nil && result.Confidence >= int(MinCoherence*100) {
		if text, ok := decodeNamed(b, result.Charset); ok {
			return Result{Text: text, Encoding: result.Charset}, nil
		}
	}

	return Result{}, fmt.Errorf("unable to decode content: no encoding met the %.1f coherence floor", MinCoherence)
}

// decodeNamed decodes b using a small set of known codecs by name.
func decodeNamed(b []byte, name string) (string, bool) {
	switch normalizeName(name) {
	case "utf-8", "utf8":
		if utf8.Valid(b) {
			return string(b), true
		}
		return "", false
	case "gbk", "gb2312", "gb18030":
		decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(b)
		if err != nil {
			return "", false
		}
		if replacementRatio(decoded) > maxReplacementRatio {
			return "", false
		}
		return string(decoded), true
	default:
		return "", false
	}
}

// replacementRatio returns the fraction of runes in s that are the U+FFFD
// replacement character, used to detect a decode that "succeeded" only by
// substituting garbage for invalid byte sequences.
func replacementRatio(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	total, replaced := 0, 0
	for _, r := range s {
		total++
		if r == utf8.RuneError {
			replaced++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(replaced) / float64(total)
}

func normalizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
