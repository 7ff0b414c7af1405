package tts

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	asteriskSpan = regexp.MustCompile(`\*+[^*\n]*?\*+`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Filter strips text that should not be read aloud: *emphasis or actions*,
// bracketed asides and symbols. Display text is not affected.
func Filter(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	result := asteriskSpan.ReplaceAllString(text, "")
	result = dropNested(result, '(', ')')
	result = dropNested(result, '[', ']')
	result = dropNested(result, '<', '>')
	result = pronounceable(result)
	return strings.TrimSpace(whitespace.ReplaceAllString(result, " "))
}

func dropNested(text string, left, right rune) string {
	var b strings.Builder
	b.Grow(len(text))
	depth := 0
	for _, r := range text {
		switch {
		case r == left:
			depth++
		case r == right:
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func pronounceable(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsPunct(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, norm.NFKC.String(text))
}
