// Package reply normalizes generated reply text before delivery.
package reply

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const ellipsis = "..."

// MinMaxLength is the smallest limit that leaves room for the ellipsis and
// at least one character.
const MinMaxLength = len(ellipsis) + 1

// Sanitizer cleans up reply text produced for engine-originated requests.
type Sanitizer struct {
	maxLength int
}

// NewSanitizer returns a sanitizer truncating to maxLength code points.
// Limits below MinMaxLength are raised to it.
func NewSanitizer(maxLength int) *Sanitizer {
	if maxLength < MinMaxLength {
		maxLength = MinMaxLength
	}
	return &Sanitizer{maxLength: maxLength}
}

// MaxLength returns the effective limit.
func (s *Sanitizer) MaxLength() int { return s.maxLength }

// Sanitize returns the cleaned text. Sanitize(Sanitize(x)) == Sanitize(x).
//
// A single pass trims, strips one matching quote layer, unwraps a
// {"content": ...} payload, removes double quotes and truncates. Passes
// repeat until the text stops changing. Each pass that changes the text
// makes it shorter, so this terminates. Nested quote layers, such as a
// single-quoted string inside another pair of single quotes, all come off.
func (s *Sanitizer) Sanitize(text string) string {
	for {
		next := s.pass(text)
		if next == text {
			return next
		}
		text = next
	}
}

func (s *Sanitizer) pass(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimSpace(stripQuotes(text))
	text = unwrapContent(text)
	text = strings.ReplaceAll(text, `"`, "")
	text = strings.TrimSpace(text)
	return truncate(text, s.maxLength)
}

func stripQuotes(text string) string {
	if len(text) < 2 {
		return text
	}
	first, last := text[0], text[len(text)-1]
	if first == last && (first == '"' || first == '\'') {
		return text[1 : len(text)-1]
	}
	return text
}

// unwrapContent replaces a JSON object whose only key is "content" with that
// key's value. Non-string values come back as raw JSON and a null value
// becomes the empty string, which the host treats as no reply at all.
// Anything that does not parse is returned unchanged.
func unwrapContent(text string) string {
	if len(text) < 2 {
		return text
	}
	if !(text[0] == '{' && text[len(text)-1] == '}') && !(text[0] == '[' && text[len(text)-1] == ']') {
		return text
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return text
	}
	raw, ok := obj["content"]
	if !ok || len(obj) != 1 {
		return text
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str)
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func truncate(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max-len(ellipsis)]) + ellipsis
}
