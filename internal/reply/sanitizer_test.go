package reply

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitize_Cases(t *testing.T) {
	s := NewSanitizer(100)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"trim", "  hello \n", "hello"},
		{"double quoted", `"hello"`, "hello"},
		{"single quoted", `'hello'`, "hello"},
		{"mismatched quotes kept", `'hello"`, "'hello"},
		{"inner double quotes removed", `she said "hi"`, "she said hi"},
		{"json unwrap", `{"content":"hi"}`, "hi"},
		{"json unwrap with spaces", `  {"content": "  hi  "}  `, "hi"},
		{"json quoted then unwrapped", `'{"content":"hi"}'`, "hi"},
		{"json other key", `{"text":"hi"}`, "{text:hi}"},
		{"json two keys", `{"content":"hi","x":1}`, "{content:hi,x:1}"},
		{"json non-string content", `{"content":42}`, "42"},
		{"json null content", `{"content":null}`, ""},
		{"json array left alone", `["a"]`, "[a]"},
		{"broken json left alone", `{content: hi}`, "{content: hi}"},
		{"nested quotes", `''x''`, "x"},
		{"empty", "", ""},
		{"only quotes", `""`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Sanitize(tt.in))
		})
	}
}

func TestSanitize_NullContentIsEmpty(t *testing.T) {
	s := NewSanitizer(100)
	assert.Empty(t, s.Sanitize(`{"content": null}`))
	assert.Empty(t, s.Sanitize(`'{"content":null}'`))
}

func TestSanitize_JSONUnwrapExample(t *testing.T) {
	assert.Equal(t, "hi", NewSanitizer(100).Sanitize(`{"content":"hi"}`))
}

func TestSanitize_Truncation(t *testing.T) {
	s := NewSanitizer(10)
	out := s.Sanitize(strings.Repeat("a", 20))
	assert.Equal(t, 10, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.Equal(t, "aaaaaaa...", out)
}

func TestSanitize_TruncationCountsRunes(t *testing.T) {
	s := NewSanitizer(5)
	assert.Equal(t, "你好", s.Sanitize("你好"))
	assert.Equal(t, "你好...", s.Sanitize("你好世界你好"))
}

func TestSanitize_ExactLengthNotTruncated(t *testing.T) {
	s := NewSanitizer(10)
	assert.Equal(t, "abcdefghij", s.Sanitize("abcdefghij"))
}

func TestSanitize_MinimumLimit(t *testing.T) {
	s := NewSanitizer(1)
	assert.Equal(t, MinMaxLength, s.MaxLength())
	assert.Equal(t, "a...", s.Sanitize("abcdef"))
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"hello",
		`"hello"`,
		`''x''`,
		`"'x'"`,
		`{"content":"'hi'"}`,
		`{"content":"{\"content\":\"deep\"}"}`,
		`{"content":{"content":"x"}}`,
		`  "  padded  "  `,
		`'` + strings.Repeat("b", 50) + `'`,
		strings.Repeat("word ", 40),
		`"unbalanced`,
		`[1, 2, 3]`,
		`{"content":"` + strings.Repeat("z", 30) + `"}`,
		"'a   ",
		"你好\"世界\"",
	}
	for _, max := range []int{4, 10, 100} {
		s := NewSanitizer(max)
		for _, in := range inputs {
			once := s.Sanitize(in)
			assert.Equal(t, once, s.Sanitize(once), "max=%d input=%q", max, in)
			assert.LessOrEqual(t, utf8.RuneCountInString(once), max)
		}
	}
}
