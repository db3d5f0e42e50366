package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ParseStatus tags the outcome of parsing model output.
type ParseStatus string

const (
	ParseSuccess ParseStatus = "success"
	ParseFailed  ParseStatus = "failed"
)

// Parsed is the tagged result of decoding untrusted model text into T.
// A failure never panics or escapes as an error value the caller forgets to
// check: Status says what happened, Err says why.
type Parsed[T any] struct {
	Status ParseStatus
	Value  T
	Err    error
	// JSON is the fragment that was decoded (or attempted).
	JSON string
}

// OK reports whether parsing succeeded.
func (p Parsed[T]) OK() bool { return p.Status == ParseSuccess }

// ErrNoJSON is reported when the text holds no JSON value at all.
var ErrNoJSON = errors.New("llm: no JSON value in model output")

// ParseJSON extracts the first JSON object or array from text (tolerating
// code fences and prose around it) and decodes it into T.
func ParseJSON[T any](text string) (out Parsed[T]) {
	defer func() {
		if r := recover(); r != nil {
			out = Parsed[T]{Status: ParseFailed, Err: fmt.Errorf("llm: decode panicked: %v", r)}
		}
	}()
	frag, ok := ExtractJSON(text)
	if !ok {
		return Parsed[T]{Status: ParseFailed, Err: ErrNoJSON}
	}
	var v T
	if err := json.Unmarshal([]byte(frag), &v); err != nil {
		return Parsed[T]{Status: ParseFailed, Err: fmt.Errorf("llm: decode: %w", err), JSON: frag}
	}
	return Parsed[T]{Status: ParseSuccess, Value: v, JSON: frag}
}

// ExtractJSON returns the first balanced {...} or [...] in text. String
// literals are honoured so braces inside them do not confuse the scan.
func ExtractJSON(text string) (string, bool) {
	text = stripFences(text)
	for start := 0; start < len(text); start++ {
		c := text[start]
		if c != '{' && c != '[' {
			continue
		}
		if end, ok := matchClose(text, start); ok {
			frag := text[start : end+1]
			if json.Valid([]byte(frag)) {
				return frag, true
			}
		}
	}
	return "", false
}

func matchClose(s string, start int) (int, bool) {
	var stack []byte
	inStr, esc := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "```") {
		return s
	}
	var b strings.Builder
	inFence := false
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if b.Len() == 0 {
		return s
	}
	return b.String()
}
