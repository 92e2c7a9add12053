package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSONObject is returned when a completion contains no JSON object.
var ErrNoJSONObject = errors.New("no JSON object found in completion")

var (
	fenceOpen  = regexp.MustCompile("^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("\\s*```$")
)

// DecodeObject extracts the first JSON object from raw model output. Markdown
// fences are stripped and unescaped backslashes (typically LaTeX) repaired.
func DecodeObject(raw string) (map[string]any, error) {
	text := stripFences(strings.TrimSpace(raw))
	obj := firstObject(text)
	if obj == "" {
		return nil, ErrNoJSONObject
	}

	var out map[string]any
	err := json.Unmarshal([]byte(obj), &out)
	if err == nil {
		return out, nil
	}
	if err2 := json.Unmarshal([]byte(repairEscapes(obj)), &out); err2 != nil {
		return nil, fmt.Errorf("decode completion JSON: %w", err)
	}
	return out, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = fenceOpen.ReplaceAllString(s, "")
	s = fenceClose.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// firstObject returns the first balanced {...} span, ignoring braces inside strings.
func firstObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// repairEscapes doubles backslashes that do not start a valid JSON escape.
func repairEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && strings.IndexByte(`"\/bfnrtu`, s[i+1]) >= 0 {
			if s[i+1] == 'u' && !isUnicodeEscape(s[i+2:]) {
				b.WriteString(`\\`)
				continue
			}
			b.WriteByte(s[i])
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteString(`\\`)
	}
	return b.String()
}

func isUnicodeEscape(s string) bool {
	if len(s) < 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
