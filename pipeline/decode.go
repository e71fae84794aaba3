// ABOUTME: Extracts a JSON object from untrusted model text using an ordered list of recovery strategies.
// ABOUTME: Strategies: raw parse, fenced json block, any fenced block, then the first balanced brace span.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNoJSON means no strategy located a well-formed JSON object.
	ErrNoJSON = errors.New("no JSON object found in response")
	// ErrSchema means a JSON object was found but failed stage validation.
	ErrSchema = errors.New("response does not match stage schema")
)

var (
	jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	anyFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*(.*?)```")
)

// decodeStrategy yields candidate JSON texts found in a response, in preference order.
type decodeStrategy struct {
	name    string
	extract func(s string) []string
}

var decodeStrategies = []decodeStrategy{
	{name: "raw", extract: func(s string) []string { return []string{strings.TrimSpace(s)} }},
	{name: "json_fence", extract: func(s string) []string { return fencedBlocks(jsonFenceRe, s) }},
	{name: "any_fence", extract: func(s string) []string { return fencedBlocks(anyFenceRe, s) }},
	{name: "balanced_braces", extract: func(s string) []string {
		if obj := firstBalancedObject(s); obj != "" {
			return []string{obj}
		}
		return nil
	}},
}

// DecodeJSON decodes the first JSON object found in text into v and returns
// its compact re-encoding, so callers persist exactly what was decoded. An
// object that is found but does not fit v is reported as ErrSchema.
func DecodeJSON(text string, v any) (json.RawMessage, error) {
	for _, strategy := range decodeStrategies {
		for _, candidate := range strategy.extract(text) {
			if !strings.HasPrefix(candidate, "{") || !json.Valid([]byte(candidate)) {
				continue
			}
			if err := json.Unmarshal([]byte(candidate), v); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrSchema, strategy.name, err)
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("re-encode: %w", err)
			}
			return raw, nil
		}
	}
	return nil, ErrNoJSON
}

func fencedBlocks(re *regexp.Regexp, s string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// firstBalancedObject returns the first valid {...} span, ignoring braces
// inside JSON strings.
func firstBalancedObject(s string) string {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > 0 {
			if candidate := s[start : end+1]; json.Valid([]byte(candidate)) {
				return candidate
			}
		}
		rel := strings.IndexByte(s[start+1:], '{')
		if rel < 0 {
			break
		}
		start += rel + 1
	}
	return ""
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
