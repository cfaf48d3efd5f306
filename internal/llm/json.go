package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON finds the first balanced JSON object in a model response,
// tolerating markdown fences and surrounding prose.
func ExtractJSON(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
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
				return response[start : i+1]
			}
		}
	}
	return ""
}

// ParseInto extracts the first JSON object from a model response and
// unmarshals it into v.
func ParseInto(response string, v any) error {
	raw := ExtractJSON(response)
	if raw == "" {
		return fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("parse model JSON: %w", err)
	}
	return nil
}
