package workers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var codeFenceRE = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseFacts parses the facts-refresh LLM response defensively, the same
// way the orchestrator's planner response is parsed: strip code fences,
// then fall back to locating the first brace-balanced JSON object so
// surrounding prose doesn't break extraction.
func parseFacts(text string) (map[string]any, error) {
	candidate := strings.TrimSpace(text)
	if m := codeFenceRE.FindStringSubmatch(candidate); len(m) == 2 {
		candidate = strings.TrimSpace(m[1])
	}

	var facts map[string]any
	if err := json.Unmarshal([]byte(candidate), &facts); err == nil {
		return facts, nil
	}

	if obj := extractFirstJSONObject(candidate); obj != "" {
		if err := json.Unmarshal([]byte(obj), &facts); err == nil {
			return facts, nil
		}
	}

	return nil, fmt.Errorf("facts response was not a JSON object")
}

func extractFirstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return text[start : i+1]
			}
		}
	}
	return ""
}

func mapToJSON(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
