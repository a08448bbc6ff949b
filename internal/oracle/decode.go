package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSONObject strips common Markdown code fencing (```json ... ```
// or ``` ... ```) from an LLM completion and lenient-decodes the
// remainder as a JSON object (§4.3).
func DecodeJSONObject(content string) (map[string]any, error) {
	stripped := stripFence(content)

	var decoded map[string]any
	if err := json.Unmarshal([]byte(stripped), &decoded); err != nil {
		return nil, fmt.Errorf("decode oracle response: %w", err)
	}
	return decoded, nil
}

func stripFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(s[:idx])
		if firstLine == "" || strings.EqualFold(firstLine, "json") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
