package ollama

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Local models emit almost-JSON often enough that a single parse is not
// robust. ParseObject runs a three-step repair cascade: parse the raw text,
// then the first {...} substring, then each candidate with invalid
// backslash escapes doubled. The last decode error is returned when every
// candidate fails.

const validEscapeAfter = "\"\\/bfnrt"

// ParseObject parses model output into a JSON object, repairing common
// non-compliance. A top-level non-object is an error.
func ParseObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)

	candidates := []string{}
	if text != "" {
		candidates = append(candidates, text)
	}
	if extracted := extractObject(text); extracted != "" && extracted != text {
		candidates = append(candidates, extracted)
	}
	for _, c := range append([]string(nil), candidates...) {
		if repaired := repairEscapes(c); repaired != c {
			candidates = append(candidates, repaired)
		}
	}

	seen := make(map[string]bool, len(candidates))
	var lastErr error
	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true

		var val map[string]any
		if err := json.Unmarshal([]byte(c), &val); err != nil {
			lastErr = err
			continue
		}
		if val == nil {
			lastErr = fmt.Errorf("top level not an object")
			continue
		}
		return val, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("invalid json")
	}
	return nil, lastErr
}

// extractObject returns the first-{ through last-} substring, or "".
func extractObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// repairEscapes doubles any backslash that does not start a legal JSON
// escape, including a dangling backslash at end of input.
func repairEscapes(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '\\' {
			b.WriteByte(ch)
			continue
		}
		if i+1 >= len(text) {
			b.WriteString(`\\`)
			continue
		}
		next := text[i+1]
		if strings.IndexByte(validEscapeAfter, next) >= 0 {
			b.WriteByte('\\')
			b.WriteByte(next)
			i++
			continue
		}
		if next == 'u' && i+5 < len(text) && isHex(text[i+2:i+6]) {
			b.WriteString(text[i : i+6])
			i += 5
			continue
		}
		b.WriteString(`\\`)
	}
	return b.String()
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !ok {
			return false
		}
	}
	return len(s) == 4
}
