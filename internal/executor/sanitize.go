package executor

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// DefaultMaxStringLength is the longest string a sanitized result keeps.
const DefaultMaxStringLength = 64 * 1024

const truncationMarker = "...[truncated]"

// JSONSanitizer converts results to their JSON form (maps, slices, float64,
// strings, bools and nil) and truncates long strings.
type JSONSanitizer struct {
	MaxStringLength int
}

// NewJSONSanitizer returns a sanitizer. max <= 0 disables truncation.
func NewJSONSanitizer(max int) *JSONSanitizer {
	return &JSONSanitizer{MaxStringLength: max}
}

func (s *JSONSanitizer) Sanitize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("result is not JSON encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if s.MaxStringLength > 0 {
		out = s.truncate(out)
	}
	return out, nil
}

func (s *JSONSanitizer) truncate(v any) any {
	switch t := v.(type) {
	case string:
		if len(t) > s.MaxStringLength {
			// Cut on a rune boundary so the result stays valid UTF-8.
			n := s.MaxStringLength
			for n > 0 && !utf8.RuneStart(t[n]) {
				n--
			}
			return t[:n] + truncationMarker
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = s.truncate(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = s.truncate(val)
		}
		return t
	default:
		return v
	}
}
