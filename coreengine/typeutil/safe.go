// Package typeutil reads values out of JSON-shaped state partials with the
// comma-ok idiom so a malformed partial never panics a stream.
package typeutil

// SafeMapStringAny asserts value to map[string]any.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeString asserts value to string.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeStringDefault asserts value to string, else returns defaultVal.
func SafeStringDefault(value any, defaultVal string) string {
	if s, ok := SafeString(value); ok {
		return s
	}
	return defaultVal
}

// SafeInt asserts value to int. JSON numbers (float64) are truncated.
func SafeInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// SafeIntDefault asserts value to int, else returns defaultVal.
func SafeIntDefault(value any, defaultVal int) int {
	if i, ok := SafeInt(value); ok {
		return i
	}
	return defaultVal
}

// SafeBool asserts value to bool.
func SafeBool(value any) (bool, bool) {
	if value == nil {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// SafeBoolDefault asserts value to bool, else returns defaultVal.
func SafeBoolDefault(value any, defaultVal bool) bool {
	if b, ok := SafeBool(value); ok {
		return b
	}
	return defaultVal
}

// SafeStringSlice asserts value to []string, accepting a []any of strings
// as decoded from JSON.
func SafeStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// GetNestedValue walks a dot-separated path through nested maps.
func GetNestedValue(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	var current any = data
	for _, key := range splitPath(path) {
		m, ok := SafeMapStringAny(current)
		if !ok {
			return nil, false
		}
		if current, ok = m[key]; !ok {
			return nil, false
		}
	}
	return current, true
}

// GetNestedString is GetNestedValue followed by SafeString.
func GetNestedString(data map[string]any, path string) (string, bool) {
	v, ok := GetNestedValue(data, path)
	if !ok {
		return "", false
	}
	return SafeString(v)
}

// splitPath splits on dots, dropping empty segments.
func splitPath(path string) []string {
	var keys []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			if i > start {
				keys = append(keys, path[start:i])
			}
			start = i + 1
		}
	}
	return keys
}
