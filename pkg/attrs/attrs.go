// Package attrs reads slog-style key/value lists ([key1, value1, key2, value2, ...])
// so audit log lines and audit events can share one argument list.
package attrs

import "fmt"

// ExtractString returns the string value for key, or "" if the key is absent
// or its value is not a string.
func ExtractString(attrs []any, key string) string {
	for i := 0; i < len(attrs)-1; i += 2 {
		if k, ok := attrs[i].(string); ok && k == key {
			if v, ok := attrs[i+1].(string); ok {
				return v
			}
		}
	}
	return ""
}

// ToMap renders every pair as strings, skipping the listed keys. Non-string
// keys and a trailing unpaired key are ignored.
func ToMap(attrs []any, skip ...string) map[string]string {
	out := make(map[string]string, len(attrs)/2)
	for i := 0; i < len(attrs)-1; i += 2 {
		k, ok := attrs[i].(string)
		if !ok || contains(skip, k) {
			continue
		}
		switch v := attrs[i+1].(type) {
		case string:
			out[k] = v
		case fmt.Stringer:
			out[k] = v.String()
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
