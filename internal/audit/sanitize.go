package audit

import "strings"

// Redacted replaces the value of every sensitive parameter.
const Redacted = "[REDACTED]"

var sensitiveTerms = []string{
	"password",
	"private_key",
	"secret",
	"token",
	"api_key",
	"encryption_key",
	"mnemonic",
	"seed",
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, term := range sensitiveTerms {
		if strings.Contains(k, term) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of params with sensitive values redacted. Nested
// maps and slices are walked; the input is never modified.
func Sanitize(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if isSensitive(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return Sanitize(val)
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return Sanitize(m)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
