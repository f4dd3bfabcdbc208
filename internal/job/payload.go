package job

import "strings"

// secretKeys are stripped from payloads before execution so credentials
// riding in a request never reach the engine or later job views.
var secretKeys = []string{"api_key", "admin_secret", "callback_key", "database"}

func stripSecrets(payload map[string]any) {
	for _, k := range secretKeys {
		delete(payload, k)
	}
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// intField tolerates the float64 that encoding/json produces for numbers.
func intField(payload map[string]any, key string, def int) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func stringListField(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
