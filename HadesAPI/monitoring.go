package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

const maxLoggedPayload = 512

// safePayloadFormat formats a job payload for the service log. Resource attributes
// can carry file contents and credentials, so their values are replaced; recipe
// text is reduced to its size.
func safePayloadFormat(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Error("Failed to unmarshal payload bytes", "error", err)
		return ""
	}
	if text, ok := v.(string); ok {
		return fmt.Sprintf("<recipe, %d bytes>", len(text))
	}

	out, err := json.Marshal(redactAttributes(v))
	if err != nil {
		slog.Error("Failed to marshal sanitized payload", "error", err)
		return ""
	}
	if len(out) > maxLoggedPayload {
		return string(out[:maxLoggedPayload]) + "..."
	}
	return string(out)
}

// redactAttributes returns a copy of v with the values of every "attributes" object replaced.
func redactAttributes(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if attrs, ok := val.(map[string]any); ok && k == "attributes" {
				redacted := make(map[string]any, len(attrs))
				for name := range attrs {
					redacted[name] = "[redacted]"
				}
				out[k] = redacted
				continue
			}
			out[k] = redactAttributes(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactAttributes(val)
		}
		return out
	default:
		return v
	}
}
