package usage

import "strings"

var cronHints = []string{"cron", "heartbeat", "scheduler", "scheduled"}

// ProviderKey derives a provider identifier from a model label. A
// "provider/model" label wins outright; otherwise a small rule map
// applies.
func ProviderKey(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "unknown"
	}
	if idx := strings.Index(m, "/"); idx > 0 {
		return m[:idx]
	}
	switch {
	case strings.Contains(m, "claude"), strings.Contains(m, "sonnet"),
		strings.Contains(m, "opus"), strings.Contains(m, "haiku"):
		return "anthropic"
	case strings.Contains(m, "codex"):
		return "openai-codex"
	case strings.HasPrefix(m, "gpt-"):
		return "openai"
	case strings.Contains(m, "gemini"):
		return "google"
	case strings.Contains(m, "grok"):
		return "xai"
	}
	return "unknown"
}

// ModelKey normalizes a model label for bucket keys. Empty labels map
// to "unknown" so bucket rows always have a key.
func ModelKey(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "unknown"
	}
	return m
}

// ClassifySession derives a session class from identity hints, in
// priority order: cron markers, workflow linkage, any identity hint,
// unknown.
func ClassifySession(source, channel, sessionKey, sessionKind, operationID, workOrderID string) SessionClass {
	for _, hint := range []string{source, channel, sessionKey, sessionKind} {
		lower := strings.ToLower(hint)
		for _, marker := range cronHints {
			if strings.Contains(lower, marker) {
				return ClassBackgroundCron
			}
		}
	}
	if operationID != "" || workOrderID != "" {
		return ClassBackgroundWorkflow
	}
	if source != "" || channel != "" || sessionKey != "" || sessionKind != "" {
		return ClassInteractive
	}
	return ClassUnknown
}

// SourceFromKey falls back to the first colon-delimited token of a
// session key when no explicit source was recorded, normalizing a few
// well-known labels.
func SourceFromKey(sessionKey string) string {
	key := strings.TrimSpace(sessionKey)
	if key == "" {
		return ""
	}
	token := key
	if idx := strings.Index(key, ":"); idx >= 0 {
		token = key[:idx]
	}
	token = strings.ToLower(strings.TrimSpace(token))
	switch token {
	case "agent":
		return "overlay"
	case "webchat", "browser":
		return "web"
	}
	return token
}
