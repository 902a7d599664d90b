package usage

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

var (
	opFromKeyRe = regexp.MustCompile(`(?:^|:)op:([a-z0-9]{10,})`)
	woFromKeyRe = regexp.MustCompile(`(?:^|:)wo:([a-z0-9]{10,})`)
	errTypeRe   = regexp.MustCompile(`(?i)error|exception|failed`)
)

// ParseLine parses one JSONL line into a UsageEvent. Returns ok=false
// when the line is blank, not a JSON object, or carries no usage, no
// tool calls and no error markers. It never panics on malformed input.
func ParseLine(line []byte) (UsageEvent, bool) {
	var ev UsageEvent

	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return ev, false
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil || obj == nil {
		return ev, false
	}

	message := asObject(obj["message"])
	payload := asObject(obj["payload"])

	// Usage may live top-level, under message, or under payload.
	usageObj := asObject(obj["usage"])
	if usageObj == nil {
		usageObj = asObject(message["usage"])
	}
	if usageObj == nil {
		usageObj = asObject(payload["usage"])
	}

	ev.ToolCalls = extractToolCalls(obj, message, payload)
	ev.HasError = detectError(obj, message)

	if usageObj == nil && len(ev.ToolCalls) == 0 && !ev.HasError {
		return UsageEvent{}, false
	}

	if usageObj != nil {
		ev.HasUsage = true
		ev.InputTokens, _ = firstInt(usageObj, "inputTokens", "input_tokens", "input")
		ev.OutputTokens, _ = firstInt(usageObj, "outputTokens", "output_tokens", "output")
		ev.CacheReadTokens, _ = firstInt(usageObj, "cacheReadTokens", "cacheRead", "cache_read_input_tokens")
		ev.CacheWriteTokens, _ = firstInt(usageObj, "cacheWriteTokens", "cacheWrite", "cache_creation_input_tokens")

		// Explicit totals are trusted even when they disagree with the
		// component sum.
		if total, ok := firstInt(usageObj, "totalTokens", "total_tokens", "total"); ok {
			ev.TotalTokens = total
		} else {
			ev.TotalTokens = ev.InputTokens + ev.OutputTokens + ev.CacheReadTokens + ev.CacheWriteTokens
		}

		ev.CostMicros = extractCostMicros(usageObj["cost"])
	}

	ev.SeenAt = extractTimestamp(obj, message)
	ev.Model = firstString(obj, "model", "modelId")
	if ev.Model == "" {
		ev.Model = firstString(message, "model", "modelId")
	}
	if ev.Model == "" {
		ev.Model = firstString(payload, "model")
	}

	extractIdentity(&ev, obj, message, payload)

	return ev, true
}

// extractCostMicros handles the three cost shapes: a scalar USD value,
// an object with a total, or an object with per-bucket components.
func extractCostMicros(v interface{}) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case map[string]interface{}:
		if tv, ok := t["total"]; ok && tv != nil {
			return usdToMicros(asFloat(tv))
		}
		sum := asFloat(t["input"]) + asFloat(t["output"]) + asFloat(t["cacheRead"]) + asFloat(t["cacheWrite"])
		return usdToMicros(sum)
	default:
		return usdToMicros(asFloat(t))
	}
}

func extractToolCalls(objs ...map[string]interface{}) []string {
	var raw []interface{}
	for _, obj := range objs {
		if obj == nil {
			continue
		}
		if arr, ok := obj["toolCalls"].([]interface{}); ok && len(arr) > 0 {
			raw = arr
			break
		}
	}
	if len(raw) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(raw))
	var tools []string
	for _, item := range raw {
		var name string
		switch t := item.(type) {
		case string:
			name = t
		case map[string]interface{}:
			name = firstString(t, "name", "tool", "toolName")
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		tools = append(tools, name)
	}
	return tools
}

func detectError(obj, message map[string]interface{}) bool {
	switch strings.ToLower(asString(obj["level"])) {
	case "error", "fatal":
		return true
	}
	if t := asString(obj["type"]); t != "" && errTypeRe.MatchString(t) {
		return true
	}
	for _, key := range []string{"error", "err", "exception"} {
		if v, ok := obj[key]; ok && v != nil {
			return true
		}
	}
	// System messages that talk about an error count too.
	if message != nil && strings.EqualFold(asString(message["role"]), "system") {
		if content, ok := message["content"].(string); ok &&
			strings.Contains(strings.ToLower(content), "error") {
			return true
		}
	}
	return false
}

func extractTimestamp(obj, message map[string]interface{}) time.Time {
	for _, src := range []map[string]interface{}{obj, message} {
		if src == nil {
			continue
		}
		for _, key := range []string{"timestamp", "ts", "time", "seenAt"} {
			v, ok := src[key]
			if !ok || v == nil {
				continue
			}
			switch t := v.(type) {
			case string:
				if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
					return parsed.UTC()
				}
				if parsed, err := time.Parse(time.RFC3339, t); err == nil {
					return parsed.UTC()
				}
			case float64:
				ms := int64(t)
				if ms > 1e12 { // unix milliseconds
					return time.UnixMilli(ms).UTC()
				}
				if ms > 0 { // unix seconds
					return time.Unix(ms, 0).UTC()
				}
			}
		}
	}
	return time.Time{}
}

func extractIdentity(ev *UsageEvent, obj, message, payload map[string]interface{}) {
	meta := asObject(obj["metadata"])

	pick := func(keys ...string) string {
		for _, src := range []map[string]interface{}{obj, meta, message, payload} {
			if src == nil {
				continue
			}
			if s := firstString(src, keys...); s != "" {
				return s
			}
		}
		return ""
	}

	ev.SessionKey = pick("sessionKey", "session_key", "key")
	ev.Source = pick("source")
	ev.Channel = pick("channel")
	ev.SessionKind = pick("sessionKind", "kind")
	ev.OperationID = pick("operationId", "operation_id")
	ev.WorkOrderID = pick("workOrderId", "work_order_id")

	if ev.SessionKey != "" {
		if ev.OperationID == "" {
			if m := opFromKeyRe.FindStringSubmatch(ev.SessionKey); m != nil {
				ev.OperationID = m[1]
			}
		}
		if ev.WorkOrderID == "" {
			if m := woFromKeyRe.FindStringSubmatch(ev.SessionKey); m != nil {
				ev.WorkOrderID = m[1]
			}
		}
	}
}

// OperationFromKey extracts an operation id embedded in a session key,
// "" if absent.
func OperationFromKey(sessionKey string) string {
	if m := opFromKeyRe.FindStringSubmatch(sessionKey); m != nil {
		return m[1]
	}
	return ""
}

// WorkOrderFromKey extracts a work-order id embedded in a session key,
// "" if absent.
func WorkOrderFromKey(sessionKey string) string {
	if m := woFromKeyRe.FindStringSubmatch(sessionKey); m != nil {
		return m[1]
	}
	return ""
}
