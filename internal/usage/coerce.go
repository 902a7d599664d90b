package usage

import (
	"math"
	"strconv"
	"strings"
)

// asInt64 coerces a JSON value (number, numeric string, bigint-like
// string) to int64. Invalid values coerce to 0, negatives clamp to 0.
func asInt64(v interface{}) int64 {
	var n int64
	switch t := v.(type) {
	case float64:
		if t > math.MaxInt64 {
			n = math.MaxInt64
		} else {
			n = int64(t)
		}
	case int64:
		n = t
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(t, "n")) // tolerate "123n" bigint form
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			n = parsed
		} else if f, err := strconv.ParseFloat(s, 64); err == nil {
			n = int64(f)
		}
	}
	if n < 0 {
		return 0
	}
	return n
}

// asFloat coerces a JSON value to float64, 0 on failure.
func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return 0
}

// asString coerces a JSON value to a trimmed string, "" on failure.
func asString(v interface{}) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// asObject returns v as a JSON object, nil otherwise.
func asObject(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

// usdToMicros converts a USD amount to integer micro-USD, rounding
// half away from zero. NaN and infinities coerce to 0 so a malformed
// cost string can never produce a negative or absurd value.
func usdToMicros(usd float64) int64 {
	if usd <= 0 || math.IsNaN(usd) || math.IsInf(usd, 0) {
		return 0
	}
	return int64(math.Round(usd * 1e6))
}

// firstString returns the first non-empty string among the named keys
// of obj.
func firstString(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := asString(obj[k]); s != "" {
			return s
		}
	}
	return ""
}

// firstInt returns the first present numeric among the named keys of
// obj, along with whether any key was present.
func firstInt(obj map[string]interface{}, keys ...string) (int64, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return asInt64(v), true
		}
	}
	return 0, false
}
