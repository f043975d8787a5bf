package engine

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Option keys read by the orchestrator itself.
const (
	OptionRepairBound      = "repair_bound"
	OptionStageTimeout     = "stage_timeout"
	OptionLowLevelTimeout  = "low_level_timeout"
	OptionHighLevelTimeout = "high_level_timeout"
	OptionVerbose          = "verbose"
)

// Option keys read by the bundled stage implementations. The orchestrator
// passes them through untouched.
const (
	OptionTopK       = "top_k"
	OptionMaxTokens  = "max_tokens"
	OptionStrictness = "strictness"
	OptionMaxChars   = "max_chars"
)

// Context keys read by the bundled stage implementations.
const (
	ContextMustInclude = "must_include"
	ContextMustAvoid   = "must_avoid"
	ContextStyle       = "style"
	ContextTone        = "tone"
	ContextCharacters  = "characters"
	ContextHistory     = "history"
)

// Plan keys written by the bundled director and read by the writer and judge.
const (
	PlanIntent       = "intent"
	PlanTone         = "tone"
	PlanStructure    = "structure"
	PlanConstraints  = "constraints"
	PlanMemoryIDs    = "memory_ids"
	PlanTargetLength = "target_length"
	PlanStrictness   = "strictness"
	PlanTier         = "tier"
	PlanCharacters   = "characters"
)

// Plan keys set by the orchestrator on repair attempts.
const (
	PlanRepairFeedback = "repair_feedback"
	PlanRepairAttempt  = "repair_attempt"
)

// IntValue coerces m[key] to an int. ok is false when the key is missing or
// the value cannot be converted.
func IntValue(m map[string]any, key string) (int, bool) {
	raw, present := m[key]
	if !present || raw == nil {
		return 0, false
	}
	v, err := cast.ToIntE(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// BoolValue coerces m[key] to a bool.
func BoolValue(m map[string]any, key string) (bool, bool) {
	raw, present := m[key]
	if !present || raw == nil {
		return false, false
	}
	v, err := cast.ToBoolE(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// StringValue coerces m[key] to a trimmed string.
func StringValue(m map[string]any, key string) (string, bool) {
	raw, present := m[key]
	if !present || raw == nil {
		return "", false
	}
	v, err := cast.ToStringE(raw)
	if err != nil {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// DurationValue coerces m[key] to a duration. Strings are parsed with
// time.ParseDuration ("30s", "1m"); bare numbers are seconds.
func DurationValue(m map[string]any, key string) (time.Duration, bool) {
	raw, present := m[key]
	if !present || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case time.Duration:
		return v, v > 0
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d, d > 0
		}
	}
	secs, err := cast.ToFloat64E(raw)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// StringListValue coerces m[key] to a list of non-empty strings. A single
// string becomes a one-element list; it is never split on whitespace.
func StringListValue(m map[string]any, key string) []string {
	raw, present := m[key]
	if !present || raw == nil {
		return nil
	}
	var items []any
	switch v := raw.(type) {
	case string:
		items = []any{v}
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []any:
		items = v
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := cast.ToStringE(item)
		if err != nil {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
