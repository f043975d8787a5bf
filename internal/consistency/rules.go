// Package consistency implements the two draft checkers: RuleChecker
// enforces hard constraints deterministically, JudgeChecker asks an LLM for
// a semantic verdict on canon and plan adherence.
package consistency

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

// Rule names reported by RuleChecker.
const (
	RuleEmptyDraft       = "empty_draft"
	RuleMissingRequired  = "missing_required"
	RuleForbiddenPresent = "forbidden_present"
	RuleMaxChars         = "max_chars"
	RuleContradictory    = "contradictory_constraints"
	RulePlaceholderText  = "placeholder_text"
)

// Violation sources and severities.
const (
	SourceLowLevel  = "low_level"
	SourceHighLevel = "high_level"
	SeverityError   = "error"
	SeverityWarning = "warning"
)

const (
	violationKeyPhrase     = "phrase"
	violationKeySeverity   = "severity"
	violationKeySource     = "source"
	violationKeyRepairable = "repairable"
	strictnessHigh         = "high"
)

// placeholderPattern matches scaffolding a finished draft must not contain
// under strict checking.
var placeholderPattern = regexp.MustCompile(`(?i)\b(todo|tbd|lorem ipsum)\b|\[(insert|placeholder)`)

// RuleChecker is the low-level checker. It matches phrases
// case-insensitively and never calls out to a model.
type RuleChecker struct{}

// NewRuleChecker creates a rule checker.
func NewRuleChecker() *RuleChecker {
	return &RuleChecker{}
}

// Check evaluates the draft against the understanding's hard constraints and
// the request's max_chars option. VIP requests, or requests with strictness
// "high", are also checked for leftover placeholder text.
func (c *RuleChecker) Check(ctx context.Context, draft string, req *engine.EngineRequest, understanding engine.QueryUnderstandingResult, tier engine.UserTier) (engine.ConsistencyReport, error) {
	if err := ctx.Err(); err != nil {
		return engine.ConsistencyReport{}, fmt.Errorf("%w: %w", engine.ErrConsistencyCheckFailed, err)
	}

	var violations []engine.Violation
	repairable := true
	add := func(v engine.Violation, canRepair bool) {
		v[violationKeySource] = SourceLowLevel
		v[violationKeyRepairable] = canRepair
		if _, ok := v[violationKeySeverity]; !ok {
			v[violationKeySeverity] = SeverityError
		}
		violations = append(violations, v)
		repairable = repairable && canRepair
	}

	lowered := strings.ToLower(draft)

	if strings.TrimSpace(draft) == "" {
		add(engine.NewViolation(RuleEmptyDraft, "draft is empty", nil), true)
	}

	contradicted := make(map[string]bool)
	for _, inc := range understanding.MustInclude {
		for _, avoid := range understanding.MustAvoid {
			if strings.EqualFold(strings.TrimSpace(inc), strings.TrimSpace(avoid)) {
				key := strings.ToLower(strings.TrimSpace(inc))
				if contradicted[key] {
					continue
				}
				contradicted[key] = true
				add(engine.NewViolation(RuleContradictory,
					fmt.Sprintf("%q is both required and forbidden", inc),
					map[string]any{violationKeyPhrase: inc}), false)
			}
		}
	}

	for _, phrase := range understanding.MustInclude {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p == "" || contradicted[p] {
			continue
		}
		if !strings.Contains(lowered, p) {
			add(engine.NewViolation(RuleMissingRequired,
				fmt.Sprintf("draft does not contain required phrase %q", phrase),
				map[string]any{violationKeyPhrase: phrase}), true)
		}
	}

	for _, phrase := range understanding.MustAvoid {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p == "" || contradicted[p] {
			continue
		}
		if strings.Contains(lowered, p) {
			add(engine.NewViolation(RuleForbiddenPresent,
				fmt.Sprintf("draft contains forbidden phrase %q", phrase),
				map[string]any{violationKeyPhrase: phrase}), true)
		}
	}

	if req != nil {
		if limit, ok := engine.IntValue(req.Options(), engine.OptionMaxChars); ok && limit > 0 {
			if n := utf8.RuneCountInString(draft); n > limit {
				add(engine.NewViolation(RuleMaxChars,
					fmt.Sprintf("draft is %d characters, limit is %d", n, limit),
					map[string]any{"limit": limit, "actual": n}), true)
			}
		}
	}

	if strict(req, tier) {
		if marker := placeholderPattern.FindString(draft); marker != "" {
			add(engine.NewViolation(RulePlaceholderText,
				fmt.Sprintf("draft contains placeholder text %q", marker),
				map[string]any{violationKeyPhrase: marker}), true)
		}
	}

	if len(violations) == 0 {
		return engine.PassReport(), nil
	}
	return engine.FailReport(repairable, violations...), nil
}

// strict reports whether the stricter checks apply: an explicit strictness
// option wins, otherwise VIP is strict.
func strict(req *engine.EngineRequest, tier engine.UserTier) bool {
	if req != nil {
		if s, ok := engine.StringValue(req.Options(), engine.OptionStrictness); ok {
			return strings.EqualFold(s, strictnessHigh)
		}
	}
	return tier.IsVIP()
}
