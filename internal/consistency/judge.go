package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/narrative"
)

// RuleJudgeRejected is used when the judge fails a draft without listing why.
const RuleJudgeRejected = "judge_rejected"

// ruleSemantic is the default rule for judge violations that omit one.
const ruleSemantic = "semantic"

// ErrUnparseableVerdict is returned when the judge reply holds no JSON
// object with a boolean "pass" field.
var ErrUnparseableVerdict = errors.New("judge verdict is not valid JSON")

// verdict is the JSON object the judge is asked to return.
type verdict struct {
	Pass       *bool            `json:"pass"`
	Repairable *bool            `json:"repairable"`
	Violations []map[string]any `json:"violations"`
}

// JudgeChecker is the high-level checker. It asks an LLM whether the draft
// is consistent with the request, the retrieved canon and the plan.
type JudgeChecker struct {
	llm    narrative.LLM
	logger *zap.Logger
}

// NewJudgeChecker creates a judge backed by llm.
func NewJudgeChecker(llm narrative.LLM, logger *zap.Logger) *JudgeChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JudgeChecker{llm: llm, logger: logger}
}

// Check asks the model for a verdict. Errors wrap
// engine.ErrConsistencyCheckFailed.
func (j *JudgeChecker) Check(ctx context.Context, draft string, req *engine.EngineRequest, understanding engine.QueryUnderstandingResult, plan engine.Plan, tier engine.UserTier) (engine.ConsistencyReport, error) {
	if j.llm == nil {
		return engine.ConsistencyReport{}, fmt.Errorf("%w: LLM is required", engine.ErrConsistencyCheckFailed)
	}
	if req == nil {
		return engine.ConsistencyReport{}, fmt.Errorf("%w: request is required", engine.ErrConsistencyCheckFailed)
	}

	prompt := assembleJudgePrompt(draft, req, understanding, plan, tier)
	raw, err := j.llm.Generate(ctx, prompt)
	if err != nil {
		return engine.ConsistencyReport{}, fmt.Errorf("%w: judge invocation failed: %w", engine.ErrConsistencyCheckFailed, err)
	}

	report, err := ParseVerdict(raw)
	if err != nil {
		j.logger.Warn("discarding judge output", zap.Int("chars", len(raw)), zap.Error(err))
		return engine.ConsistencyReport{}, fmt.Errorf("%w: %w", engine.ErrConsistencyCheckFailed, err)
	}
	return report, nil
}

// ParseVerdict decodes a judge response into a report. It accepts a bare
// JSON object or one wrapped in a fenced code block or surrounding prose.
// "pass" is required; "repairable" defaults to true.
func ParseVerdict(raw string) (engine.ConsistencyReport, error) {
	body := extractJSONObject(raw)
	if body == "" {
		return engine.ConsistencyReport{}, fmt.Errorf("%w: no JSON object found", ErrUnparseableVerdict)
	}

	var v verdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return engine.ConsistencyReport{}, fmt.Errorf("%w: %w", ErrUnparseableVerdict, err)
	}
	if v.Pass == nil {
		return engine.ConsistencyReport{}, fmt.Errorf("%w: missing \"pass\" field", ErrUnparseableVerdict)
	}

	violations := make([]engine.Violation, 0, len(v.Violations))
	for _, m := range v.Violations {
		violations = append(violations, normalizeJudgeViolation(m, *v.Pass))
	}

	if *v.Pass {
		return engine.ConsistencyReport{Pass: true, Violations: violations, Repairable: true}, nil
	}

	repairable := true
	if v.Repairable != nil {
		repairable = *v.Repairable
	}
	if len(violations) == 0 {
		violations = append(violations, engine.NewViolation(RuleJudgeRejected,
			"the reviewer rejected the draft without details",
			map[string]any{violationKeySource: SourceHighLevel, violationKeySeverity: SeverityError}))
	}
	return engine.FailReport(repairable, violations...), nil
}

func normalizeJudgeViolation(m map[string]any, passed bool) engine.Violation {
	v := engine.Violation{}
	for k, val := range m {
		v[k] = val
	}
	if cast.ToString(v["rule"]) == "" {
		v["rule"] = ruleSemantic
	}
	if cast.ToString(v["message"]) == "" {
		v["message"] = cast.ToString(v["rule"])
	}
	v[violationKeySource] = SourceHighLevel
	if _, ok := v[violationKeySeverity]; !ok {
		if passed {
			v[violationKeySeverity] = SeverityWarning
		} else {
			v[violationKeySeverity] = SeverityError
		}
	}
	return v
}

// extractJSONObject returns the outermost {...} span of s, after removing
// a surrounding code fence if present.
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.Index(s, "\n"); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func assembleJudgePrompt(draft string, req *engine.EngineRequest, understanding engine.QueryUnderstandingResult, plan engine.Plan, tier engine.UserTier) string {
	var b strings.Builder

	b.WriteString("You are the continuity editor of a serialized novel. ")
	b.WriteString("Review the draft below against the reader's request and the plan it was written from.\n\n")

	b.WriteString("# Request\n\n")
	b.WriteString(req.UserQuery() + "\n\n")
	if understanding.SearchIntent != "" {
		b.WriteString(fmt.Sprintf("**Intent:** %s\n\n", understanding.SearchIntent))
	}

	b.WriteString("# Plan (advisory)\n\n")
	if tone := cast.ToString(plan[engine.PlanTone]); tone != "" {
		b.WriteString(fmt.Sprintf("**Tone:** %s\n", tone))
	}
	if structure := cast.ToStringSlice(plan[engine.PlanStructure]); len(structure) > 0 {
		b.WriteString(fmt.Sprintf("**Structure:** %s\n", strings.Join(structure, " -> ")))
	}
	if chars := cast.ToStringSlice(plan[engine.PlanCharacters]); len(chars) > 0 {
		b.WriteString(fmt.Sprintf("**Characters:** %s\n", strings.Join(chars, ", ")))
	}
	b.WriteString("\n")

	b.WriteString("# Draft\n\n")
	b.WriteString(draft + "\n\n")

	b.WriteString("# Review\n\n")
	if tier.IsVIP() {
		b.WriteString("Apply strict review: flag any drift in character voice, timeline or tone, however small.\n")
	} else {
		b.WriteString("Flag contradictions with the request or plan, broken character voice, and timeline errors. Ignore minor stylistic choices.\n")
	}
	b.WriteString("Mark a violation unrepairable only if the request itself cannot be satisfied.\n\n")

	b.WriteString("# Verdict Format\n\n")
	b.WriteString("Respond with a single JSON object and nothing else:\n")
	b.WriteString(`{"pass": true|false, "repairable": true|false, "violations": [{"rule": "short_name", "message": "what is wrong"}]}`)
	b.WriteString("\n")

	return b.String()
}
