// Package director turns the understanding of a request and its retrieved
// memories into a writing plan.
package director

import (
	"context"
	"fmt"
	"slices"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

// Strictness levels written to the plan.
const (
	StrictnessNormal = "normal"
	StrictnessHigh   = "high"
)

var defaultTones = map[string]string{
	"continue":  "consistent with the most recent chapter",
	"dialogue":  "natural and character-driven",
	"describe":  "vivid and sensory",
	"summarize": "neutral and concise",
	"outline":   "structured and plain",
	"rewrite":   "faithful to the original passage",
}

var structures = map[string][]string{
	"continue":  {"reconnect with the last scene", "advance the central conflict", "close on a hook"},
	"dialogue":  {"establish setting and who is present", "exchange with rising tension", "turn or reveal", "beat of silence or reaction"},
	"describe":  {"wide establishing view", "telling details", "emotional resonance"},
	"summarize": {"key events in order", "character changes", "open threads"},
	"outline":   {"opening situation", "complications", "midpoint turn", "climax", "resolution"},
	"rewrite":   {"keep the original events", "apply the requested change", "smooth transitions"},
}

var genericStructure = []string{"opening", "development", "closing beat"}

// Config holds tier defaults for target length.
type Config struct {
	TargetLengthRegular int `koanf:"target_length_regular"`
	TargetLengthVIP     int `koanf:"target_length_vip"`
}

// DefaultConfig returns the default target lengths, in tokens.
func DefaultConfig() Config {
	return Config{
		TargetLengthRegular: 800,
		TargetLengthVIP:     1500,
	}
}

// RuleDirector implements engine.Director with a fixed rule table. Plan is a
// pure function of its inputs.
type RuleDirector struct {
	config Config
}

// NewRuleDirector creates a director. Non-positive lengths fall back to defaults.
func NewRuleDirector(config Config) *RuleDirector {
	defaults := DefaultConfig()
	if config.TargetLengthRegular <= 0 {
		config.TargetLengthRegular = defaults.TargetLengthRegular
	}
	if config.TargetLengthVIP <= 0 {
		config.TargetLengthVIP = defaults.TargetLengthVIP
	}
	return &RuleDirector{config: config}
}

// Plan builds the writing plan. It only fails when ctx is done.
func (d *RuleDirector) Plan(ctx context.Context, req *engine.EngineRequest, understanding engine.QueryUnderstandingResult, memories []engine.RetrievedMemory, tier engine.UserTier) (engine.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrPlanningFailed, err)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", engine.ErrPlanningFailed)
	}

	reqCtx := req.Context()
	opts := req.Options()

	intent := understanding.SearchIntent
	if intent == "" {
		intent = "generic"
	}

	tone, ok := engine.StringValue(reqCtx, engine.ContextTone)
	if !ok {
		tone, ok = engine.StringValue(reqCtx, engine.ContextStyle)
	}
	if !ok {
		tone, ok = defaultTones[intent]
	}
	if !ok {
		tone = "consistent with the story so far"
	}

	structure, ok := structures[intent]
	if !ok {
		structure = genericStructure
	}

	memoryIDs := make([]string, 0, len(memories))
	for _, m := range memories {
		memoryIDs = append(memoryIDs, m.ID)
	}

	targetLength := d.config.TargetLengthRegular
	strictness := StrictnessNormal
	if tier.IsVIP() {
		targetLength = d.config.TargetLengthVIP
		strictness = StrictnessHigh
	}
	if n, ok := engine.IntValue(opts, engine.OptionMaxTokens); ok && n > 0 {
		targetLength = n
	}
	if s, ok := engine.StringValue(opts, engine.OptionStrictness); ok {
		strictness = s
	}

	plan := engine.Plan{
		engine.PlanIntent:    intent,
		engine.PlanTone:      tone,
		engine.PlanStructure: slices.Clone(structure),
		engine.PlanConstraints: map[string][]string{
			engine.ContextMustInclude: slices.Clone(understanding.MustInclude),
			engine.ContextMustAvoid:   slices.Clone(understanding.MustAvoid),
		},
		engine.PlanMemoryIDs:    memoryIDs,
		engine.PlanTargetLength: targetLength,
		engine.PlanStrictness:   strictness,
		engine.PlanTier:         tier.Value(),
	}
	if chars := engine.StringListValue(reqCtx, engine.ContextCharacters); len(chars) > 0 {
		plan[engine.PlanCharacters] = chars
	}
	return plan, nil
}
