package consistency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

func rules(report engine.ConsistencyReport) []string {
	out := make([]string, 0, len(report.Violations))
	for _, v := range report.Violations {
		out = append(out, v.Rule())
	}
	return out
}

func TestRuleChecker_Check(t *testing.T) {
	tests := []struct {
		name           string
		draft          string
		include        []string
		avoid          []string
		options        map[string]any
		tier           engine.UserTier
		wantPass       bool
		wantRepairable bool
		wantRules      []string
	}{
		{
			name:           "clean draft",
			draft:          "Mei lifted the Lantern toward the cliffs.",
			include:        []string{"the lantern"},
			avoid:          []string{"dragon"},
			tier:           engine.TierRegular,
			wantPass:       true,
			wantRepairable: true,
			wantRules:      []string{},
		},
		{
			name:           "missing and forbidden",
			draft:          "A dragon circled the bay.",
			include:        []string{"the lantern"},
			avoid:          []string{"dragon"},
			tier:           engine.TierRegular,
			wantRepairable: true,
			wantRules:      []string{RuleMissingRequired, RuleForbiddenPresent},
		},
		{
			name:           "empty draft",
			draft:          "   ",
			tier:           engine.TierRegular,
			wantRepairable: true,
			wantRules:      []string{RuleEmptyDraft},
		},
		{
			name:           "contradiction is unrepairable",
			draft:          "The storm passed.",
			include:        []string{"the storm"},
			avoid:          []string{"The Storm"},
			tier:           engine.TierRegular,
			wantRepairable: false,
			wantRules:      []string{RuleContradictory},
		},
		{
			name:           "max chars counts runes",
			draft:          "雨夜里灯笼亮了",
			options:        map[string]any{"max_chars": "5"},
			tier:           engine.TierRegular,
			wantRepairable: true,
			wantRules:      []string{RuleMaxChars},
		},
		{
			name:           "placeholder ignored for regular",
			draft:          "She said TODO and laughed.",
			tier:           engine.TierRegular,
			wantPass:       true,
			wantRepairable: true,
			wantRules:      []string{},
		},
		{
			name:           "placeholder flagged for vip",
			draft:          "She said TODO and laughed.",
			tier:           engine.TierVIP,
			wantRepairable: true,
			wantRules:      []string{RulePlaceholderText},
		},
		{
			name:           "strictness option overrides tier",
			draft:          "[insert battle scene]",
			options:        map[string]any{"strictness": "normal"},
			tier:           engine.TierVIP,
			wantPass:       true,
			wantRepairable: true,
			wantRules:      []string{},
		},
		{
			name:           "placeholder needs a whole word",
			draft:          "A mastodon skeleton lay in the ice.",
			tier:           engine.TierVIP,
			wantPass:       true,
			wantRepairable: true,
			wantRules:      []string{},
		},
	}

	checker := NewRuleChecker()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := engine.NewRequest("write", nil, tt.options)
			require.NoError(t, err)
			understanding := engine.QueryUnderstandingResult{MustInclude: tt.include, MustAvoid: tt.avoid}

			report, err := checker.Check(context.Background(), tt.draft, req, understanding, tt.tier)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPass, report.Pass)
			assert.Equal(t, tt.wantRepairable, report.Repairable)
			assert.Equal(t, tt.wantRules, rules(report))
			for _, v := range report.Violations {
				assert.Equal(t, SourceLowLevel, v["source"])
				assert.NotEmpty(t, v.Message())
			}
		})
	}
}

func TestRuleChecker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRuleChecker().Check(ctx, "draft", nil, engine.QueryUnderstandingResult{}, engine.TierRegular)
	assert.ErrorIs(t, err, engine.ErrConsistencyCheckFailed)
	assert.ErrorIs(t, err, context.Canceled)
}
