package orchestrator

import (
	"time"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

// TierPolicy holds the run limits applied to one tier.
type TierPolicy struct {
	// RepairBound is the maximum number of repair rewrites after the first draft
	RepairBound int `koanf:"repair_bound"`

	// StageTimeout bounds each of UNDERSTAND, RETRIEVE, PLAN and WRITE
	StageTimeout time.Duration `koanf:"stage_timeout"`

	// LowLevelTimeout bounds the rule-based checker; exceeding it is fatal
	LowLevelTimeout time.Duration `koanf:"low_level_timeout"`

	// HighLevelTimeout bounds the semantic checker; exceeding it fails open toward repair
	HighLevelTimeout time.Duration `koanf:"high_level_timeout"`
}

// Config holds orchestrator-level configuration supplied at construction.
type Config struct {
	// Tiers maps each tier to its policy; missing tiers fall back to DefaultConfig
	Tiers map[engine.UserTier]TierPolicy

	// Verbose attaches the debug trail to every successful response
	Verbose bool
}

// DefaultConfig returns the default tier policies. VIP gets one more repair
// attempt, a longer stage timeout and a stricter high-level timeout.
func DefaultConfig() Config {
	return Config{
		Tiers: map[engine.UserTier]TierPolicy{
			engine.TierRegular: {
				RepairBound:      2,
				StageTimeout:     30 * time.Second,
				LowLevelTimeout:  5 * time.Second,
				HighLevelTimeout: 20 * time.Second,
			},
			engine.TierVIP: {
				RepairBound:      3,
				StageTimeout:     45 * time.Second,
				LowLevelTimeout:  5 * time.Second,
				HighLevelTimeout: 15 * time.Second,
			},
		},
	}
}

// runPolicy is the effective policy for one run after request overrides.
type runPolicy struct {
	TierPolicy
	Verbose bool
}

// policyFor resolves the tier policy and applies the request's recognized options.
func (c Config) policyFor(tier engine.UserTier, req *engine.EngineRequest) runPolicy {
	defaults := DefaultConfig().Tiers[tier]
	policy, ok := c.Tiers[tier]
	if !ok {
		policy = defaults
	}
	if policy.RepairBound < 0 {
		policy.RepairBound = 0
	}
	if policy.StageTimeout <= 0 {
		policy.StageTimeout = defaults.StageTimeout
	}
	if policy.LowLevelTimeout <= 0 {
		policy.LowLevelTimeout = defaults.LowLevelTimeout
	}
	if policy.HighLevelTimeout <= 0 {
		policy.HighLevelTimeout = defaults.HighLevelTimeout
	}

	opts := req.Options()
	if n, ok := engine.IntValue(opts, engine.OptionRepairBound); ok && n >= 0 {
		policy.RepairBound = n
	}
	if d, ok := engine.DurationValue(opts, engine.OptionStageTimeout); ok {
		policy.StageTimeout = d
	}
	if d, ok := engine.DurationValue(opts, engine.OptionLowLevelTimeout); ok {
		policy.LowLevelTimeout = d
	}
	if d, ok := engine.DurationValue(opts, engine.OptionHighLevelTimeout); ok {
		policy.HighLevelTimeout = d
	}

	verbose := c.Verbose
	if v, ok := engine.BoolValue(opts, engine.OptionVerbose); ok {
		verbose = v
	}

	return runPolicy{TierPolicy: policy, Verbose: verbose}
}
