package orchestrator

import (
	"maps"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

// Keys of the per-run debug map.
const (
	DebugRunID         = "run_id"
	DebugTier          = "tier"
	DebugUnderstanding = "understanding"
	DebugRetrieval     = "retrieval"
	DebugPlan          = "plan"
	DebugAttempts      = "attempts"
	DebugLowReport     = "low_report"
	DebugHighReport    = "high_report"
	DebugReport        = "report"
	DebugRepairs       = "repairs"
	DebugStageFailures = "stage_failures"
)

// StageFailure is one recorded stage failure, fatal or recovered.
type StageFailure struct {
	Stage   Stage              `json:"stage"`
	Kind    engine.FailureKind `json:"kind"`
	Error   string             `json:"error"`
	Attempt int                `json:"attempt"`
}

// Attempt records one WRITE+CHECK round.
type Attempt struct {
	Number     int                      `json:"number"`
	DraftChars int                      `json:"draft_chars"`
	Low        engine.ConsistencyReport `json:"low"`
	High       engine.ConsistencyReport `json:"high"`
	Aggregate  engine.ConsistencyReport `json:"aggregate"`
}

// trail accumulates the debug data of one run. It is owned by a single run
// and only touched from the run's goroutine.
type trail struct {
	values   map[string]any
	failures []StageFailure
	attempts []Attempt
}

func newTrail(runID string, tier engine.UserTier) *trail {
	return &trail{
		values: map[string]any{
			DebugRunID: runID,
			DebugTier:  tier.Value(),
		},
	}
}

func (t *trail) set(key string, value any) {
	t.values[key] = value
}

func (t *trail) recordFailure(stage Stage, kind engine.FailureKind, attempt int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.failures = append(t.failures, StageFailure{Stage: stage, Kind: kind, Error: msg, Attempt: attempt})
}

func (t *trail) recordAttempt(a Attempt) {
	t.attempts = append(t.attempts, a)
	t.values[DebugLowReport] = a.Low
	t.values[DebugHighReport] = a.High
	t.values[DebugReport] = a.Aggregate
}

// snapshot returns a copy of the debug data safe to hand to the caller.
func (t *trail) snapshot() map[string]any {
	out := maps.Clone(t.values)
	if len(t.attempts) > 0 {
		out[DebugAttempts] = append([]Attempt(nil), t.attempts...)
		out[DebugRepairs] = len(t.attempts) - 1
	}
	if len(t.failures) > 0 {
		out[DebugStageFailures] = append([]StageFailure(nil), t.failures...)
	}
	return out
}
