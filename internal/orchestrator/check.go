package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

// RuleHighLevelUnavailable is the violation rule synthesized when the
// high-level checker times out or errors.
const RuleHighLevelUnavailable = "high_level_unavailable"

// Aggregate combines the two checker verdicts. The draft passes only if both
// pass and is repairable only if both are; violations are concatenated with
// the low-level ones first.
func Aggregate(low, high engine.ConsistencyReport) engine.ConsistencyReport {
	violations := make([]engine.Violation, 0, len(low.Violations)+len(high.Violations))
	violations = append(violations, low.Violations...)
	violations = append(violations, high.Violations...)
	return engine.ConsistencyReport{
		Pass:       low.Pass && high.Pass,
		Violations: violations,
		Repairable: low.Repairable && high.Repairable,
	}
}

// check runs both checkers concurrently, each under its own timeout. A
// low-level error is fatal. A high-level error or timeout becomes a failing
// but repairable report.
func (o *Orchestrator) check(ctx context.Context, r *run, draft string, understanding engine.QueryUnderstandingResult, plan engine.Plan) (engine.ConsistencyReport, engine.ConsistencyReport, error) {
	var g errgroup.Group
	var lowRep, highRep engine.ConsistencyReport
	var lowErr, highErr error

	g.Go(func() error {
		lowRep, lowErr = runStage(ctx, o, r, StageCheckLow, r.policy.LowLevelTimeout,
			func(ctx context.Context) (engine.ConsistencyReport, error) {
				return o.stages.LowLevel.Check(ctx, draft, r.req, understanding, r.tier)
			})
		return nil
	})
	g.Go(func() error {
		highRep, highErr = runStage(ctx, o, r, StageCheckHigh, r.policy.HighLevelTimeout,
			func(ctx context.Context) (engine.ConsistencyReport, error) {
				return o.stages.HighLevel.Check(ctx, draft, r.req, understanding, plan, r.tier)
			})
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		return lowRep, highRep, cancelled(ctx, "check")
	}

	if lowErr != nil {
		return lowRep, highRep, o.stageFailure(ctx, r, StageCheckLow, engine.KindConsistencyCheckFailed, lowErr)
	}

	if highErr != nil {
		kind := engine.KindConsistencyCheckFailed
		if isTimeout(highErr) {
			kind = engine.KindConsistencyTimeout
		}
		r.trail.recordFailure(StageCheckHigh, kind, r.attempt, highErr)
		r.logger.Warn("high-level check unavailable, treating draft as failing",
			zap.String("stage", string(StageCheckHigh)),
			zap.String("kind", string(kind)),
			zap.Int("attempt", r.attempt),
			zap.Error(highErr),
		)
		highRep = engine.FailReport(true, engine.NewViolation(RuleHighLevelUnavailable,
			fmt.Sprintf("high-level check did not produce a verdict: %v", highErr),
			map[string]any{"kind": string(kind), "source": "high_level"}))
	}

	return normalize(lowRep), normalize(highRep), nil
}

// normalize keeps Violations non-nil so debug output is stable.
func normalize(rep engine.ConsistencyReport) engine.ConsistencyReport {
	if rep.Violations == nil {
		rep.Violations = []engine.Violation{}
	}
	return rep
}
