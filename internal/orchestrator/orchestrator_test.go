package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

func newRequest(t *testing.T, options map[string]any) *engine.EngineRequest {
	t.Helper()
	req, err := engine.NewRequest("continue the harbor scene with the lantern", nil, options)
	require.NoError(t, err)
	return req
}

func newOrchestrator(t *testing.T, stages Stages, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(stages, DefaultConfig(), opts...)
	require.NoError(t, err)
	return o
}

func requireFailure(t *testing.T, err error, kind engine.FailureKind) *engine.Failure {
	t.Helper()
	require.Error(t, err)
	var failure *engine.Failure
	require.True(t, errors.As(err, &failure), "expected *engine.Failure, got %T", err)
	require.Equal(t, kind, failure.Kind, "failure: %v", err)
	return failure
}

func TestNew_MissingStage(t *testing.T) {
	stages := happyStages(newRecorder())
	stages.HighLevel = nil

	_, err := New(stages, DefaultConfig())
	require.ErrorIs(t, err, ErrMissingStage)
	assert.Contains(t, err.Error(), "high-level checker")
}

func TestRun_AcceptsFirstPassingDraft(t *testing.T) {
	rec := newRecorder()
	o := newOrchestrator(t, happyStages(rec))

	resp, err := o.Run(context.Background(), newRequest(t, nil), engine.TierRegular)
	require.NoError(t, err)
	assert.Equal(t, "The lantern burned low as the tide came in.", resp.Content)
	assert.Nil(t, resp.Debug, "debug should only be attached in verbose mode")

	for _, stage := range []Stage{StageUnderstand, StageRetrieve, StagePlan, StageWrite, StageCheckLow, StageCheckHigh} {
		assert.Equal(t, 1, rec.count(stage), "stage %s", stage)
	}
}

func TestRun_InvalidTier(t *testing.T) {
	rec := newRecorder()
	o := newOrchestrator(t, happyStages(rec))

	_, err := o.Run(context.Background(), newRequest(t, nil), engine.UserTier("gold"))
	requireFailure(t, err, engine.KindInvalidTier)
	assert.ErrorIs(t, err, engine.ErrInvalidTier)
	assert.Zero(t, rec.count(StageUnderstand), "no stage should run for an invalid tier")
}

func TestRun_NilRequest(t *testing.T) {
	o := newOrchestrator(t, happyStages(newRecorder()))

	_, err := o.Run(context.Background(), nil, engine.TierRegular)
	requireFailure(t, err, engine.KindInvalidRequest)
}

func TestRun_TierPassedToEveryStage(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	stages.LowLevel = failingLow(rec)
	o := newOrchestrator(t, stages)

	_, err := o.Run(context.Background(), newRequest(t, map[string]any{"repair_bound": 1}), engine.TierVIP)
	requireFailure(t, err, engine.KindConsistencyUnresolved)

	for stage, tiers := range rec.tiers {
		for _, tier := range tiers {
			assert.Equal(t, engine.TierVIP, tier, "stage %s", stage)
		}
	}
}

func TestRun_VerboseDebugTrail(t *testing.T) {
	o := newOrchestrator(t, happyStages(newRecorder()))

	resp, err := o.Run(context.Background(), newRequest(t, map[string]any{"verbose": true}), engine.TierVIP)
	require.NoError(t, err)
	require.NotNil(t, resp.Debug)

	assert.NotEmpty(t, resp.Debug[DebugRunID])
	assert.Equal(t, "vip", resp.Debug[DebugTier])
	assert.Contains(t, resp.Debug, DebugUnderstanding)
	assert.Contains(t, resp.Debug, DebugPlan)
	assert.Equal(t, 0, resp.Debug[DebugRepairs])
	assert.NotContains(t, resp.Debug, DebugStageFailures)

	attempts, ok := resp.Debug[DebugAttempts].([]Attempt)
	require.True(t, ok)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Aggregate.Pass)
}

func TestRun_EmptyRetrievalIsNotAFailure(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	stages.Retriever = retrieveFunc(func(context.Context, engine.QueryUnderstandingResult, *engine.EngineRequest, engine.UserTier) ([]engine.RetrievedMemory, error) {
		return nil, nil
	})
	o := newOrchestrator(t, stages)

	resp, err := o.Run(context.Background(), newRequest(t, map[string]any{"verbose": true}), engine.TierRegular)
	require.NoError(t, err)
	assert.NotNil(t, rec.memories)
	assert.Empty(t, rec.memories)
	assert.NotContains(t, resp.Debug, DebugStageFailures)
}

func TestRun_RetrieverOrderIsPreserved(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	unordered := []engine.RetrievedMemory{
		{ID: "a", Score: 0.2},
		{ID: "b", Score: 0.9},
		{ID: "c", Score: 0.5},
	}
	stages.Retriever = retrieveFunc(func(context.Context, engine.QueryUnderstandingResult, *engine.EngineRequest, engine.UserTier) ([]engine.RetrievedMemory, error) {
		return unordered, nil
	})
	o := newOrchestrator(t, stages)

	_, err := o.Run(context.Background(), newRequest(t, nil), engine.TierRegular)
	require.NoError(t, err)
	assert.Equal(t, unordered, rec.memories)
}

func TestRun_RetrievalErrorDegrades(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	stages.Retriever = retrieveFunc(func(context.Context, engine.QueryUnderstandingResult, *engine.EngineRequest, engine.UserTier) ([]engine.RetrievedMemory, error) {
		return nil, errors.New("vector store unreachable")
	})
	core, logs := observer.New(zap.WarnLevel)
	o := newOrchestrator(t, stages, WithLogger(zap.New(core)))

	resp, err := o.Run(context.Background(), newRequest(t, map[string]any{"verbose": true}), engine.TierRegular)
	require.NoError(t, err)
	assert.Empty(t, rec.memories)
	assert.Equal(t, 1, rec.count(StageWrite))

	failures, ok := resp.Debug[DebugStageFailures].([]StageFailure)
	require.True(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, StageRetrieve, failures[0].Stage)
	assert.Equal(t, engine.KindRetrievalUnavailable, failures[0].Kind)
	assert.Equal(t, 1, logs.FilterMessage("retrieval unavailable, continuing without memories").Len())
}

func TestRun_RetrievalTimeoutDegrades(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	stages.Retriever = retrieveFunc(func(ctx context.Context, _ engine.QueryUnderstandingResult, _ *engine.EngineRequest, _ engine.UserTier) ([]engine.RetrievedMemory, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newOrchestrator(t, stages)

	resp, err := o.Run(context.Background(),
		newRequest(t, map[string]any{"stage_timeout": "30ms", "verbose": true}), engine.TierRegular)
	require.NoError(t, err)
	assert.Empty(t, rec.memories)
	assert.Equal(t, 1, rec.count(StageWrite))

	failures, ok := resp.Debug[DebugStageFailures].([]StageFailure)
	require.True(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, StageRetrieve, failures[0].Stage)
	assert.Equal(t, engine.KindRetrievalUnavailable, failures[0].Kind)
}

func TestAggregate(t *testing.T) {
	lowV := engine.NewViolation("missing_required", "low", nil)
	highV := engine.NewViolation("tone_drift", "high", nil)

	tests := []struct {
		name           string
		low            engine.ConsistencyReport
		high           engine.ConsistencyReport
		wantPass       bool
		wantRepairable bool
		wantRules      []string
	}{
		{
			name:           "both pass",
			low:            engine.PassReport(),
			high:           engine.PassReport(),
			wantPass:       true,
			wantRepairable: true,
			wantRules:      []string{},
		},
		{
			name:           "low fails repairable",
			low:            engine.FailReport(true, lowV),
			high:           engine.PassReport(),
			wantPass:       false,
			wantRepairable: true,
			wantRules:      []string{"missing_required"},
		},
		{
			name:           "high unrepairable vetoes repair",
			low:            engine.FailReport(true, lowV),
			high:           engine.FailReport(false, highV),
			wantPass:       false,
			wantRepairable: false,
			wantRules:      []string{"missing_required", "tone_drift"},
		},
		{
			name:           "low unrepairable with high pass",
			low:            engine.FailReport(false, lowV, lowV),
			high:           engine.PassReport(),
			wantPass:       false,
			wantRepairable: false,
			wantRules:      []string{"missing_required", "missing_required"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.low, tt.high)
			assert.Equal(t, tt.wantPass, got.Pass)
			assert.Equal(t, tt.wantRepairable, got.Repairable)
			require.Len(t, got.Violations, len(tt.low.Violations)+len(tt.high.Violations))

			rules := make([]string, 0, len(got.Violations))
			for _, v := range got.Violations {
				rules = append(rules, v.Rule())
			}
			assert.Equal(t, tt.wantRules, rules)
		})
	}
}

func TestRun_RepairBoundTermination(t *testing.T) {
	tests := []struct {
		name       string
		tier       engine.UserTier
		options    map[string]any
		wantWrites int
	}{
		{name: "regular default bound", tier: engine.TierRegular, wantWrites: 3},
		{name: "vip default bound", tier: engine.TierVIP, wantWrites: 4},
		{name: "option override", tier: engine.TierRegular, options: map[string]any{"repair_bound": "0"}, wantWrites: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			stages := happyStages(rec)
			stages.LowLevel = failingLow(rec)
			o := newOrchestrator(t, stages)

			_, err := o.Run(context.Background(), newRequest(t, tt.options), tt.tier)
			failure := requireFailure(t, err, engine.KindConsistencyUnresolved)
			assert.ErrorIs(t, err, engine.ErrConsistencyUnresolved)
			assert.Equal(t, tt.wantWrites, rec.count(StageWrite))
			assert.Equal(t, tt.wantWrites, rec.count(StageCheckHigh))

			report, ok := failure.Debug[DebugReport].(engine.ConsistencyReport)
			require.True(t, ok, "final report should be in debug")
			assert.False(t, report.Pass)
			assert.Equal(t, tt.wantWrites-1, failure.Debug[DebugRepairs])
		})
	}
}

func TestRun_RepairFeedbackReachesWriter(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	var lowCalls atomic.Int32
	stages.LowLevel = lowCheckFunc(func(context.Context, string, *engine.EngineRequest, engine.QueryUnderstandingResult, engine.UserTier) (engine.ConsistencyReport, error) {
		if lowCalls.Add(1) == 1 {
			return engine.FailReport(true, engine.NewViolation("missing_required", "draft must mention the bell", nil)), nil
		}
		return engine.PassReport(), nil
	})
	o := newOrchestrator(t, stages)

	_, err := o.Run(context.Background(), newRequest(t, nil), engine.TierRegular)
	require.NoError(t, err)
	require.Len(t, rec.writerPlans, 2)

	assert.NotContains(t, rec.writerPlans[0], engine.PlanRepairFeedback)
	feedback, ok := rec.writerPlans[1][engine.PlanRepairFeedback].([]engine.Violation)
	require.True(t, ok)
	require.Len(t, feedback, 1)
	assert.Equal(t, "missing_required", feedback[0].Rule())
	assert.Equal(t, 1, rec.writerPlans[1][engine.PlanRepairAttempt])
	assert.Equal(t, "wistful", rec.writerPlans[1]["tone"], "repair plan keeps the director's keys")

	for _, plan := range rec.judgePlans {
		assert.NotContains(t, plan, engine.PlanRepairFeedback, "the judge sees the director's plan")
	}
}

func TestRun_UnrepairableRejectsWithoutRepair(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	stages.HighLevel = highCheckFunc(func(context.Context, string, *engine.EngineRequest, engine.QueryUnderstandingResult, engine.Plan, engine.UserTier) (engine.ConsistencyReport, error) {
		return engine.FailReport(false, engine.NewViolation("premise_conflict", "contradicts canon", nil)), nil
	})
	o := newOrchestrator(t, stages)

	_, err := o.Run(context.Background(), newRequest(t, nil), engine.TierVIP)
	requireFailure(t, err, engine.KindConsistencyUnresolved)
	assert.Equal(t, 1, rec.count(StageWrite))
}

func TestRun_FatalStageErrors(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name       string
		mutate     func(*Stages)
		wantKind   engine.FailureKind
		wantWrites int
	}{
		{
			name: "understanding",
			mutate: func(s *Stages) {
				s.Understanding = understandFunc(func(context.Context, *engine.EngineRequest, engine.UserTier) (engine.QueryUnderstandingResult, error) {
					return engine.QueryUnderstandingResult{}, boom
				})
			},
			wantKind: engine.KindUnderstandingFailed,
		},
		{
			name: "director",
			mutate: func(s *Stages) {
				s.Director = planFunc(func(context.Context, *engine.EngineRequest, engine.QueryUnderstandingResult, []engine.RetrievedMemory, engine.UserTier) (engine.Plan, error) {
					return nil, boom
				})
			},
			wantKind: engine.KindPlanningFailed,
		},
		{
			name: "writer",
			mutate: func(s *Stages) {
				s.Writer = writeFunc(func(context.Context, *engine.EngineRequest, engine.QueryUnderstandingResult, []engine.RetrievedMemory, engine.Plan, engine.UserTier) (string, error) {
					return "", boom
				})
			},
			wantKind: engine.KindWritingFailed,
		},
		{
			name: "low-level checker",
			mutate: func(s *Stages) {
				s.LowLevel = lowCheckFunc(func(context.Context, string, *engine.EngineRequest, engine.QueryUnderstandingResult, engine.UserTier) (engine.ConsistencyReport, error) {
					return engine.ConsistencyReport{}, boom
				})
			},
			wantKind:   engine.KindConsistencyCheckFailed,
			wantWrites: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			stages := happyStages(rec)
			tt.mutate(&stages)
			o := newOrchestrator(t, stages)

			_, err := o.Run(context.Background(), newRequest(t, nil), engine.TierRegular)
			failure := requireFailure(t, err, tt.wantKind)
			assert.ErrorIs(t, err, boom)
			assert.ErrorIs(t, err, tt.wantKind.Sentinel())
			assert.Equal(t, tt.wantWrites, rec.count(StageWrite))

			stageFailures, ok := failure.Debug[DebugStageFailures].([]StageFailure)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, stageFailures[len(stageFailures)-1].Kind)
		})
	}
}

func TestRun_CancelledMidCheck(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	started := make(chan struct{})
	stages.HighLevel = highCheckFunc(func(ctx context.Context, _ string, _ *engine.EngineRequest, _ engine.QueryUnderstandingResult, _ engine.Plan, _ engine.UserTier) (engine.ConsistencyReport, error) {
		close(started)
		<-ctx.Done()
		return engine.ConsistencyReport{}, ctx.Err()
	})
	o := newOrchestrator(t, stages)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	resp, err := o.Run(ctx, newRequest(t, nil), engine.TierRegular)
	assert.Nil(t, resp)
	requireFailure(t, err, engine.KindCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rec.count(StageWrite), "no repair after cancellation")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	rec := newRecorder()
	o := newOrchestrator(t, happyStages(rec))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx, newRequest(t, nil), engine.TierRegular)
	requireFailure(t, err, engine.KindCancelled)
	assert.Zero(t, rec.count(StageWrite))
}

func TestRun_HighLevelTimeoutFailsOpen(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	// The timed-out first call keeps running after invoke returns.
	var highCalls atomic.Int32
	stages.HighLevel = highCheckFunc(func(ctx context.Context, _ string, _ *engine.EngineRequest, _ engine.QueryUnderstandingResult, _ engine.Plan, _ engine.UserTier) (engine.ConsistencyReport, error) {
		if highCalls.Add(1) == 1 {
			<-ctx.Done()
			return engine.ConsistencyReport{}, ctx.Err()
		}
		return engine.PassReport(), nil
	})
	core, logs := observer.New(zap.WarnLevel)
	o := newOrchestrator(t, stages, WithLogger(zap.New(core)))

	resp, err := o.Run(context.Background(),
		newRequest(t, map[string]any{"high_level_timeout": "20ms", "verbose": true}), engine.TierRegular)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count(StageWrite), "timeout should trigger a repair, not an abort")

	failures, ok := resp.Debug[DebugStageFailures].([]StageFailure)
	require.True(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, engine.KindConsistencyTimeout, failures[0].Kind)
	assert.Equal(t, 1, logs.FilterField(zap.String("kind", string(engine.KindConsistencyTimeout))).Len())

	attempts := resp.Debug[DebugAttempts].([]Attempt)
	require.Len(t, attempts, 2)
	assert.False(t, attempts[0].High.Pass)
	assert.True(t, attempts[0].High.Repairable)
	assert.Equal(t, RuleHighLevelUnavailable, attempts[0].High.Violations[0].Rule())
}

func TestRun_HighLevelErrorFailsOpen(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	stages.HighLevel = highCheckFunc(func(context.Context, string, *engine.EngineRequest, engine.QueryUnderstandingResult, engine.Plan, engine.UserTier) (engine.ConsistencyReport, error) {
		return engine.ConsistencyReport{}, errors.New("judge returned prose")
	})
	o := newOrchestrator(t, stages)

	_, err := o.Run(context.Background(), newRequest(t, map[string]any{"repair_bound": 1}), engine.TierRegular)
	failure := requireFailure(t, err, engine.KindConsistencyUnresolved)
	assert.Equal(t, 2, rec.count(StageWrite))

	failures := failure.Debug[DebugStageFailures].([]StageFailure)
	require.Len(t, failures, 2)
	for _, f := range failures {
		assert.Equal(t, engine.KindConsistencyCheckFailed, f.Kind)
		assert.Equal(t, StageCheckHigh, f.Stage)
	}
}

func TestRun_LowLevelTimeoutIsFatal(t *testing.T) {
	rec := newRecorder()
	stages := happyStages(rec)
	stages.LowLevel = lowCheckFunc(func(ctx context.Context, _ string, _ *engine.EngineRequest, _ engine.QueryUnderstandingResult, _ engine.UserTier) (engine.ConsistencyReport, error) {
		<-ctx.Done()
		return engine.ConsistencyReport{}, ctx.Err()
	})
	o := newOrchestrator(t, stages)

	_, err := o.Run(context.Background(), newRequest(t, map[string]any{"low_level_timeout": "20ms"}), engine.TierRegular)
	requireFailure(t, err, engine.KindConsistencyCheckFailed)
	assert.Equal(t, 1, rec.count(StageWrite))
}

func TestRun_StuckWriterHonorsStageTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stages := happyStages(newRecorder())
	stages.Writer = writeFunc(func(context.Context, *engine.EngineRequest, engine.QueryUnderstandingResult, []engine.RetrievedMemory, engine.Plan, engine.UserTier) (string, error) {
		<-release
		return "too late", nil
	})
	o := newOrchestrator(t, stages)

	start := time.Now()
	_, err := o.Run(context.Background(), newRequest(t, map[string]any{"stage_timeout": "30ms"}), engine.TierRegular)
	failure := requireFailure(t, err, engine.KindWritingFailed)
	assert.Contains(t, failure.Message, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	rec := newRecorder()
	stages := happyStages(rec)
	o := newOrchestrator(t, stages, WithMetrics(metrics))
	_, err = o.Run(context.Background(), newRequest(t, nil), engine.TierRegular)
	require.NoError(t, err)

	stages.LowLevel = failingLow(rec)
	o = newOrchestrator(t, stages, WithMetrics(metrics))
	_, err = o.Run(context.Background(), newRequest(t, nil), engine.TierRegular)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(string(engine.KindConsistencyUnresolved))))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.repairs))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice should fail")
}
