package orchestrator

import (
	"context"
	"sync"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

type understandFunc func(context.Context, *engine.EngineRequest, engine.UserTier) (engine.QueryUnderstandingResult, error)

func (f understandFunc) Understand(ctx context.Context, req *engine.EngineRequest, tier engine.UserTier) (engine.QueryUnderstandingResult, error) {
	return f(ctx, req, tier)
}

type retrieveFunc func(context.Context, engine.QueryUnderstandingResult, *engine.EngineRequest, engine.UserTier) ([]engine.RetrievedMemory, error)

func (f retrieveFunc) Retrieve(ctx context.Context, u engine.QueryUnderstandingResult, req *engine.EngineRequest, tier engine.UserTier) ([]engine.RetrievedMemory, error) {
	return f(ctx, u, req, tier)
}

type planFunc func(context.Context, *engine.EngineRequest, engine.QueryUnderstandingResult, []engine.RetrievedMemory, engine.UserTier) (engine.Plan, error)

func (f planFunc) Plan(ctx context.Context, req *engine.EngineRequest, u engine.QueryUnderstandingResult, m []engine.RetrievedMemory, tier engine.UserTier) (engine.Plan, error) {
	return f(ctx, req, u, m, tier)
}

type writeFunc func(context.Context, *engine.EngineRequest, engine.QueryUnderstandingResult, []engine.RetrievedMemory, engine.Plan, engine.UserTier) (string, error)

func (f writeFunc) Write(ctx context.Context, req *engine.EngineRequest, u engine.QueryUnderstandingResult, m []engine.RetrievedMemory, p engine.Plan, tier engine.UserTier) (string, error) {
	return f(ctx, req, u, m, p, tier)
}

type lowCheckFunc func(context.Context, string, *engine.EngineRequest, engine.QueryUnderstandingResult, engine.UserTier) (engine.ConsistencyReport, error)

func (f lowCheckFunc) Check(ctx context.Context, draft string, req *engine.EngineRequest, u engine.QueryUnderstandingResult, tier engine.UserTier) (engine.ConsistencyReport, error) {
	return f(ctx, draft, req, u, tier)
}

type highCheckFunc func(context.Context, string, *engine.EngineRequest, engine.QueryUnderstandingResult, engine.Plan, engine.UserTier) (engine.ConsistencyReport, error)

func (f highCheckFunc) Check(ctx context.Context, draft string, req *engine.EngineRequest, u engine.QueryUnderstandingResult, p engine.Plan, tier engine.UserTier) (engine.ConsistencyReport, error) {
	return f(ctx, draft, req, u, p, tier)
}

// recorder counts stage calls and keeps what each stage received.
type recorder struct {
	mu          sync.Mutex
	calls       map[Stage]int
	tiers       map[Stage][]engine.UserTier
	memories    []engine.RetrievedMemory
	writerPlans []engine.Plan
	judgePlans  []engine.Plan
}

func newRecorder() *recorder {
	return &recorder{
		calls: map[Stage]int{},
		tiers: map[Stage][]engine.UserTier{},
	}
}

func (r *recorder) hit(stage Stage, tier engine.UserTier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[stage]++
	r.tiers[stage] = append(r.tiers[stage], tier)
}

func (r *recorder) count(stage Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stage]
}

// happyStages returns stages that all succeed and accept the first draft.
// Tests replace individual stages to inject failures.
func happyStages(rec *recorder) Stages {
	return Stages{
		Understanding: understandFunc(func(_ context.Context, req *engine.EngineRequest, tier engine.UserTier) (engine.QueryUnderstandingResult, error) {
			rec.hit(StageUnderstand, tier)
			return engine.QueryUnderstandingResult{
				SearchIntent: "continue",
				Keywords:     []string{"lantern", "harbor"},
				MustInclude:  []string{"lantern"},
				MustAvoid:    []string{},
			}, nil
		}),
		Retriever: retrieveFunc(func(_ context.Context, _ engine.QueryUnderstandingResult, _ *engine.EngineRequest, tier engine.UserTier) ([]engine.RetrievedMemory, error) {
			rec.hit(StageRetrieve, tier)
			return []engine.RetrievedMemory{
				{ID: "m1", Content: "The lantern swung over the harbor.", Score: 0.9},
			}, nil
		}),
		Director: planFunc(func(_ context.Context, _ *engine.EngineRequest, _ engine.QueryUnderstandingResult, memories []engine.RetrievedMemory, tier engine.UserTier) (engine.Plan, error) {
			rec.hit(StagePlan, tier)
			rec.mu.Lock()
			rec.memories = memories
			rec.mu.Unlock()
			return engine.Plan{"intent": "continue", "tone": "wistful"}, nil
		}),
		Writer: writeFunc(func(_ context.Context, _ *engine.EngineRequest, _ engine.QueryUnderstandingResult, _ []engine.RetrievedMemory, plan engine.Plan, tier engine.UserTier) (string, error) {
			rec.hit(StageWrite, tier)
			rec.mu.Lock()
			rec.writerPlans = append(rec.writerPlans, plan)
			rec.mu.Unlock()
			return "The lantern burned low as the tide came in.", nil
		}),
		LowLevel: lowCheckFunc(func(_ context.Context, _ string, _ *engine.EngineRequest, _ engine.QueryUnderstandingResult, tier engine.UserTier) (engine.ConsistencyReport, error) {
			rec.hit(StageCheckLow, tier)
			return engine.PassReport(), nil
		}),
		HighLevel: highCheckFunc(func(_ context.Context, _ string, _ *engine.EngineRequest, _ engine.QueryUnderstandingResult, plan engine.Plan, tier engine.UserTier) (engine.ConsistencyReport, error) {
			rec.hit(StageCheckHigh, tier)
			rec.mu.Lock()
			rec.judgePlans = append(rec.judgePlans, plan)
			rec.mu.Unlock()
			return engine.PassReport(), nil
		}),
	}
}

// failingLow always reports a repairable violation.
func failingLow(rec *recorder) lowCheckFunc {
	return func(_ context.Context, _ string, _ *engine.EngineRequest, _ engine.QueryUnderstandingResult, tier engine.UserTier) (engine.ConsistencyReport, error) {
		rec.hit(StageCheckLow, tier)
		return engine.FailReport(true, engine.NewViolation("missing_required", "draft must mention the bell", map[string]any{"phrase": "bell"})), nil
	}
}
