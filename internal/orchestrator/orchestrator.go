package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

const tracerName = "github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/orchestrator"

// ErrMissingStage is returned by New when a stage implementation is nil.
var ErrMissingStage = errors.New("missing stage implementation")

// Stages bundles the six stage implementations the orchestrator composes.
type Stages struct {
	Understanding engine.QueryUnderstanding
	Retriever     engine.Retriever
	Director      engine.Director
	Writer        engine.Writer
	LowLevel      engine.LowLevelConsistencyChecker
	HighLevel     engine.HighLevelConsistencyChecker
}

func (s Stages) validate() error {
	switch {
	case s.Understanding == nil:
		return fmt.Errorf("%w: understanding", ErrMissingStage)
	case s.Retriever == nil:
		return fmt.Errorf("%w: retriever", ErrMissingStage)
	case s.Director == nil:
		return fmt.Errorf("%w: director", ErrMissingStage)
	case s.Writer == nil:
		return fmt.Errorf("%w: writer", ErrMissingStage)
	case s.LowLevel == nil:
		return fmt.Errorf("%w: low-level checker", ErrMissingStage)
	case s.HighLevel == nil:
		return fmt.Errorf("%w: high-level checker", ErrMissingStage)
	}
	return nil
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors used to record runs.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator sequences the pipeline stages for one request at a time per
// Run call. It holds no per-run state and is safe for concurrent use.
type Orchestrator struct {
	stages  Stages
	config  Config
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// New builds an orchestrator over the given stages.
func New(stages Stages, config Config, opts ...Option) (*Orchestrator, error) {
	if err := stages.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		stages: stages,
		config: config,
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run is the state of a single pipeline execution.
type run struct {
	id      string
	req     *engine.EngineRequest
	tier    engine.UserTier
	policy  runPolicy
	attempt int
	logger  *zap.Logger
	trail   *trail
}

// Run executes UNDERSTAND, RETRIEVE, PLAN, WRITE and CHECK for one request,
// repairing the draft until it passes, becomes unrepairable, or the repair
// bound is hit. It returns either a response or a *engine.Failure.
func (o *Orchestrator) Run(ctx context.Context, req *engine.EngineRequest, tier engine.UserTier) (*engine.EngineResponse, error) {
	if req == nil {
		o.metrics.observeRun(string(engine.KindInvalidRequest))
		return nil, engine.NewFailure(engine.KindInvalidRequest, "request is required", engine.ErrInvalidRequest)
	}
	if !tier.Valid() {
		o.metrics.observeRun(string(engine.KindInvalidTier))
		return nil, engine.NewFailure(engine.KindInvalidTier,
			fmt.Sprintf("unknown tier %q", string(tier)), engine.ErrInvalidTier)
	}

	r := &run{
		id:     uuid.NewString(),
		req:    req,
		tier:   tier,
		policy: o.config.policyFor(tier, req),
	}
	r.logger = o.logger.With(zap.String("run_id", r.id), zap.String("tier", tier.Value()))
	r.trail = newTrail(r.id, tier)

	ctx, span := o.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("run_id", r.id),
		attribute.String("tier", tier.Value()),
	))
	defer span.End()

	r.logger.Info("run started",
		zap.Int("repair_bound", r.policy.RepairBound),
		zap.Duration("stage_timeout", r.policy.StageTimeout),
	)

	resp, err := o.execute(ctx, r)
	if err != nil {
		var failure *engine.Failure
		if errors.As(err, &failure) {
			failure.Debug = r.trail.snapshot()
			o.metrics.observeRun(string(failure.Kind))
			r.logger.Warn("run failed",
				zap.String("kind", string(failure.Kind)),
				zap.Int("attempts", len(r.trail.attempts)),
				zap.Error(failure.Err),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if r.policy.Verbose {
		resp.Debug = r.trail.snapshot()
	}
	o.metrics.observeRun("accepted")
	r.logger.Info("run accepted", zap.Int("attempts", len(r.trail.attempts)))
	return resp, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*engine.EngineResponse, error) {
	// Step 1: UNDERSTAND
	understanding, err := runStage(ctx, o, r, StageUnderstand, r.policy.StageTimeout,
		func(ctx context.Context) (engine.QueryUnderstandingResult, error) {
			return o.stages.Understanding.Understand(ctx, r.req, r.tier)
		})
	if err != nil {
		return nil, o.stageFailure(ctx, r, StageUnderstand, engine.KindUnderstandingFailed, err)
	}
	r.trail.set(DebugUnderstanding, understanding)

	// Step 2: RETRIEVE, degrading to no memories on failure
	memories, err := runStage(ctx, o, r, StageRetrieve, r.policy.StageTimeout,
		func(ctx context.Context) ([]engine.RetrievedMemory, error) {
			return o.stages.Retriever.Retrieve(ctx, understanding, r.req, r.tier)
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx, StageRetrieve)
		}
		r.trail.recordFailure(StageRetrieve, engine.KindRetrievalUnavailable, r.attempt, err)
		r.logger.Warn("retrieval unavailable, continuing without memories",
			zap.String("stage", string(StageRetrieve)),
			zap.Error(err),
		)
		memories = nil
	}
	if memories == nil {
		memories = []engine.RetrievedMemory{}
	}
	r.trail.set(DebugRetrieval, memories)

	// Step 3: PLAN
	plan, err := runStage(ctx, o, r, StagePlan, r.policy.StageTimeout,
		func(ctx context.Context) (engine.Plan, error) {
			return o.stages.Director.Plan(ctx, r.req, understanding, memories, r.tier)
		})
	if err != nil {
		return nil, o.stageFailure(ctx, r, StagePlan, engine.KindPlanningFailed, err)
	}
	if plan == nil {
		plan = engine.Plan{}
	}
	r.trail.set(DebugPlan, plan)

	// Step 4: WRITE and CHECK, repairing until accepted or rejected
	var feedback []engine.Violation
	for r.attempt = 0; ; r.attempt++ {
		writerPlan := repairPlan(plan, feedback, r.attempt)

		draft, err := runStage(ctx, o, r, StageWrite, r.policy.StageTimeout,
			func(ctx context.Context) (string, error) {
				return o.stages.Writer.Write(ctx, r.req, understanding, memories, writerPlan, r.tier)
			})
		if err != nil {
			return nil, o.stageFailure(ctx, r, StageWrite, engine.KindWritingFailed, err)
		}

		low, high, err := o.check(ctx, r, draft, understanding, plan)
		if err != nil {
			return nil, err
		}
		report := Aggregate(low, high)
		r.trail.recordAttempt(Attempt{
			Number:     r.attempt,
			DraftChars: len([]rune(draft)),
			Low:        low,
			High:       high,
			Aggregate:  report,
		})

		if report.Pass {
			return &engine.EngineResponse{Content: draft}, nil
		}

		r.logger.Info("draft failed consistency checks",
			zap.Int("attempt", r.attempt),
			zap.Int("violations", len(report.Violations)),
			zap.Bool("repairable", report.Repairable),
		)

		if !report.Repairable {
			return nil, engine.NewFailure(engine.KindConsistencyUnresolved,
				"draft has unrepairable violations", engine.ErrConsistencyUnresolved)
		}
		if r.attempt >= r.policy.RepairBound {
			return nil, engine.NewFailure(engine.KindConsistencyUnresolved,
				fmt.Sprintf("draft still failing after %d repair attempts", r.attempt),
				engine.ErrConsistencyUnresolved)
		}
		if ctx.Err() != nil {
			return nil, cancelled(ctx, StageWrite)
		}

		feedback = append(feedback, report.Violations...)
		o.metrics.observeRepair()
	}
}

// stageFailure converts a fatal stage error into a Failure, preferring
// Cancelled when the caller's context is done.
func (o *Orchestrator) stageFailure(ctx context.Context, r *run, stage Stage, kind engine.FailureKind, err error) error {
	if ctx.Err() != nil {
		return cancelled(ctx, stage)
	}
	r.trail.recordFailure(stage, kind, r.attempt, err)
	r.logger.Error("stage failed",
		zap.String("stage", string(stage)),
		zap.String("kind", string(kind)),
		zap.Int("attempt", r.attempt),
		zap.Error(err),
	)
	msg := fmt.Sprintf("%s stage failed", stage)
	if isTimeout(err) {
		msg = fmt.Sprintf("%s stage timed out", stage)
	}
	return engine.NewFailure(kind, msg, err)
}

func cancelled(ctx context.Context, stage Stage) error {
	return engine.NewFailure(engine.KindCancelled,
		fmt.Sprintf("run cancelled during %s", stage), ctx.Err())
}

// repairPlan returns the plan handed to the writer for the given attempt.
// The first attempt gets the director's plan untouched; repairs get a copy
// carrying the accumulated violations under engine.PlanRepairFeedback.
func repairPlan(plan engine.Plan, feedback []engine.Violation, attempt int) engine.Plan {
	if attempt == 0 {
		return plan
	}
	p := plan.Clone()
	p[engine.PlanRepairFeedback] = append([]engine.Violation(nil), feedback...)
	p[engine.PlanRepairAttempt] = attempt
	return p
}
