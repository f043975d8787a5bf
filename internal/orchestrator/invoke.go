package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Stage names a step of the pipeline in logs, metrics and the debug trail.
type Stage string

const (
	StageUnderstand Stage = "understand"
	StageRetrieve   Stage = "retrieve"
	StagePlan       Stage = "plan"
	StageWrite      Stage = "write"
	StageCheckLow   Stage = "check_low"
	StageCheckHigh  Stage = "check_high"
)

var errStageTimeout = errors.New("stage timed out")

// isTimeout reports whether a stage error came from its own deadline.
func isTimeout(err error) bool {
	return errors.Is(err, errStageTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// invoke runs fn under its own timeout. The call is abandoned when the
// deadline passes or ctx is cancelled, even if fn ignores its context; the
// buffered channel lets a late fn finish without blocking.
func invoke[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(stageCtx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-stageCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s: %w", errStageTimeout, timeout, stageCtx.Err())
	}
}

// runStage wraps invoke with a span, stage metrics and debug logging.
func runStage[T any](ctx context.Context, o *Orchestrator, r *run, stage Stage, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := o.tracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("run_id", r.id),
		attribute.Int("attempt", r.attempt),
	))
	defer span.End()

	start := time.Now()
	r.logger.Debug("stage started", zap.String("stage", string(stage)), zap.Int("attempt", r.attempt))

	v, err := invoke(ctx, timeout, fn)
	elapsed := time.Since(start)
	o.metrics.observeStage(stage, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return v, err
	}
	r.logger.Debug("stage finished",
		zap.String("stage", string(stage)),
		zap.Int("attempt", r.attempt),
		zap.Duration("elapsed", elapsed),
	)
	return v, nil
}
