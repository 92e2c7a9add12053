package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/tracing"
)

// executor wraps each stage call with timing, tracing and progress notification.
// One executor serves exactly one run and is not safe for concurrent use.
type executor struct {
	logger   *zap.Logger
	progress ProgressFunc
	stats    *Stats
	trace    []StageTrace
}

func newExecutor(logger *zap.Logger, stats *Stats, progress ProgressFunc) *executor {
	return &executor{logger: logger, stats: stats, progress: progress}
}

func (x *executor) notify(p Progress) {
	if x.progress != nil {
		x.progress(p)
	}
}

// traces returns a copy of the traces recorded so far.
func (x *executor) traces() []StageTrace {
	out := make([]StageTrace, len(x.trace))
	copy(out, x.trace)
	return out
}

// runStage executes fn as stage name. A failure is recorded in the trace and returned
// unchanged for the orchestrator to classify. A stage that returns neither output nor
// error is treated as failed. No stage starts once ctx is done.
func runStage[T StageResult](ctx context.Context, x *executor, name StageName, input string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	x.notify(Progress{Stage: name, Status: StatusStarted})

	ctx, span := tracing.StartSpan(ctx, "stage."+string(name))
	defer span.End()

	start := time.Now()
	out, err := fn(ctx)
	elapsed := time.Since(start)
	x.stats.record(name)

	if err == nil && errors.Is(ctx.Err(), context.Canceled) {
		err = ctx.Err()
	}
	if err == nil && any(out) == any(zero) {
		err = fmt.Errorf("stage %s returned no output", name)
	}

	tr := StageTrace{
		StageName:    name,
		InputSummary: input,
		DurationMs:   elapsed.Milliseconds(),
	}
	if err != nil {
		tr.Error = err.Error()
		x.trace = append(x.trace, tr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) {
			metrics.RecordStage(string(name), "cancelled", elapsed.Seconds())
			x.logger.Debug("Stage cancelled", zap.String("stage", string(name)))
			return zero, err
		}
		metrics.RecordStage(string(name), "failed", elapsed.Seconds())
		x.logger.Warn("Stage failed",
			zap.String("stage", string(name)),
			zap.Int64("duration_ms", tr.DurationMs),
			zap.Error(err),
		)
		failed := tr
		x.notify(Progress{Stage: name, Status: StatusFailed, Trace: &failed})
		return zero, err
	}

	tr.Success = true
	tr.OutputSummary, tr.Metadata = summarize(out)
	x.trace = append(x.trace, tr)
	span.SetAttributes(attribute.Int64("stage.duration_ms", tr.DurationMs))
	metrics.RecordStage(string(name), "ok", elapsed.Seconds())
	x.logger.Debug("Stage completed",
		zap.String("stage", string(name)),
		zap.Int64("duration_ms", tr.DurationMs),
		zap.String("output", tr.OutputSummary),
	)
	done := tr
	x.notify(Progress{Stage: name, Status: StatusCompleted, Trace: &done})
	return out, nil
}
