package observer

import (
	"context"
	"time"

	"github.com/nevindra/agentd"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// TurnRunner is the runner surface the observer instruments.
// *agentd.Runner satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, userID, threadID, text string) (<-chan agentd.StreamEvent, error)
	Chat(ctx context.Context, userID, threadID, text string) (agentd.TurnResult, error)
	Stop(threadID string) bool
}

// ObservedRunner wraps a TurnRunner to record per-turn metrics. The turn
// span itself comes from the runner's tracer; this wrapper watches the
// event stream for the terminal event and records outcome and duration.
type ObservedRunner struct {
	inner TurnRunner
	inst  *Instruments
}

// WrapRunner returns an instrumented runner.
func WrapRunner(inner TurnRunner, inst *Instruments) *ObservedRunner {
	return &ObservedRunner{inner: inner, inst: inst}
}

func (o *ObservedRunner) RunTurn(ctx context.Context, userID, threadID, text string) (<-chan agentd.StreamEvent, error) {
	start := time.Now()
	ch, err := o.inner.RunTurn(ctx, userID, threadID, text)
	if err != nil {
		o.record(ctx, threadID, statusOf(err), time.Since(start))
		return nil, err
	}

	out := make(chan agentd.StreamEvent, cap(ch))
	go func() {
		defer close(out)
		status := "done"
		for ev := range ch {
			switch ev.Type {
			case agentd.EventStopped:
				status = "stopped"
			case agentd.EventError:
				status = string(ev.Kind)
			}
			out <- ev
		}
		o.record(context.WithoutCancel(ctx), threadID, status, time.Since(start))
	}()
	return out, nil
}

func (o *ObservedRunner) Chat(ctx context.Context, userID, threadID, text string) (agentd.TurnResult, error) {
	start := time.Now()
	res, err := o.inner.Chat(ctx, userID, threadID, text)
	status := "done"
	switch {
	case err != nil:
		status = statusOf(err)
	case res.Stopped:
		status = "stopped"
	}
	o.record(context.WithoutCancel(ctx), threadID, status, time.Since(start))
	return res, err
}

func (o *ObservedRunner) Stop(threadID string) bool {
	return o.inner.Stop(threadID)
}

func (o *ObservedRunner) record(ctx context.Context, threadID, status string, d time.Duration) {
	durationMs := float64(d.Milliseconds())
	o.inst.TurnExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	o.inst.TurnDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("status", status),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("turn completed"))
	rec.AddAttributes(
		otellog.String("thread.id", threadID),
		otellog.String("turn.status", status),
		otellog.Float64("turn.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

func statusOf(err error) string {
	return string(agentd.KindOf(err))
}
