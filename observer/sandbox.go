package observer

import (
	"context"
	"time"

	"github.com/nevindra/agentd/sandbox"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Execer matches the sandbox exec surface consumed by the shell tool.
type Execer interface {
	Exec(ctx context.Context, userID, command string, timeout time.Duration) (sandbox.ExecResult, error)
}

// ObservedExecer wraps sandbox execution with a duration histogram.
// Spans come from the sandbox's own tracer.
type ObservedExecer struct {
	inner Execer
	inst  *Instruments
}

// WrapExecer returns an instrumented execer.
func WrapExecer(inner Execer, inst *Instruments) *ObservedExecer {
	return &ObservedExecer{inner: inner, inst: inst}
}

func (o *ObservedExecer) Exec(ctx context.Context, userID, command string, timeout time.Duration) (sandbox.ExecResult, error) {
	start := time.Now()
	res, err := o.inner.Exec(ctx, userID, command, timeout)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case res.TimedOut:
		status = "timeout"
	case res.ExitCode != 0:
		status = "nonzero_exit"
	}
	o.inst.SandboxExecDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("status", status),
	))
	return res, err
}
