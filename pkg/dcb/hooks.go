package dcb

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CommandHooks is a sink for command lifecycle events. Implementations
// must be cheap and must not fail; consumers are external.
type CommandHooks interface {
	CommandStarted(ctx context.Context, commandType string)
	CommandSucceeded(ctx context.Context, commandType string, duration time.Duration)
	CommandIdempotent(ctx context.Context, commandType string)
	CommandFailed(ctx context.Context, commandType string, errorClass string)
}

// NopHooks discards all lifecycle events.
type NopHooks struct{}

func (NopHooks) CommandStarted(context.Context, string)                  {}
func (NopHooks) CommandSucceeded(context.Context, string, time.Duration) {}
func (NopHooks) CommandIdempotent(context.Context, string)               {}
func (NopHooks) CommandFailed(context.Context, string, string)           {}

// SlogHooks logs lifecycle events with structured logging.
type SlogHooks struct {
	Logger *slog.Logger
}

func (h SlogHooks) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h SlogHooks) CommandStarted(ctx context.Context, commandType string) {
	h.logger().DebugContext(ctx, "command started", "command_type", commandType)
}

func (h SlogHooks) CommandSucceeded(ctx context.Context, commandType string, duration time.Duration) {
	h.logger().InfoContext(ctx, "command succeeded", "command_type", commandType, "duration_ms", duration.Milliseconds())
}

func (h SlogHooks) CommandIdempotent(ctx context.Context, commandType string) {
	h.logger().InfoContext(ctx, "command idempotent", "command_type", commandType)
}

func (h SlogHooks) CommandFailed(ctx context.Context, commandType string, errorClass string) {
	h.logger().WarnContext(ctx, "command failed", "command_type", commandType, "error_class", errorClass)
}

// OTelHooks publishes lifecycle events as OpenTelemetry metrics.
type OTelHooks struct {
	started    metric.Int64Counter
	succeeded  metric.Int64Counter
	idempotent metric.Int64Counter
	failed     metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewOTelHooks creates hooks reporting through the given meter.
func NewOTelHooks(meter metric.Meter) (*OTelHooks, error) {
	started, err := meter.Int64Counter("dcb.command.started")
	if err != nil {
		return nil, err
	}
	succeeded, err := meter.Int64Counter("dcb.command.succeeded")
	if err != nil {
		return nil, err
	}
	idempotent, err := meter.Int64Counter("dcb.command.idempotent")
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("dcb.command.failed")
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("dcb.command.duration",
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &OTelHooks{
		started:    started,
		succeeded:  succeeded,
		idempotent: idempotent,
		failed:     failed,
		duration:   duration,
	}, nil
}

func (h *OTelHooks) CommandStarted(ctx context.Context, commandType string) {
	h.started.Add(ctx, 1, metric.WithAttributes(attribute.String("command_type", commandType)))
}

func (h *OTelHooks) CommandSucceeded(ctx context.Context, commandType string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("command_type", commandType))
	h.succeeded.Add(ctx, 1, attrs)
	h.duration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (h *OTelHooks) CommandIdempotent(ctx context.Context, commandType string) {
	h.idempotent.Add(ctx, 1, metric.WithAttributes(attribute.String("command_type", commandType)))
}

func (h *OTelHooks) CommandFailed(ctx context.Context, commandType string, errorClass string) {
	h.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command_type", commandType),
		attribute.String("error_class", errorClass),
	))
}
