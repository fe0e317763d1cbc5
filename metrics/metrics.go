// Package metrics records stage and RPC client measurements through
// OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Call outcomes. Exactly one is recorded per request.
const (
	OutcomeResponse  = "response"
	OutcomeException = "exception"
	OutcomeTransport = "transport"
	OutcomeTimeout   = "timeout"
)

// Recorder receives runtime measurements. Use New for OpenTelemetry or Noop
// when disabled.
type Recorder interface {
	// StageEvent records one handled event with its queueing delay and
	// processing time.
	StageEvent(ctx context.Context, stage string, queueDelay, processing time.Duration)
	StageRejected(ctx context.Context, stage string)
	CallCompleted(ctx context.Context, addr, outcome string, d time.Duration)
	Reconnect(ctx context.Context, addr string)
	ProtocolError(ctx context.Context, addr string)
}

type otelRecorder struct {
	stageEvents    metric.Int64Counter
	stageDelay     metric.Float64Histogram
	stageLatency   metric.Float64Histogram
	stageRejected  metric.Int64Counter
	calls          metric.Int64Counter
	callLatency    metric.Float64Histogram
	reconnects     metric.Int64Counter
	protocolErrors metric.Int64Counter
}

// New builds a Recorder on provider, or on the global provider if nil. If
// any instrument cannot be created the error is returned with a Noop
// recorder.
func New(provider metric.MeterProvider) (Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("github.com/xtreemfs/xtreemfs-sub001")

	var (
		r   otelRecorder
		err error
	)
	if r.stageEvents, err = meter.Int64Counter("xtreemfs.stage.events",
		metric.WithDescription("Events handled by stage workers"),
	); err != nil {
		return Noop{}, err
	}
	if r.stageDelay, err = meter.Float64Histogram("xtreemfs.stage.queue_delay_ms",
		metric.WithDescription("Time events spend queued before a worker picks them up"),
		metric.WithUnit("ms"),
	); err != nil {
		return Noop{}, err
	}
	if r.stageLatency, err = meter.Float64Histogram("xtreemfs.stage.processing_ms",
		metric.WithDescription("Handler processing time"),
		metric.WithUnit("ms"),
	); err != nil {
		return Noop{}, err
	}
	if r.stageRejected, err = meter.Int64Counter("xtreemfs.stage.rejected",
		metric.WithDescription("Events refused because the stage queue was full"),
	); err != nil {
		return Noop{}, err
	}
	if r.calls, err = meter.Int64Counter("xtreemfs.rpc.calls",
		metric.WithDescription("Completed RPC calls by outcome"),
	); err != nil {
		return Noop{}, err
	}
	if r.callLatency, err = meter.Float64Histogram("xtreemfs.rpc.latency_ms",
		metric.WithDescription("RPC call latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return Noop{}, err
	}
	if r.reconnects, err = meter.Int64Counter("xtreemfs.rpc.reconnects",
		metric.WithDescription("Connection attempts beyond the first for a call"),
	); err != nil {
		return Noop{}, err
	}
	if r.protocolErrors, err = meter.Int64Counter("xtreemfs.rpc.protocol_errors",
		metric.WithDescription("Connections closed for protocol violations"),
	); err != nil {
		return Noop{}, err
	}
	return &r, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (r *otelRecorder) StageEvent(ctx context.Context, stage string, queueDelay, processing time.Duration) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	r.stageEvents.Add(ctx, 1, attrs)
	r.stageDelay.Record(ctx, ms(queueDelay), attrs)
	r.stageLatency.Record(ctx, ms(processing), attrs)
}

func (r *otelRecorder) StageRejected(ctx context.Context, stage string) {
	r.stageRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (r *otelRecorder) CallCompleted(ctx context.Context, addr, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("addr", addr), attribute.String("outcome", outcome))
	r.calls.Add(ctx, 1, attrs)
	r.callLatency.Record(ctx, ms(d), attrs)
}

func (r *otelRecorder) Reconnect(ctx context.Context, addr string) {
	r.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("addr", addr)))
}

func (r *otelRecorder) ProtocolError(ctx context.Context, addr string) {
	r.protocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("addr", addr)))
}

// Noop discards all measurements.
type Noop struct{}

func (Noop) StageEvent(context.Context, string, time.Duration, time.Duration) {}

func (Noop) StageRejected(context.Context, string) {}

func (Noop) CallCompleted(context.Context, string, string, time.Duration) {}

func (Noop) Reconnect(context.Context, string) {}

func (Noop) ProtocolError(context.Context, string) {}
