package adapter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/surfaceq/api"
	"github.com/srediag/surfaceq/pkg/bufferqueue"
	"github.com/srediag/surfaceq/pkg/fence"
)

// InstrumentedConsumer decorates acquire/release with OpenTelemetry
// spans and counters. The wrapped consumer stays usable directly for
// operations that don't need instrumentation.
type InstrumentedConsumer struct {
	*bufferqueue.Consumer

	tracer trace.Tracer
	attrs  []attribute.KeyValue

	acquires  metric.Int64Counter
	releases  metric.Int64Counter
	deferrals metric.Int64Counter
}

// Instrument wraps consumer. meter and tracer may be no-op providers.
func Instrument(surface string, consumer *bufferqueue.Consumer, meter metric.Meter, tracer trace.Tracer) (*InstrumentedConsumer, error) {
	acquires, err := meter.Int64Counter("surfaceq.acquires",
		metric.WithDescription("Buffers acquired by the consumer."))
	if err != nil {
		return nil, err
	}
	releases, err := meter.Int64Counter("surfaceq.releases",
		metric.WithDescription("Buffers released back to the producer."))
	if err != nil {
		return nil, err
	}
	deferrals, err := meter.Int64Counter("surfaceq.present_later",
		metric.WithDescription("Acquires deferred on timing grounds."))
	if err != nil {
		return nil, err
	}
	return &InstrumentedConsumer{
		Consumer:  consumer,
		tracer:    tracer,
		attrs:     []attribute.KeyValue{attribute.String("surface", surface)},
		acquires:  acquires,
		releases:  releases,
		deferrals: deferrals,
	}, nil
}

// AcquireCtx runs Acquire under a span and counts the outcome.
func (c *InstrumentedConsumer) AcquireCtx(ctx context.Context, expectedPresent int64, maxFrameNumber uint64) (api.BufferItem, error) {
	ctx, span := c.tracer.Start(ctx, "surfaceq.Acquire")
	defer span.End()

	item, err := c.Consumer.Acquire(expectedPresent, maxFrameNumber)
	switch err {
	case nil:
		c.acquires.Add(ctx, 1, metric.WithAttributes(c.attrs...))
	case api.ErrPresentLater:
		c.deferrals.Add(ctx, 1, metric.WithAttributes(c.attrs...))
	}
	if err != nil {
		span.RecordError(err)
	}
	return item, err
}

// ReleaseCtx runs Release under a span and counts successes.
func (c *InstrumentedConsumer) ReleaseCtx(ctx context.Context, slot int, frameNumber uint64, releaseFence fence.Fence, egl bufferqueue.EGLState) error {
	ctx, span := c.tracer.Start(ctx, "surfaceq.Release")
	defer span.End()

	err := c.Consumer.Release(slot, frameNumber, releaseFence, egl)
	if err == nil {
		c.releases.Add(ctx, 1, metric.WithAttributes(c.attrs...))
	} else {
		span.RecordError(err)
	}
	return err
}
