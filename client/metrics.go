package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type clientMetrics struct {
	acquireCount    metric.Int64Counter
	acquireDuration metric.Int64Histogram
	releaseCount    metric.Int64Counter
	renewCount      metric.Int64Counter
	renewDuration   metric.Int64Histogram
	renewTerminal   metric.Int64Counter
	heldGauge       metric.Int64ObservableGauge
	heldLocks       atomic.Int64
	heldSlots       atomic.Int64
}

func newClientMetrics(logger pslog.Base) *clientMetrics {
	meter := otel.Meter("pkt.systems/consulkit/client")
	m := &clientMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"consul.coordination.acquire",
		metric.WithDescription("Lock and semaphore acquisitions"),
	)
	logMetricInitError(logger, "consul.coordination.acquire", err)

	m.acquireDuration, err = meter.Int64Histogram(
		"consul.coordination.acquire.duration_ms",
		metric.WithDescription("Time spent acquiring a lock or semaphore slot"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "consul.coordination.acquire.duration_ms", err)

	m.releaseCount, err = meter.Int64Counter(
		"consul.coordination.release",
		metric.WithDescription("Lock and semaphore releases"),
	)
	logMetricInitError(logger, "consul.coordination.release", err)

	m.renewCount, err = meter.Int64Counter(
		"consul.session.renew",
		metric.WithDescription("Session renew requests"),
	)
	logMetricInitError(logger, "consul.session.renew", err)

	m.renewDuration, err = meter.Int64Histogram(
		"consul.session.renew.duration_ms",
		metric.WithDescription("Session renew latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "consul.session.renew.duration_ms", err)

	m.renewTerminal, err = meter.Int64Counter(
		"consul.session.renewer.terminal",
		metric.WithDescription("Session renewers reaching a terminal state"),
	)
	logMetricInitError(logger, "consul.session.renewer.terminal", err)

	m.heldGauge, err = meter.Int64ObservableGauge(
		"consul.coordination.held",
		metric.WithDescription("Locks and semaphore slots currently held by this process"),
	)
	logMetricInitError(logger, "consul.coordination.held", err)

	if m.heldGauge != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.heldGauge, m.heldLocks.Load(), metric.WithAttributes(attribute.String("consul.kind", "lock")))
			o.ObserveInt64(m.heldGauge, m.heldSlots.Load(), metric.WithAttributes(attribute.String("consul.kind", "semaphore")))
			return nil
		}, m.heldGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "consul.coordination.held", "error", err)
		}
	}
	return m
}

func logMetricInitError(logger pslog.Base, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func metricResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAcquireTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrSessionExpired):
		return "expired"
	default:
		return "error"
	}
}

func (m *clientMetrics) recordAcquire(ctx context.Context, kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("consul.kind", kind),
		attribute.String("consul.result", metricResultLabel(err)),
	)
	if m.acquireCount != nil {
		m.acquireCount.Add(ctx, 1, attrs)
	}
	if m.acquireDuration != nil {
		m.acquireDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
	if err == nil {
		m.addHeld(kind, 1)
	}
}

func (m *clientMetrics) recordRelease(ctx context.Context, kind string, err error) {
	if m == nil {
		return
	}
	if m.releaseCount != nil {
		m.releaseCount.Add(metricContext(ctx), 1, metric.WithAttributes(
			attribute.String("consul.kind", kind),
			attribute.String("consul.result", metricResultLabel(err)),
		))
	}
	m.addHeld(kind, -1)
}

func (m *clientMetrics) addHeld(kind string, delta int64) {
	if kind == "semaphore" {
		m.heldSlots.Add(delta)
		return
	}
	m.heldLocks.Add(delta)
}

func (m *clientMetrics) recordRenew(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("consul.result", metricResultLabel(err)))
	if m.renewCount != nil {
		m.renewCount.Add(ctx, 1, attrs)
	}
	if m.renewDuration != nil {
		m.renewDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *clientMetrics) recordRenewTerminal(ctx context.Context, state RenewState) {
	if m == nil || m.renewTerminal == nil {
		return
	}
	m.renewTerminal.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("consul.state", state.String())))
}
