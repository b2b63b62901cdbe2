package observability

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/upb/audit-relay"

// MetricsConfig selects how metrics are collected
type MetricsConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// ErrNoMetricsEndpoint is returned when metrics are enabled with nowhere to export them
var ErrNoMetricsEndpoint = errors.New("metrics enabled without an OTLP endpoint")

// PendingFunc reports ledger backlog for the pending gauge
type PendingFunc func(ctx context.Context) (pending int64, oldest *time.Time, err error)

// Metrics holds the pipeline instruments
type Metrics struct {
	meter    metric.Meter
	shutdown func(context.Context) error

	eventsFetched  metric.Int64Counter
	eventsInserted metric.Int64Counter
	eventsRelayed  metric.Int64Counter
	eventsDropped  metric.Int64Counter
	sinkFailures   metric.Int64Counter
	pollFailures   metric.Int64Counter
	sendDuration   metric.Float64Histogram
}

// NewMetrics creates the instruments. Disabled metrics use a no-op meter;
// enabled metrics require an OTLP endpoint.
func NewMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return NewNoopMetrics(), nil
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, ErrNoMetricsEndpoint
	}
	target, insecure, err := grpcTarget(endpoint)
	if err != nil {
		return nil, err
	}
	exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
	if insecure || cfg.Insecure {
		exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	m, err := newMetrics(provider.Meter(meterName))
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	m.shutdown = provider.Shutdown
	return m, nil
}

// NewMetricsWithReader records into the given reader. Used by tests.
func NewMetricsWithReader(reader sdkmetric.Reader) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}
	m.shutdown = provider.Shutdown
	return m, nil
}

// NewNoopMetrics returns instruments that record nothing
func NewNoopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		meter:    meter,
		shutdown: func(context.Context) error { return nil },
	}

	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m.eventsFetched = counter("audit_relay.poll.events_fetched", "Upstream events returned by polls")
	m.eventsInserted = counter("audit_relay.poll.events_inserted", "New ledger rows written by polls")
	m.pollFailures = counter("audit_relay.poll.failures", "Poll ticks ended by a classified failure")
	m.eventsRelayed = counter("audit_relay.relay.events_relayed", "Events delivered to the sink")
	m.eventsDropped = counter("audit_relay.relay.events_dropped", "Events acknowledged without relay")
	m.sinkFailures = counter("audit_relay.relay.sink_failures", "Failed sink deliveries")

	hist, err := meter.Float64Histogram("audit_relay.relay.send_duration",
		metric.WithDescription("Sink send latency"),
		metric.WithUnit("s"))
	errs = append(errs, err)
	m.sendDuration = hist

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return m, nil
}

// RegisterPendingGauge exposes the ledger backlog as observable gauges
func (m *Metrics) RegisterPendingGauge(fn PendingFunc) error {
	pending, err := m.meter.Int64ObservableGauge("audit_relay.ledger.pending",
		metric.WithDescription("Unposted ledger rows"))
	if err != nil {
		return err
	}
	age, err := m.meter.Float64ObservableGauge("audit_relay.ledger.oldest_pending_age",
		metric.WithDescription("Age of the oldest unposted row"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		count, oldest, err := fn(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(pending, count)
		if oldest != nil {
			o.ObserveFloat64(age, time.Since(*oldest).Seconds())
		} else {
			o.ObserveFloat64(age, 0)
		}
		return nil
	}, pending, age)
	return err
}

// RecordPoll counts one successful poll
func (m *Metrics) RecordPoll(ctx context.Context, groupID string, fetched, inserted int) {
	attrs := metric.WithAttributes(attribute.String("group_id", groupID))
	m.eventsFetched.Add(ctx, int64(fetched), attrs)
	m.eventsInserted.Add(ctx, int64(inserted), attrs)
}

// RecordPollFailure counts a poll ended by reason (auth_expired, rate_limit, cooldown, error)
func (m *Metrics) RecordPollFailure(ctx context.Context, reason string) {
	m.pollFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRelayed counts a delivered event
func (m *Metrics) RecordRelayed(ctx context.Context, kind string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.eventsRelayed.Add(ctx, 1, attrs)
	m.sendDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordDropped counts an event acknowledged without relay
func (m *Metrics) RecordDropped(ctx context.Context, eventType string) {
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordSinkFailure counts a failed delivery
func (m *Metrics) RecordSinkFailure(ctx context.Context, kind string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.sinkFailures.Add(ctx, 1, attrs)
	m.sendDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// Shutdown flushes and stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.shutdown(ctx)
}

// grpcTarget reduces an endpoint URL to host:port
func grpcTarget(endpoint string) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}
