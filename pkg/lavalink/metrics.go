package lavalink

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all lavafleet metrics.
const meterName = "github.com/MrWong99/lavafleet"

// metrics holds the OpenTelemetry instruments the library records into. The
// underlying OTel types handle their own synchronisation. When the manager is
// built without a meter provider the global provider is used, which is a
// no-op unless the host application installed one.
type metrics struct {
	// restDuration tracks REST request latency per node.
	restDuration metric.Float64Histogram

	// restRequests counts REST calls. Attributes: node, method, status.
	restRequests metric.Int64Counter

	// nodeReconnects counts WebSocket reconnect attempts per node.
	nodeReconnects metric.Int64Counter

	// nodePenalty records the latest penalty score per node.
	nodePenalty metric.Float64Gauge

	// activePlayers tracks the number of live players.
	activePlayers metric.Int64UpDownCounter

	// tracksStarted counts TrackStartEvents. Attribute: node.
	tracksStarted metric.Int64Counter
}

// restLatencyBuckets are histogram boundaries (seconds) sized for LAN/WAN
// REST round-trips including the retry budget.
var restLatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15,
}

// newMetrics creates the instrument set from the given provider.
func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(meterName)
	m := &metrics{}
	var err error

	if m.restDuration, err = meter.Float64Histogram("lavafleet.rest.duration",
		metric.WithDescription("Latency of node REST requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(restLatencyBuckets...),
	); err != nil {
		return nil, fmt.Errorf("lavalink: create rest.duration: %w", err)
	}
	if m.restRequests, err = meter.Int64Counter("lavafleet.rest.requests",
		metric.WithDescription("Number of node REST requests."),
	); err != nil {
		return nil, fmt.Errorf("lavalink: create rest.requests: %w", err)
	}
	if m.nodeReconnects, err = meter.Int64Counter("lavafleet.node.reconnects",
		metric.WithDescription("Number of node WebSocket reconnect attempts."),
	); err != nil {
		return nil, fmt.Errorf("lavalink: create node.reconnects: %w", err)
	}
	if m.nodePenalty, err = meter.Float64Gauge("lavafleet.node.penalty",
		metric.WithDescription("Latest penalty score per node; lower is better."),
	); err != nil {
		return nil, fmt.Errorf("lavalink: create node.penalty: %w", err)
	}
	if m.activePlayers, err = meter.Int64UpDownCounter("lavafleet.players.active",
		metric.WithDescription("Number of live players."),
	); err != nil {
		return nil, fmt.Errorf("lavalink: create players.active: %w", err)
	}
	if m.tracksStarted, err = meter.Int64Counter("lavafleet.tracks.started",
		metric.WithDescription("Number of tracks started."),
	); err != nil {
		return nil, fmt.Errorf("lavalink: create tracks.started: %w", err)
	}
	return m, nil
}

func (m *metrics) recordREST(node, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("method", method),
		attribute.Int("status", status),
	)
	ctx := context.Background()
	m.restRequests.Add(ctx, 1, attrs)
	m.restDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *metrics) recordReconnect(node string) {
	if m == nil {
		return
	}
	m.nodeReconnects.Add(context.Background(), 1, metric.WithAttributes(attribute.String("node", node)))
}

func (m *metrics) recordPenalty(node string, penalty float64) {
	if m == nil {
		return
	}
	m.nodePenalty.Record(context.Background(), penalty, metric.WithAttributes(attribute.String("node", node)))
}

func (m *metrics) playerDelta(delta int64) {
	if m == nil {
		return
	}
	m.activePlayers.Add(context.Background(), delta)
}

func (m *metrics) recordTrackStart(node string) {
	if m == nil {
		return
	}
	m.tracksStarted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("node", node)))
}
