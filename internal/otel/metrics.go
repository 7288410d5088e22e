package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all dechub metric instruments.
type Metrics struct {
	Connections      metric.Int64UpDownCounter
	Broadcasts       metric.Int64Counter
	ActivityUpdates  metric.Int64Counter
	DispatchErrors   metric.Int64Counter
	WatcherFallbacks metric.Int64Counter
	SendFailures     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Connections, err = meter.Int64UpDownCounter("dechub.ws.connections",
		metric.WithDescription("Currently open dashboard sockets"),
	)
	if err != nil {
		return nil, err
	}

	m.Broadcasts, err = meter.Int64Counter("dechub.broadcasts",
		metric.WithDescription("Messages fanned out to dashboard sockets"),
	)
	if err != nil {
		return nil, err
	}

	m.ActivityUpdates, err = meter.Int64Counter("dechub.activity.updates",
		metric.WithDescription("Agent activity transitions recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("dechub.dispatch.errors",
		metric.WithDescription("Frames dropped for malformed or unknown content"),
	)
	if err != nil {
		return nil, err
	}

	m.WatcherFallbacks, err = meter.Int64Counter("dechub.watcher.fallbacks",
		metric.WithDescription("Decision-file watcher degradations to polling"),
	)
	if err != nil {
		return nil, err
	}

	m.SendFailures, err = meter.Int64Counter("dechub.ws.send_failures",
		metric.WithDescription("Broadcast sends that failed on one socket"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
