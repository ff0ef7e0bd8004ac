// Package metrics exposes gateway activity as Prometheus collectors, fed
// entirely from the event bus rather than sampled from internal state
// directly, so the metrics surface stays decoupled from the registry,
// forwarder, and inspector internals.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reverseproxy/tunnelgw/internal/eventbus"
	"github.com/reverseproxy/tunnelgw/internal/gateway"
	"github.com/reverseproxy/tunnelgw/internal/inspector"
)

// Collector registers and updates the gateway's Prometheus metrics against
// a private registry (never the global default one, so multiple gateway
// instances in one process don't collide).
type Collector struct {
	bus      *eventbus.Bus
	registry *prometheus.Registry

	tunnelsCreated   prometheus.Counter
	tunnelsClosed    prometheus.Counter
	tunnelsActive    prometheus.Gauge
	requestsTotal    *prometheus.CounterVec
	requestDuration  prometheus.Histogram
	throughput       prometheus.Gauge
	errorRate        prometheus.Gauge
}

// New creates a Collector with all metrics registered against a fresh
// private registry.
func New(bus *eventbus.Bus) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		bus:      bus,
		registry: reg,
		tunnelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnelgw_tunnels_created_total",
			Help: "Total number of tunnels registered.",
		}),
		tunnelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnelgw_tunnels_closed_total",
			Help: "Total number of tunnels closed.",
		}),
		tunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelgw_tunnels_active",
			Help: "Number of tunnels currently registered.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnelgw_requests_total",
			Help: "Total number of forwarded requests, by status class.",
		}, []string{"status_class"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunnelgw_request_duration_seconds",
			Help:    "Forwarded request round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelgw_throughput_requests_per_second",
			Help: "Derived request throughput over the inspector's 60s window.",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelgw_error_rate_percent",
			Help: "Derived percentage of 4xx/5xx responses among all responses the inspector has recorded.",
		}),
	}
	reg.MustRegister(
		c.tunnelsCreated,
		c.tunnelsClosed,
		c.tunnelsActive,
		c.requestsTotal,
		c.requestDuration,
		c.throughput,
		c.errorRate,
	)
	return c
}

// Run consumes lifecycle, traffic, and metrics-snapshot events until ctx is
// cancelled, updating the registered collectors.
func (c *Collector) Run(ctx context.Context) {
	createdSub := c.bus.Subscribe(eventbus.TopicTunnelCreated)
	closedSub := c.bus.Subscribe(eventbus.TopicTunnelClosed)
	respSub := c.bus.Subscribe(eventbus.TopicTrafficResponse)
	snapshotSub := c.bus.Subscribe(eventbus.TopicMetricsUpdate)
	defer createdSub.Unsubscribe()
	defer closedSub.Unsubscribe()
	defer respSub.Unsubscribe()
	defer snapshotSub.Unsubscribe()

	active := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-createdSub.Events():
			if _, ok := ev.(gateway.TunnelCreatedEvent); ok {
				c.tunnelsCreated.Inc()
				active++
				c.tunnelsActive.Set(float64(active))
			}
		case ev := <-closedSub.Events():
			if _, ok := ev.(gateway.TunnelClosedEvent); ok {
				c.tunnelsClosed.Inc()
				active--
				if active < 0 {
					active = 0
				}
				c.tunnelsActive.Set(float64(active))
			}
		case ev := <-respSub.Events():
			if re, ok := ev.(inspector.ResponseEvent); ok {
				c.requestsTotal.WithLabelValues(statusClass(re.Snapshot.StatusCode)).Inc()
				c.requestDuration.Observe(float64(re.Snapshot.ResponseTimeMs) / 1000)
			}
		case ev := <-snapshotSub.Events():
			if snap, ok := ev.(inspector.Snapshot); ok {
				c.throughput.Set(snap.Throughput)
				c.errorRate.Set(snap.ErrorRate)
			}
		}
	}
}

// Handler returns an http.Handler serving the Prometheus text exposition
// format for this collector's private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
