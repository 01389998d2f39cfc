package instrument

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/getlantern/proxy/v3/filters"

	"github.com/getlantern/bandwidth-limiter-proxy/shaping"
)

// Instrument is the common interface about what can be instrumented.
type Instrument interface {
	WrapFilter(prefix string, f filters.Filter) filters.Filter
	Released(label string, n int)
	RelayFinished(stats shaping.Stats)
	ConnectionOpened()
	ConnectionClosed()
	TunnelOpened()
	TunnelClosed()
	UpstreamFailed(statusCode int)
	SettingsChanged()
}

// NoInstrument is an implementation of Instrument which does nothing
type NoInstrument struct {
}

func (i NoInstrument) WrapFilter(prefix string, f filters.Filter) filters.Filter { return f }
func (i NoInstrument) Released(label string, n int)                              {}
func (i NoInstrument) RelayFinished(stats shaping.Stats)                         {}
func (i NoInstrument) ConnectionOpened()                                         {}
func (i NoInstrument) ConnectionClosed()                                         {}
func (i NoInstrument) TunnelOpened()                                             {}
func (i NoInstrument) TunnelClosed()                                             {}
func (i NoInstrument) UpstreamFailed(statusCode int)                             {}
func (i NoInstrument) SettingsChanged()                                          {}

type instrumentedFilter struct {
	requests prometheus.Counter
	errors   prometheus.Counter
	duration prometheus.Observer
	filters.Filter
}

func (f *instrumentedFilter) Apply(cs *filters.ConnectionState, req *http.Request, next filters.Next) (*http.Response, *filters.ConnectionState, error) {
	start := time.Now()
	res, cs, err := f.Filter.Apply(cs, req, next)
	f.requests.Inc()
	if err != nil {
		f.errors.Inc()
	}
	f.duration.Observe(time.Since(start).Seconds())
	return res, cs, err
}

// PromInstrument is an implementation of Instrument which exports Prometheus
// metrics.
type PromInstrument struct {
	registry *prometheus.Registry
	factory  promauto.Factory
	filters  map[string]*instrumentedFilter

	releasedBytes, relays, upstreamFailures *prometheus.CounterVec
	realizedBandwidth                       *prometheus.HistogramVec
	activeConnections, activeTunnels        prometheus.Gauge
	settingsChanges                         prometheus.Counter
}

// NewPrometheus creates a PromInstrument with its own registry.
func NewPrometheus() *PromInstrument {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &PromInstrument{
		registry: registry,
		factory:  factory,
		filters:  make(map[string]*instrumentedFilter),
		releasedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_relay_released_bytes_total",
			Help: "Bytes released to sinks after shaping, by relay direction",
		}, []string{"direction"}),
		relays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_relays_total",
			Help: "Finished relays, by direction and whether the stream ended normally",
		}, []string{"direction", "completed"}),
		upstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_upstream_failures_total",
			Help: "Upstream failures reported to clients, by status code",
		}, []string{"status"}),
		realizedBandwidth: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_relay_realized_bandwidth_bps",
			Help:    "Realized bandwidth of finished relays in bits per second",
			Buckets: prometheus.ExponentialBuckets(8000, 2, 12),
		}, []string{"direction"}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_active_connections",
			Help: "Open client connections",
		}),
		activeTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_active_tunnels",
			Help: "Open CONNECT tunnels",
		}),
		settingsChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxy_settings_changes_total",
		}),
	}
}

// Handler serves the collected metrics.
func (p *PromInstrument) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Run runs the PromInstrument exporter on the given address. The
// path is /metrics.
func (p *PromInstrument) Run(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	server := http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return server.ListenAndServe()
}

// WrapFilter wraps a filter to instrument the requests/errors/duration
// (so-called RED) of processed requests.
func (p *PromInstrument) WrapFilter(prefix string, f filters.Filter) filters.Filter {
	wrapped := p.filters[prefix]
	if wrapped == nil {
		wrapped = &instrumentedFilter{
			p.factory.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_requests_total",
			}),
			p.factory.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_request_errors_total",
			}),
			p.factory.NewHistogram(prometheus.HistogramOpts{
				Name:    prefix + "_request_duration_seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 1},
			}),
			f}
		p.filters[prefix] = wrapped
	}
	return wrapped
}

// Released counts bytes written to a sink by the relay with the given label.
func (p *PromInstrument) Released(label string, n int) {
	p.releasedBytes.With(prometheus.Labels{"direction": label}).Add(float64(n))
}

// RelayFinished records the outcome and realized bandwidth of a relay.
func (p *PromInstrument) RelayFinished(stats shaping.Stats) {
	completed := "false"
	if stats.Completed {
		completed = "true"
	}
	p.relays.With(prometheus.Labels{"direction": stats.Label, "completed": completed}).Inc()
	if stats.BandwidthBps > 0 {
		p.realizedBandwidth.With(prometheus.Labels{"direction": stats.Label}).Observe(float64(stats.BandwidthBps))
	}
}

// ConnectionOpened instruments an accepted client connection.
func (p *PromInstrument) ConnectionOpened() {
	p.activeConnections.Inc()
}

// ConnectionClosed instruments the close of a client connection.
func (p *PromInstrument) ConnectionClosed() {
	p.activeConnections.Dec()
}

// TunnelOpened instruments a new CONNECT tunnel.
func (p *PromInstrument) TunnelOpened() {
	p.activeTunnels.Inc()
}

// TunnelClosed instruments the teardown of a CONNECT tunnel.
func (p *PromInstrument) TunnelClosed() {
	p.activeTunnels.Dec()
}

// UpstreamFailed counts upstream errors answered with statusCode.
func (p *PromInstrument) UpstreamFailed(statusCode int) {
	p.upstreamFailures.With(prometheus.Labels{"status": http.StatusText(statusCode)}).Inc()
}

// SettingsChanged counts accepted settings updates.
func (p *PromInstrument) SettingsChanged() {
	p.settingsChanges.Inc()
}
