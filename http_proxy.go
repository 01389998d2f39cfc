package proxy

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/ops"
	"github.com/getlantern/proxy/v3/filters"

	"github.com/getlantern/bandwidth-limiter-proxy/instrument"
	"github.com/getlantern/bandwidth-limiter-proxy/listeners"
	"github.com/getlantern/bandwidth-limiter-proxy/metrics"
	"github.com/getlantern/bandwidth-limiter-proxy/proxyfilters"
	"github.com/getlantern/bandwidth-limiter-proxy/settings"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultUpstreamTimeout = 60 * time.Second
)

var (
	log = golog.LoggerFor("bandwidth-limiter-proxy")
)

// Proxy is a forward HTTP proxy that makes every connection behave as if it
// crossed a slow, high latency link.
type Proxy struct {
	// HTTPAddr is the address to listen on, e.g. ":8080".
	HTTPAddr string
	// AdvertisedHost is an additional host name under which the settings page
	// is reachable, e.g. the public DNS name of the machine.
	AdvertisedHost string
	// IdleTimeout closes client connections and tunnels that stay idle.
	IdleTimeout     time.Duration
	DialTimeout     time.Duration
	UpstreamTimeout time.Duration
	// TunnelPorts restricts the ports CONNECT tunnels may target. Empty allows
	// any port.
	TunnelPorts []int
	// MaxConns caps simultaneous client connections. Zero means unlimited.
	MaxConns int

	Settings   *settings.Store
	Instrument instrument.Instrument

	throughput *metrics.Throughput
	chain      filters.Chain
	transport  *http.Transport
	listenHost string
	listenPort string
}

// ListenAndServe listens on HTTPAddr, serves and blocks until ctx is done or
// serving fails.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", p.HTTPAddr)
	if err != nil {
		return errors.New("Unable to listen for HTTP at %v: %v", p.HTTPAddr, err)
	}
	return p.Serve(ctx, l)
}

// Serve serves on l and blocks until ctx is done or serving fails. It takes
// ownership of l.
func (p *Proxy) Serve(ctx context.Context, l net.Listener) error {
	p.init(l.Addr())
	defer p.throughput.Stop()

	if p.IdleTimeout > 0 {
		l = listeners.NewIdleConnListener(l, p.IdleTimeout)
	}
	if p.MaxConns > 0 {
		log.Debugf("Limiting to %d simultaneous connections", p.MaxConns)
		l = listeners.NewLimitedListener(l, p.MaxConns)
	}
	cl := listeners.NewCountingListener(l, p.Instrument.ConnectionOpened, p.Instrument.ConnectionClosed)

	srv := &http.Server{
		Handler:     p,
		IdleTimeout: p.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		p.logBanner()
		errCh <- srv.Serve(cl)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Debugf("Shutting down with %d open connections", cl.Active())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		srv.Close()
		return ctx.Err()
	}
}

func (p *Proxy) init(addr net.Addr) {
	if p.Settings == nil {
		p.Settings = settings.NewStore(settings.Defaults())
	}
	if p.Instrument == nil {
		p.Instrument = instrument.NoInstrument{}
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = defaultDialTimeout
	}
	if p.UpstreamTimeout <= 0 {
		p.UpstreamTimeout = defaultUpstreamTimeout
	}
	p.listenHost, p.listenPort, _ = net.SplitHostPort(addr.String())
	p.throughput = metrics.NewThroughput()
	p.transport = &http.Transport{
		DialContext:           p.dial,
		ResponseHeaderTimeout: p.UpstreamTimeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		// Headers and bodies are passed through untouched.
		DisableCompression: true,
	}
	p.Settings.OnChange(func(settings.Settings) {
		p.Instrument.SettingsChanged()
	})
	p.setupOpsContext()
	p.chain = p.createFilterChain()
}

func (p *Proxy) setupOpsContext() {
	ops.SetGlobal("app", "bandwidth-limiter-proxy")
	if p.AdvertisedHost != "" {
		ops.SetGlobal("proxy_host", p.AdvertisedHost)
	}
}

// createFilterChain creates the chain of filters applied to every request
// before it is forwarded. The forwarding itself, with its shaping, is done
// by the handler.
func (p *Proxy) createFilterChain() filters.Chain {
	return filters.Join(
		proxyfilters.Ops,
		p.Instrument.WrapFilter("settings", proxyfilters.InterceptSettings(p.isSettingsRequest, settings.NewHandler(p.Settings, p.throughput))),
		p.Instrument.WrapFilter("tunnelports", proxyfilters.RestrictConnectPorts(p.TunnelPorts)),
	)
}

// isSettingsRequest reports whether req addresses the proxy itself rather
// than an origin.
func (p *Proxy) isSettingsRequest(req *http.Request) bool {
	target := req.URL.Host
	if target == "" {
		// Origin-form request, as sent to a plain web server.
		if req.Host == "" {
			return true
		}
		target = req.Host
	}
	if local, ok := req.Context().Value(http.LocalAddrContextKey).(net.Addr); ok && strings.EqualFold(target, local.String()) {
		return true
	}
	return p.isOwnHost(target)
}

func (p *Proxy) isOwnHost(hostport string) bool {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, "80"
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if p.AdvertisedHost != "" {
		advertised := strings.ToLower(p.AdvertisedHost)
		if advertised == strings.ToLower(hostport) || advertised == host {
			return true
		}
	}
	if port != p.listenPort {
		return false
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	ip := net.ParseIP(p.listenHost)
	return ip != nil && !ip.IsUnspecified() && host == ip.String()
}

func (p *Proxy) logBanner() {
	s := p.Settings.Get()
	log.Debugf("Proxy runs on port %v", p.listenPort)
	log.Debugf("Download bandwidth is %v bps (%v)", humanize.Comma(s.BandwidthDown), humanize.SI(float64(s.BandwidthDown), "bit/s"))
	log.Debugf("Upload bandwidth is   %v bps (%v)", humanize.Comma(s.BandwidthUp), humanize.SI(float64(s.BandwidthUp), "bit/s"))
	log.Debugf("Latency is            %v", s.Latency)
}
