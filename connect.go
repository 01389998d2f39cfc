package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/getlantern/proxy/v3/filters"

	"github.com/getlantern/bandwidth-limiter-proxy/proxyfilters"
	"github.com/getlantern/bandwidth-limiter-proxy/settings"
	"github.com/getlantern/bandwidth-limiter-proxy/shaping"
	"github.com/getlantern/bandwidth-limiter-proxy/tunnel"
)

var connectTarget = regexp.MustCompile(`^(.*):(\d+)$`)

// handleConnect answers a CONNECT request with the established greeting and
// then relays raw bytes between the client and the target.
func (p *Proxy) handleConnect(w http.ResponseWriter, req *http.Request, s settings.Settings) {
	target := req.Host
	if !connectTarget.MatchString(target) {
		log.Debugf("Closing connection from %v with malformed CONNECT target %q", req.RemoteAddr, target)
		closeSilently(w)
		return
	}
	log.Debugf("CONNECT %v", target)

	allowed := false
	cs := filters.NewConnectionState(req, nil, nil)
	resp, _, err := p.chain.Apply(cs, req, func(cs *filters.ConnectionState, req *http.Request) (*http.Response, *filters.ConnectionState, error) {
		allowed = true
		return nil, cs, nil
	})
	if !allowed {
		if resp == nil {
			resp = proxyfilters.Respond(req, http.StatusInternalServerError, fmt.Sprint(err))
		}
		p.writeResponse(w, req, resp, s, false)
		return
	}

	conn, bufrw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		log.Errorf("Unable to hijack connection from %v: %v", req.RemoteAddr, err)
		return
	}
	conn.SetDeadline(time.Time{})
	if _, err := fmt.Fprintf(conn, "HTTP/%d.%d 200 Connection established\r\n\r\n", req.ProtoMajor, req.ProtoMinor); err != nil {
		log.Debugf("Unable to greet %v: %v", req.RemoteAddr, err)
		conn.Close()
		return
	}

	upstream, err := p.dial(context.Background(), "tcp", target)
	if err != nil {
		log.Errorf("Unable to open tunnel to %v: %v", target, err)
		conn.Close()
		return
	}

	var client net.Conn = conn
	if bufrw.Reader.Buffered() > 0 {
		client = &bufferedConn{Conn: conn, r: bufrw.Reader}
	}
	p.Instrument.TunnelOpened()
	tun := tunnel.Pipe(client, upstream, tunnel.Opts{
		Up: shaping.Config{
			Label:        tunnel.UpLabel,
			BandwidthBps: s.BandwidthUp,
			InitialDelay: s.Latency,
			SourceURL:    target,
			OnRelease:    p.onRelease(tunnel.UpLabel, p.throughput.RecordUp),
			OnFinish:     p.Instrument.RelayFinished,
		},
		Down: shaping.Config{
			Label:        tunnel.DownLabel,
			BandwidthBps: s.BandwidthDown,
			InitialDelay: s.Latency,
			SourceURL:    target,
			OnRelease:    p.onRelease(tunnel.DownLabel, p.throughput.RecordDown),
			OnFinish:     p.Instrument.RelayFinished,
		},
		IdleTimeout: p.IdleTimeout,
		OnClose:     p.Instrument.TunnelClosed,
	})
	up, down := tun.Wait()
	log.Debugf("Tunnel to %v closed after %d bytes up, %d bytes down", target, up.Bytes, down.Bytes)
}

// closeSilently drops the client connection without answering.
func closeSilently(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		log.Debugf("Unable to hijack connection: %v", err)
		return
	}
	conn.Close()
}

// bufferedConn replays bytes the HTTP server read ahead before the
// connection was hijacked.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// Wrapped implements netx.WrappedConn.
func (c *bufferedConn) Wrapped() net.Conn {
	return c.Conn
}
