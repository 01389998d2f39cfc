// Package tunnel pairs the two legs of a CONNECT tunnel through shaped relays
// and tears both legs down together.
package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/getlantern/golog"
	"github.com/getlantern/idletiming"
	"github.com/getlantern/measured"

	"github.com/getlantern/bandwidth-limiter-proxy/shaping"
)

const (
	// Labels of the two relays of a tunnel.
	UpLabel   = "httpsreq"
	DownLabel = "httpsres"

	measureInterval = time.Second
)

var (
	log = golog.LoggerFor("tunnel")
)

// Opts configures a Tunnel.
type Opts struct {
	// Up shapes client to target traffic, Down target to client traffic. Their
	// OnSourceError callbacks are chained with the tunnel's own teardown.
	Up   shaping.Config
	Down shaping.Config
	// IdleTimeout closes the tunnel when either leg stays idle this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// OnClose is called once after both legs have been closed.
	OnClose func()
}

// Tunnel is an established, shaped CONNECT tunnel.
type Tunnel struct {
	client net.Conn
	target net.Conn
	up     *shaping.Relay
	down   *shaping.Relay

	ready     chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

// Pipe starts relaying between client and target. It takes ownership of both
// connections. End of stream, a failure or an idle timeout on either leg
// closes both.
func Pipe(client, target net.Conn, opts Opts) *Tunnel {
	t := &Tunnel{
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
		onClose: opts.OnClose,
	}
	if opts.IdleTimeout > 0 {
		client = idletiming.Conn(client, opts.IdleTimeout, func() {
			t.teardown("client idle")
		})
		target = idletiming.Conn(target, opts.IdleTimeout, func() {
			t.teardown("target idle")
		})
	}
	t.client = measured.Wrap(client, measureInterval, func(mc measured.Conn) {
		stats := mc.Stats()
		log.Debugf("client %v sent %d bytes, received %d bytes", mc.RemoteAddr(), stats.SentTotal, stats.RecvTotal)
	})
	t.target = target

	up := opts.Up
	if up.Label == "" {
		up.Label = UpLabel
	}
	up.OnSourceError = t.failOn("client", up.OnSourceError)
	down := opts.Down
	if down.Label == "" {
		down.Label = DownLabel
	}
	down.OnSourceError = t.failOn("target", down.OnSourceError)

	t.up = shaping.Start(up, t.client, shaping.ConnSink(t.target))
	t.down = shaping.Start(down, t.target, shaping.ConnSink(t.client))
	close(t.ready)
	go t.closeAfter(t.up, "client")
	go t.closeAfter(t.down, "target")
	return t
}

// closeAfter tears the tunnel down once r has finished. A leg that reached
// EOF is closed on both sides, the peer never stays half open.
func (t *Tunnel) closeAfter(r *shaping.Relay, leg string) {
	select {
	case <-r.Done():
		t.teardown(leg + " finished")
	case <-t.closed:
	}
}

func (t *Tunnel) failOn(leg string, orig func(error)) func(error) {
	return func(err error) {
		if orig != nil {
			orig(err)
		}
		t.teardown(leg + " error: " + err.Error())
	}
}

func (t *Tunnel) teardown(reason string) {
	<-t.ready
	t.closeOnce.Do(func() {
		log.Debugf("Closing tunnel: %v", reason)
		if err := t.client.Close(); err != nil {
			log.Tracef("Error closing client leg: %v", err)
		}
		if err := t.target.Close(); err != nil {
			log.Tracef("Error closing target leg: %v", err)
		}
		// Nothing queued can reach a closed leg.
		t.up.Abort()
		t.down.Abort()
		if t.onClose != nil {
			t.onClose()
		}
		close(t.closed)
	})
}

// Closed is closed once both legs have been closed.
func (t *Tunnel) Closed() <-chan struct{} {
	return t.closed
}

// Wait blocks until both legs have been closed and both relays have
// released everything they will release.
func (t *Tunnel) Wait() (up, down shaping.Stats) {
	<-t.closed
	<-t.up.Done()
	<-t.down.Done()
	return t.up.Stats(), t.down.Stats()
}
