// Package listeners wraps the proxy's listener with connection housekeeping.
package listeners

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/getlantern/golog"
	"github.com/getlantern/idletiming"
	"golang.org/x/net/netutil"
)

var log = golog.LoggerFor("listeners")

// NewIdleConnListener closes accepted connections once they have been idle
// for longer than idleTimeout.
func NewIdleConnListener(l net.Listener, idleTimeout time.Duration) net.Listener {
	return idletiming.Listener(l, idleTimeout, func(conn net.Conn) {
		log.Tracef("Closing idle connection from %v", conn.RemoteAddr())
		conn.Close()
	})
}

// NewLimitedListener accepts at most maxConns simultaneous connections.
func NewLimitedListener(l net.Listener, maxConns int) net.Listener {
	return netutil.LimitListener(l, maxConns)
}

// CountingListener keeps track of the connections currently open.
type CountingListener struct {
	net.Listener
	active int64
	onOpen  func()
	onClose func()
}

// NewCountingListener wraps l. onOpen and onClose may be nil.
func NewCountingListener(l net.Listener, onOpen, onClose func()) *CountingListener {
	return &CountingListener{Listener: l, onOpen: onOpen, onClose: onClose}
}

func (cl *CountingListener) Accept() (net.Conn, error) {
	conn, err := cl.Listener.Accept()
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&cl.active, 1)
	if cl.onOpen != nil {
		cl.onOpen()
	}
	return &countedConn{Conn: conn, l: cl}, nil
}

// Active returns the number of accepted connections not yet closed.
func (cl *CountingListener) Active() int64 {
	return atomic.LoadInt64(&cl.active)
}

type countedConn struct {
	net.Conn
	l      *CountingListener
	closed int32
}

func (c *countedConn) Close() error {
	err := c.Conn.Close()
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		atomic.AddInt64(&c.l.active, -1)
		if c.l.onClose != nil {
			c.l.onClose()
		}
	}
	return err
}

// Wrapped implements netx.WrappedConn.
func (c *countedConn) Wrapped() net.Conn {
	return c.Conn
}
