package proxy

import (
	"context"
	"net"
	"time"

	"github.com/getlantern/netx"
)

// dialer dials origins and CONNECT targets, giving up after timeout. Errors
// are returned unwrapped so that timeouts can still be told apart.
func dialer(timeout time.Duration) func(ctx context.Context, network, hostport string) (net.Conn, error) {
	return func(ctx context.Context, network, hostport string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, err := netx.DialContext(ctx, network, hostport)
		if err != nil {
			log.Debugf("Unable to dial %v: %v", hostport, err)
			return nil, err
		}
		return conn, nil
	}
}

func (p *Proxy) dial(ctx context.Context, network, hostport string) (net.Conn, error) {
	return dialer(p.DialTimeout)(ctx, network, hostport)
}
