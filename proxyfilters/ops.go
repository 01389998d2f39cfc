package proxyfilters

import (
	"net"
	"net/http"
	"strings"

	"github.com/getlantern/ops"
	"github.com/getlantern/proxy/v3/filters"
)

// Ops adds an ops context describing the origin and the client to everything
// logged while the rest of the chain handles the request.
var Ops = filters.FilterFunc(func(cs *filters.ConnectionState, req *http.Request, next filters.Next) (*http.Response, *filters.ConnectionState, error) {
	originHost, originPort, _ := net.SplitHostPort(req.Host)
	if (originPort == "0" || originPort == "") && req.Method != http.MethodConnect {
		// Default port for HTTP
		originPort = "80"
	}
	if originHost == "" && !strings.Contains(req.Host, ":") {
		originHost = req.Host
	}

	clientIP, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		clientIP = req.RemoteAddr
	}

	op := ops.Begin("proxy").
		Set("origin", req.Host).
		Set("origin_host", originHost).
		Set("origin_port", originPort).
		Set("client_ip", clientIP).
		Set("method", req.Method)
	defer op.End()

	resp, cs, err := next(cs, req)
	op.FailIf(err)
	return resp, cs, err
})
