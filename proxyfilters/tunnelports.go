package proxyfilters

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/getlantern/proxy/v3/filters"
)

// RestrictConnectPorts compares the port of CONNECT targets with allowedPorts
// and only lets matching tunnels through. An empty list allows every port.
func RestrictConnectPorts(allowedPorts []int) filters.Filter {
	return filters.FilterFunc(func(cs *filters.ConnectionState, req *http.Request, next filters.Next) (*http.Response, *filters.ConnectionState, error) {
		if req.Method != http.MethodConnect || len(allowedPorts) == 0 {
			return next(cs, req)
		}

		log.Tracef("Checking CONNECT tunnel to %s against allowed ports %v", req.Host, allowedPorts)
		idx := strings.LastIndex(req.Host, ":")
		if idx < 0 || idx >= len(req.Host)-1 {
			// CONNECT request should always include port in req.Host.
			// Ref https://tools.ietf.org/html/rfc2817#section-5.2.
			return fail(cs, req, http.StatusBadRequest, "No port field in Request-URI / Host header")
		}
		port, err := strconv.Atoi(req.Host[idx+1:])
		if err != nil {
			return fail(cs, req, http.StatusBadRequest, "Invalid port")
		}

		for _, p := range allowedPorts {
			if port == p {
				return next(cs, req)
			}
		}
		return fail(cs, req, http.StatusForbidden, "Port %d not allowed", port)
	})
}
