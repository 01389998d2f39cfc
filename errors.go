package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// statusFor maps an upstream failure to the status reported to the client:
// 408 for timeouts, 500 for everything else.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
