package shaping

import (
	"net/http"
	"strings"
	"time"
)

// statusLineBytes approximates "HTTP/1.1 200 OK".
const statusLineBytes = 15

// TransmissionDelay returns the time needed to transmit lengthBytes over a link
// of bandwidthBps bits per second, rounded half up to whole milliseconds.
// bandwidthBps must be positive.
func TransmissionDelay(lengthBytes int, bandwidthBps int64) time.Duration {
	ms := int64(0.5 + float64(lengthBytes)*8*1000/float64(bandwidthBps))
	return time.Duration(ms) * time.Millisecond
}

// EstimatedHeaderBytes approximates the wire size of a status line plus the
// given header block. Each header counts its name, its serialized value and
// 4 bytes for ": " and the line terminator.
func EstimatedHeaderBytes(h http.Header) int {
	n := statusLineBytes
	for name, values := range h {
		n += len(name) + len(strings.Join(values, ", ")) + 4
	}
	return n
}

// HeaderDelay is the transmission time of the estimated header block.
func HeaderDelay(h http.Header, bandwidthBps int64) time.Duration {
	return TransmissionDelay(EstimatedHeaderBytes(h), bandwidthBps)
}

// RequestHeaderDelay is HeaderDelay for an incoming request. The server
// moves the Host header out of req.Header, it is counted here again.
func RequestHeaderDelay(req *http.Request, bandwidthBps int64) time.Duration {
	n := EstimatedHeaderBytes(req.Header)
	if _, found := req.Header["Host"]; !found && req.Host != "" {
		n += len("Host") + len(req.Host) + 4
	}
	return TransmissionDelay(n, bandwidthBps)
}
