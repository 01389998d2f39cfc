package proxyfilters

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/proxy/v3/filters"
)

var log = golog.LoggerFor("proxy.filters")

// Respond builds a plain text response to req.
func Respond(req *http.Request, statusCode int, body string) *http.Response {
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		StatusCode: statusCode,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
		},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// fail answers req with statusCode and a body describing the failure. The
// error is returned alongside so that instrumentation counts it.
func fail(cs *filters.ConnectionState, req *http.Request, statusCode int, description string, params ...interface{}) (*http.Response, *filters.ConnectionState, error) {
	err := errors.New(description, params...)
	log.Debugf("Filter fail: %v", err)
	return Respond(req, statusCode, err.Error()), cs, err
}
