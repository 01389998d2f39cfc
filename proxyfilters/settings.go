package proxyfilters

import (
	"net/http"
	"net/http/httptest"

	"github.com/getlantern/proxy/v3/filters"
)

// InterceptSettings serves requests for which isSettings returns true with
// the settings handler instead of forwarding them.
func InterceptSettings(isSettings func(req *http.Request) bool, settings http.Handler) filters.Filter {
	return filters.FilterFunc(func(cs *filters.ConnectionState, req *http.Request, next filters.Next) (*http.Response, *filters.ConnectionState, error) {
		if req.Method == http.MethodConnect || !isSettings(req) {
			return next(cs, req)
		}
		log.Tracef("Serving settings page for %v%v", req.Host, req.URL.Path)
		rec := httptest.NewRecorder()
		settings.ServeHTTP(rec, req)
		resp := rec.Result()
		resp.Request = req
		return filters.ShortCircuit(cs, req, resp)
	})
}
