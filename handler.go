package proxy

import (
	"io"
	"net/http"

	"github.com/getlantern/errors"
	"github.com/getlantern/proxy/v3/filters"

	"github.com/getlantern/bandwidth-limiter-proxy/proxyfilters"
	"github.com/getlantern/bandwidth-limiter-proxy/settings"
	"github.com/getlantern/bandwidth-limiter-proxy/shaping"
)

const (
	labelRequest  = "httpreq"
	labelResponse = "httpres"
)

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Settings changes only apply to requests that start afterwards.
	s := p.Settings.Get()
	if req.Method == http.MethodConnect {
		p.handleConnect(w, req, s)
		return
	}
	p.handleHTTP(w, req, s)
}

func (p *Proxy) handleHTTP(w http.ResponseWriter, req *http.Request, s settings.Settings) {
	log.Debugf("%v %v", req.Method, req.URL)
	var (
		forwarded bool
		up        *shaping.Relay
		upBody    *io.PipeReader
	)
	cs := filters.NewConnectionState(req, nil, nil)
	resp, _, err := p.chain.Apply(cs, req, func(cs *filters.ConnectionState, req *http.Request) (*http.Response, *filters.ConnectionState, error) {
		forwarded = true
		outreq := outgoingRequest(req)
		up, upBody = p.shapeRequestBody(req, outreq, s)
		if outreq.Body == nil {
			// Without a body the request is complete once its headers have
			// crossed the link.
			select {
			case <-up.Done():
			case <-req.Context().Done():
				up.Abort()
				return nil, cs, req.Context().Err()
			}
		}
		resp, err := p.transport.RoundTrip(outreq)
		return resp, cs, err
	})
	defer func() {
		if up != nil {
			upBody.Close()
			up.Abort()
			<-up.Done()
		}
	}()

	if resp == nil {
		if err == nil {
			err = errors.New("No response for %v", req.URL)
		}
		status := statusFor(err)
		log.Errorf("Problem with request to %v: %v", req.URL, err)
		p.Instrument.UpstreamFailed(status)
		p.writeResponse(w, req, proxyfilters.Respond(req, status, err.Error()), s, false)
		return
	}
	p.writeResponse(w, req, resp, s, forwarded)
}

// outgoingRequest turns a request received by the proxy into one for the
// origin. Absolute-form targets are kept, origin-form targets are resolved
// against the Host header.
func outgoingRequest(req *http.Request) *http.Request {
	outreq := req.Clone(req.Context())
	outreq.RequestURI = ""
	if outreq.URL.Host == "" {
		outreq.URL.Host = req.Host
	}
	if outreq.URL.Scheme == "" {
		outreq.URL.Scheme = "http"
	}
	outreq.Body = nil
	outreq.GetBody = nil
	return outreq
}

// shapeRequestBody starts the client to origin relay. A request body is fed
// to outreq through a pipe, a request without one still goes through the
// relay so that the origin sees it only after the initial delay.
func (p *Proxy) shapeRequestBody(req, outreq *http.Request, s settings.Settings) (*shaping.Relay, *io.PipeReader) {
	pr, pw := io.Pipe()
	src := io.Reader(http.NoBody)
	if req.Body != nil && req.Body != http.NoBody && req.ContentLength != 0 {
		src = req.Body
		outreq.Body = pr
		outreq.ContentLength = req.ContentLength
	}
	relay := shaping.Start(shaping.Config{
		Label:        labelRequest,
		BandwidthBps: s.BandwidthUp,
		InitialDelay: s.Latency + shaping.RequestHeaderDelay(req, s.BandwidthUp),
		SourceURL:    outreq.URL.String(),
		OnSourceError: func(err error) {
			pw.CloseWithError(err)
		},
		OnRelease: p.onRelease(labelRequest, p.throughput.RecordUp),
		OnFinish:  p.Instrument.RelayFinished,
	}, src, shaping.PipeSink(pw))
	return relay, pr
}

// writeResponse copies resp to w. Only the bodies of forwarded responses are
// shaped, the proxy's own responses are written at once.
func (p *Proxy) writeResponse(w http.ResponseWriter, req *http.Request, resp *http.Response, s settings.Settings, shape bool) {
	defer resp.Body.Close()
	header := w.Header()
	for key, values := range resp.Header {
		header[key] = values
	}
	w.WriteHeader(resp.StatusCode)
	if !shape {
		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Debugf("Unable to write response to %v: %v", req.RemoteAddr, err)
		}
		return
	}

	relay := shaping.Start(shaping.Config{
		Label:        labelResponse,
		BandwidthBps: s.BandwidthDown,
		InitialDelay: s.Latency + shaping.HeaderDelay(resp.Header, s.BandwidthDown),
		SourceURL:    req.URL.String(),
		OnRelease:    p.onRelease(labelResponse, p.throughput.RecordDown),
		OnFinish:     p.Instrument.RelayFinished,
	}, resp.Body, shaping.NewResponseSink(w))
	select {
	case <-relay.Done():
	case <-req.Context().Done():
		log.Debugf("Client went away while receiving %v", req.URL)
		resp.Body.Close()
		relay.Abort()
		<-relay.Done()
	}
}

func (p *Proxy) onRelease(label string, record func(int)) func(int) {
	return func(n int) {
		record(n)
		p.Instrument.Released(label, n)
	}
}
