package proxy

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/waitforserver"

	"github.com/getlantern/bandwidth-limiter-proxy/instrument"
	"github.com/getlantern/bandwidth-limiter-proxy/settings"
)

const (
	tunneledReq    = "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"
	targetResponse = "Fight for a Free Internet!"
	greeting       = "HTTP/1.1 200 Connection established\r\n\r\n"
)

var (
	httpProxyAddr    string
	httpTargetServer *targetHandler
	httpTargetURL    string
)

func TestMain(m *testing.M) {
	flag.Parse()
	var err error

	// Set up mock target server
	httpTargetURL, httpTargetServer = newTargetHandler(targetResponse)

	// Set up a proxy fast enough not to slow down the tests
	httpProxyAddr, _, err = setupNewHTTPServer(nil)
	if err != nil {
		log.Fatalf("Error starting proxy server: %v", err)
	}
	log.Debugf("Started HTTP proxy server at %s", httpProxyAddr)

	code := m.Run()
	httpTargetServer.Close()
	os.Exit(code)
}

func TestDirectOK(t *testing.T) {
	resp, err := proxiedClient(httpProxyAddr).Get(httpTargetURL + "/some/path?x=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, targetResponse, string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Target"), "response headers should be passed through")
}

func TestDirectOriginForm(t *testing.T) {
	testFn := func(conn net.Conn, targetURL *url.URL) {
		req := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", targetURL.Host)
		_, err := conn.Write([]byte(req))
		require.NoError(t, err, "should write GET request")

		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, targetResponse, string(body), "origin-form requests should be resolved against Host")
	}
	testRoundTrip(t, httpProxyAddr, httpTargetServer, testFn)
}

func TestRequestBodyForwarded(t *testing.T) {
	received := make(chan string, 1)
	target := &targetHandler{}
	target.writer = func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		received <- string(b)
		w.WriteHeader(http.StatusCreated)
	}
	target.start()
	defer target.Close()

	payload := strings.Repeat("upload", 100)
	resp, err := proxiedClient(httpProxyAddr).Post(target.server.URL, "text/plain", strings.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, payload, <-received)
}

func TestShapedDownload(t *testing.T) {
	body := strings.Repeat("x", 5000)
	_, target := newTargetHandler(body)
	defer target.Close()

	prom := instrument.NewPrometheus()
	addr, _, err := setupNewHTTPServer(func(p *Proxy) {
		p.Settings = settings.NewStore(settings.Settings{
			BandwidthDown: 80000,
			BandwidthUp:   100000000,
			Latency:       100 * time.Millisecond,
		})
		p.Instrument = prom
	})
	require.NoError(t, err)

	start := time.Now()
	resp, err := proxiedClient(addr).Get(target.server.URL)
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	elapsed := time.Since(start)

	assert.Equal(t, body, string(b))
	// 5000 bytes at 10000 bytes per second plus latency in both directions
	assert.True(t, elapsed >= 550*time.Millisecond, "download should have been slowed down, took %v", elapsed)

	w := httptest.NewRecorder()
	prom.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), `proxy_relays_total{completed="true",direction="httpreq"} 1`)
	assert.Contains(t, w.Body.String(), `proxy_relay_released_bytes_total{direction="httpres"}`)
	assert.Contains(t, w.Body.String(), "proxy_active_connections 1", "the client's keep-alive connection should be counted")
}

func TestUpstreamUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	l.Close()

	resp, err := proxiedClient(httpProxyAddr).Get("http://" + deadAddr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotEmpty(t, string(body), "error text should be sent to the client")
}

func TestUpstreamTimeout(t *testing.T) {
	_, target := newTargetHandler("")
	target.Timeout(time.Second, "too late")
	defer target.Close()

	addr, _, err := setupNewHTTPServer(func(p *Proxy) {
		p.UpstreamTimeout = 100 * time.Millisecond
	})
	require.NoError(t, err)

	resp, err := proxiedClient(addr).Get(target.server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
}

func TestSettingsPage(t *testing.T) {
	store := settings.NewStore(fastSettings())
	addr, _, err := setupNewHTTPServer(func(p *Proxy) {
		p.Settings = store
	})
	require.NoError(t, err)

	client := proxiedClient(addr)
	resp, err := client.Get("http://" + addr + "/")
	require.NoError(t, err)
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), "Bandwidth Limiter Proxy")

	resp, err = client.Get("http://" + addr + "/?dn=500&up=50000&la=50")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	current := store.Get()
	assert.EqualValues(t, fastSettings().BandwidthDown, current.BandwidthDown, "500 bps should be rejected")
	assert.EqualValues(t, 50000, current.BandwidthUp)
	assert.Equal(t, 50*time.Millisecond, current.Latency)

	// Plain requests to the proxy's own address reach the page as well
	testFn := func(conn net.Conn, targetURL *url.URL) {
		_, err := conn.Write([]byte(fmt.Sprintf("GET /missing HTTP/1.1\r\nHost: %s\r\n\r\n", addr)))
		require.NoError(t, err)
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "404", string(body))
	}
	testRoundTrip(t, addr, httpTargetServer, testFn)
}

func TestConnectOK(t *testing.T) {
	testFn := func(conn net.Conn, targetURL *url.URL) {
		req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetURL.Host, targetURL.Host)
		_, err := conn.Write([]byte(req))
		require.NoError(t, err, "should write CONNECT request")

		buf := make([]byte, len(greeting))
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, greeting, string(buf))

		_, err = conn.Write([]byte(tunneledReq))
		require.NoError(t, err, "should write tunneled data")

		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), targetResponse, "should read tunneled response")
	}
	testRoundTrip(t, httpProxyAddr, httpTargetServer, testFn)
}

func TestConnectTargetClosesClient(t *testing.T) {
	watcher := &tunnelWatcher{tunnelClosed: make(chan struct{}, 1)}
	addr, _, err := setupNewHTTPServer(func(p *Proxy) {
		p.Instrument = watcher
	})
	require.NoError(t, err)

	testFn := func(conn net.Conn, targetURL *url.URL) {
		req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetURL.Host, targetURL.Host)
		_, err := conn.Write([]byte(req))
		require.NoError(t, err)

		buf := make([]byte, len(greeting))
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)

		// The target answers and hangs up, which must close our side too.
		_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n"))
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = io.ReadAll(conn)
		assert.NoError(t, err, "tunnel should have been closed before the deadline")

		// conn stays open on our side, the proxy must still close its leg.
		select {
		case <-watcher.tunnelClosed:
		case <-time.After(3 * time.Second):
			t.Fatal("proxy kept the client leg open after the target closed")
		}
	}
	testRoundTrip(t, addr, httpTargetServer, testFn)
}

// tunnelWatcher reports tunnel teardowns.
type tunnelWatcher struct {
	instrument.NoInstrument
	tunnelClosed chan struct{}
}

func (w *tunnelWatcher) TunnelClosed() {
	w.tunnelClosed <- struct{}{}
}

func TestConnectMalformedTarget(t *testing.T) {
	testFn := func(conn net.Conn, targetURL *url.URL) {
		_, err := conn.Write([]byte("CONNECT example.com HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var buf [400]byte
		n, err := conn.Read(buf[:])
		assert.Equal(t, 0, n, "malformed targets should get no response")
		assert.Equal(t, io.EOF, err)
	}
	testRoundTrip(t, httpProxyAddr, httpTargetServer, testFn)
}

func TestConnectPortNotAllowed(t *testing.T) {
	addr, _, err := setupNewHTTPServer(func(p *Proxy) {
		p.TunnelPorts = []int{443}
	})
	require.NoError(t, err)

	testFn := func(conn net.Conn, targetURL *url.URL) {
		req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetURL.Host, targetURL.Host)
		_, err := conn.Write([]byte(req))
		require.NoError(t, err)

		var buf [400]byte
		conn.Read(buf[:])
		assert.Contains(t, string(buf[:]), "HTTP/1.1 403 Forbidden\r\n")
	}
	testRoundTrip(t, addr, httpTargetServer, testFn)
}

func TestIdleClientConnections(t *testing.T) {
	addr, _, err := setupNewHTTPServer(func(p *Proxy) {
		p.IdleTimeout = 100 * time.Millisecond
	})
	require.NoError(t, err)

	idleFn := func(conn net.Conn, targetURL *url.URL) {
		time.Sleep(300 * time.Millisecond)
		conn.Write([]byte(fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", targetURL.Host)))

		var buf [400]byte
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _ := conn.Read(buf[:])
		assert.Equal(t, 0, n, "idle connection should have been closed")
	}
	testRoundTrip(t, addr, httpTargetServer, idleFn)
}

func TestIsSettingsRequest(t *testing.T) {
	p := &Proxy{AdvertisedHost: "proxy.example.com", listenHost: "::", listenPort: "8080"}
	doTest := func(target string, host string, expected bool) {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Host = host
		assert.Equal(t, expected, p.isSettingsRequest(req), "%v with host %v", target, host)
	}

	doTest("http://localhost:8080/", "localhost:8080", true)
	doTest("http://127.0.0.1:8080/?dn=2000", "127.0.0.1:8080", true)
	doTest("http://proxy.example.com/", "proxy.example.com", true)
	doTest("http://localhost:8081/", "localhost:8081", false)
	doTest("http://example.com/", "example.com", false)
	doTest("/", "", true)
	doTest("/", "example.com", false)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusRequestTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusRequestTimeout, statusFor(&net.OpError{Op: "dial", Err: timeoutError{}}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

func TestPortsFromCSV(t *testing.T) {
	ports, err := PortsFromCSV("1, 2, 3,4,5")
	if assert.NoError(t, err, "should have no error parsing CSV") {
		assert.Equal(t, []int{1, 2, 3, 4, 5}, ports, "should get correct ports")
	}
	ports, err = PortsFromCSV("")
	assert.NoError(t, err)
	assert.Empty(t, ports)
	_, err = PortsFromCSV("443,https")
	assert.Error(t, err)
}

//
// Auxiliary functions
//

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func fastSettings() settings.Settings {
	return settings.Settings{
		BandwidthDown: 100000000,
		BandwidthUp:   100000000,
		Latency:       0,
	}
}

func proxiedClient(addr string) *http.Client {
	proxyURL, _ := url.Parse("http://" + addr)
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func testRoundTrip(t *testing.T, addr string, target *targetHandler, checkerFn func(conn net.Conn, targetURL *url.URL)) {
	conn, err := net.Dial("tcp", addr)
	if !assert.NoError(t, err, "should dial proxy server") {
		t.FailNow()
	}
	log.Debugf("%s -> %s (via HTTP) -> %s", conn.LocalAddr().String(), addr, target.server.URL)
	defer conn.Close()

	url, _ := url.Parse(target.server.URL)
	checkerFn(conn, url)
}

// setupNewHTTPServer starts a proxy on a random local port. configure may
// adjust the proxy before it starts serving.
func setupNewHTTPServer(configure func(p *Proxy)) (addr string, p *Proxy, err error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	p = &Proxy{
		Settings:    settings.NewStore(fastSettings()),
		IdleTimeout: 30 * time.Second,
	}
	if configure != nil {
		configure(p)
	}
	go func() {
		if err := p.Serve(context.Background(), l); err != nil {
			log.Debugf("Proxy at %v stopped: %v", l.Addr(), err)
		}
	}()
	addr = l.Addr().String()
	err = waitforserver.WaitForServer("tcp", addr, 5*time.Second)
	return
}

//
// Mock target server
// Emulating locally a target site for testing tunnels
//

type targetHandler struct {
	writer func(w http.ResponseWriter, req *http.Request)
	server *httptest.Server
}

func (m *targetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.writer(w, r)
}

func (m *targetHandler) Msg(msg string) {
	m.writer = func(w http.ResponseWriter, req *http.Request) {
		w.Header()["Content-Length"] = []string{strconv.Itoa(len(msg))}
		w.Header().Set("X-Target", "yes")
		_, _ = w.Write([]byte(msg))
		w.(http.Flusher).Flush()
	}
}

func (m *targetHandler) Timeout(d time.Duration, msg string) {
	m.writer = func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(d)
		w.Header()["Content-Length"] = []string{strconv.Itoa(len(msg))}
		_, _ = w.Write([]byte(msg))
		w.(http.Flusher).Flush()
	}
}

func (m *targetHandler) start() {
	m.server = httptest.NewServer(m)
	log.Debugf("Started target site at %v", m.server.URL)
}

func (m *targetHandler) Close() {
	m.server.Close()
}

func newTargetHandler(msg string) (string, *targetHandler) {
	m := &targetHandler{}
	m.Msg(msg)
	m.start()
	return m.server.URL, m
}
