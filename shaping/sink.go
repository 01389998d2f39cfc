package shaping

import (
	"io"
	"net"
	"net/http"

	"github.com/getlantern/netx"
)

// Sink is the receiving side of a relay. End is called exactly once after
// the last chunk has been written.
type Sink interface {
	io.Writer
	End() error
}

type closeWriter interface {
	CloseWrite() error
}

type connSink struct {
	conn net.Conn
}

// ConnSink adapts a raw connection. End half-closes the connection when it,
// or any connection it wraps, supports CloseWrite and fully closes it
// otherwise.
func ConnSink(conn net.Conn) Sink {
	return &connSink{conn}
}

func (s *connSink) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *connSink) End() error {
	var cw closeWriter
	netx.WalkWrapped(s.conn, func(conn net.Conn) bool {
		if c, ok := conn.(closeWriter); ok {
			cw = c
			return false
		}
		return true
	})
	if cw != nil {
		return cw.CloseWrite()
	}
	return s.conn.Close()
}

// ResponseSink writes to an http.ResponseWriter, flushing after every chunk
// so that release timing is visible to the client.
type ResponseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewResponseSink wraps w. Headers must already have been written.
func NewResponseSink(w http.ResponseWriter) *ResponseSink {
	f, _ := w.(http.Flusher)
	return &ResponseSink{w: w, flusher: f}
}

func (s *ResponseSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err == nil && s.flusher != nil {
		s.flusher.Flush()
	}
	return n, err
}

// End flushes what is buffered. The response itself completes when the
// handler returns.
func (s *ResponseSink) End() error {
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

type pipeSink struct {
	w *io.PipeWriter
}

// PipeSink feeds the read side of an io.Pipe, used for outbound request
// bodies. End closes the pipe so readers see EOF.
func PipeSink(w *io.PipeWriter) Sink {
	return &pipeSink{w}
}

func (s *pipeSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *pipeSink) End() error {
	return s.w.Close()
}
