package listeners

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleConnListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	il := NewIdleConnListener(l, 100*time.Millisecond)
	defer il.Close()

	go func() {
		conn, err := il.Accept()
		if err != nil {
			return
		}
		io.Copy(io.Discard, conn)
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err, "idle connection should have been closed by the server")
}

func TestCountingLimitedListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opened, closed := 0, 0
	cl := NewCountingListener(NewLimitedListener(l, 1), func() { opened++ }, func() { closed++ })
	defer cl.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := cl.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	c1, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	first := <-accepted

	c2, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c2.Close()
	select {
	case <-accepted:
		t.Fatal("second connection should wait for the first one to close")
	case <-time.After(200 * time.Millisecond):
	}
	assert.EqualValues(t, 1, cl.Active())

	require.NoError(t, first.Close())
	first.Close()
	second := <-accepted
	assert.EqualValues(t, 1, cl.Active())
	require.NoError(t, second.Close())
	assert.EqualValues(t, 0, cl.Active())
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, closed, "closing twice should only count once")
}
