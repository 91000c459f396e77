package ftpcore

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/secsy/goftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrency(t *testing.T) {
	server := NewTestServer(t, false)

	nbClients := 100

	waitGroup := sync.WaitGroup{}
	waitGroup.Add(nbClients)

	for range nbClients {
		go func() {
			conf := goftp.Config{
				User:     authUser,
				Password: authPass,
			}

			client, err := goftp.DialConfig(conf, server.Addr())
			if err != nil {
				panic(fmt.Sprintf("Couldn't connect: %v", err))
			}

			if _, err = client.ReadDir("/"); err != nil {
				panic(fmt.Sprintf("Couldn't list dir: %v", err))
			}

			defer func() { panicOnError(client.Close()) }()

			waitGroup.Done()
		}()
	}

	waitGroup.Wait()
}

func TestDOS(t *testing.T) {
	server := NewTestServer(t, true)
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(t.Context(), "tcp", server.Addr())
	require.NoError(t, err)

	defer func() {
		err = conn.Close()
		require.NoError(t, err)
	}()

	buf := make([]byte, 128)
	readBytes, err := conn.Read(buf)
	require.NoError(t, err)

	response := string(buf[:readBytes])
	require.Equal(t, "220 TEST Server\r\n", response)

	written := 0

	for {
		readBytes, err = conn.Write([]byte("some text without line ending"))
		written += readBytes

		if err != nil {
			break
		}

		if written > maxCommandLineLength*2 {
			break
		}
	}
}

func TestTransferOpenError(t *testing.T) {
	server := NewTestServer(t, false)
	conf := goftp.Config{
		User:     authUser,
		Password: authPass,
	}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err, "Couldn't connect")

	defer func() { panicOnError(client.Close()) }()

	raw, err := client.OpenRawConn()
	require.NoError(t, err, "Couldn't open raw connection")

	defer func() { require.NoError(t, raw.Close()) }()

	// send STOR without opening a transfer connection first
	rc, response, err := raw.SendCommand("STOR file")
	require.NoError(t, err)
	require.Equal(t, StatusCannotOpenDataConnection, rc)
	require.Equal(t, errNoTransferConnection.Error(), response)
}

func TestUnknownCommand(t *testing.T) {
	server := NewTestServer(t, false)
	conf := goftp.Config{
		User:     authUser,
		Password: authPass,
	}

	c, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err, "Couldn't connect")

	defer func() { panicOnError(c.Close()) }()

	raw, err := c.OpenRawConn()
	require.NoError(t, err, "Couldn't open raw connection")

	defer func() { require.NoError(t, raw.Close()) }()

	cmd := "UNSUPPORTED"
	rc, response, err := raw.SendCommand(cmd)
	require.NoError(t, err)
	require.Equal(t, StatusNotImplementedForParameter, rc)
	require.Equal(t, fmt.Sprintf("Unknown command %#v", cmd), response)
}

func TestReplySerializeMultiLine(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"single line", "single line", "211 single line\r\n"},
		{"empty", "", "211\r\n"},
		{"two lines", "first line\nsecond line", "211-first line\r\n211 second line\r\n"},
		{"blank middle line", "first line\n\nsecond line", "211-first line\r\n \r\n211 second line\r\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			reply := NewReply(StatusSystemStatus, tt.text)
			require.Equal(t, tt.want, string(reply.Serialize()))
		})
	}
}

// mockNetError implements net.Error for handleStreamError coverage.
type mockNetError struct {
	msg     string
	timeout bool
}

func (e *mockNetError) Error() string { return e.msg }
func (e *mockNetError) Timeout() bool { return e.timeout }

func TestHandleStreamErrorGenericError(t *testing.T) {
	server := NewTestServer(t, false)
	cc := &ControlConnection{
		server: server,
		logger: server.Logger,
		conn:   &testNetConn{},
	}

	require.True(t, cc.handleStreamError(errors.New("wrapped: "+net.ErrClosed.Error())))
}

func TestHandleStreamErrorTimeoutNoTransfer(t *testing.T) {
	server := NewTestServer(t, false)
	cc := &ControlConnection{
		server:  server,
		logger:  server.Logger,
		conn:    &testNetConn{},
		writer:  bufio.NewWriter(&testNetConn{}),
		session: NewSession(1, nil, TransferTypeBinary),
	}

	require.True(t, cc.handleStreamError(&mockNetError{msg: "i/o timeout", timeout: true}))
}

func TestHandleStreamErrorTimeoutDuringTransfer(t *testing.T) {
	server := NewTestServer(t, false)
	cc := &ControlConnection{
		server: server,
		logger: server.Logger,
		conn:   &testNetConn{},
	}

	cc.transferActive = 1

	require.False(t, cc.handleStreamError(&mockNetError{msg: "i/o timeout", timeout: true}))
}

// testNetConn is a minimal net.Conn stub for unit-testing ControlConnection
// methods without a real socket.
type testNetConn struct {
	remoteAddr net.Addr
}

func (*testNetConn) Read(_ []byte) (int, error)  { return 0, nil }
func (*testNetConn) Write(p []byte) (int, error) { return len(p), nil }
func (*testNetConn) Close() error                { return nil }
func (*testNetConn) LocalAddr() net.Addr         { return nil }
func (c *testNetConn) RemoteAddr() net.Addr      { return c.remoteAddr }
func (*testNetConn) SetDeadline(_ time.Time) error      { return nil }
func (*testNetConn) SetReadDeadline(_ time.Time) error  { return nil }
func (*testNetConn) SetWriteDeadline(_ time.Time) error { return nil }

// TestImmediateClientDisconnect verifies that a client connecting and
// closing before sending any command doesn't wedge the server.
func TestImmediateClientDisconnect(t *testing.T) {
	t.Parallel()

	for _, debug := range []bool{true, false} {
		debug := debug
		t.Run(fmt.Sprintf("debug=%v", debug), func(t *testing.T) {
			t.Parallel()

			server := NewTestServer(t, debug)
			dialer := &net.Dialer{Timeout: 5 * time.Second}

			conn, err := dialer.DialContext(t.Context(), "tcp", server.Addr())
			require.NoError(t, err)

			buf := make([]byte, 1024)
			_, err = conn.Read(buf)
			require.NoError(t, err)

			require.NoError(t, conn.Close())

			time.Sleep(100 * time.Millisecond)

			newConn, err := dialer.DialContext(t.Context(), "tcp", server.Addr())
			require.NoError(t, err)

			defer func() { _ = newConn.Close() }()

			_, err = newConn.Read(buf)
			require.NoError(t, err)
			require.Contains(t, string(buf), "220")
		})
	}
}

// TestMultipleImmediateDisconnects simulates probe traffic: many rapid
// connect/disconnect cycles that must not leave the server unusable.
func TestMultipleImmediateDisconnects(t *testing.T) {
	t.Parallel()

	server := NewTestServer(t, true)
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	for range 10 {
		conn, err := dialer.DialContext(t.Context(), "tcp", server.Addr())
		require.NoError(t, err)

		buf := make([]byte, 1024)
		_, _ = conn.Read(buf)
		_ = conn.Close()
	}

	time.Sleep(200 * time.Millisecond)

	conf := goftp.Config{
		User:     authUser,
		Password: authPass,
	}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err)

	defer func() { _ = client.Close() }()

	_, err = client.ReadDir("/")
	require.NoError(t, err)
}

func TestSessionCount(t *testing.T) {
	server := NewTestServer(t, false)

	conf := goftp.Config{
		User:     authUser,
		Password: authPass,
	}

	client, err := goftp.DialConfig(conf, server.Addr())
	require.NoError(t, err)

	raw, err := client.OpenRawConn()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return server.SessionCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, raw.Close())
	require.NoError(t, client.Close())

	assert.Eventually(t, func() bool {
		return server.SessionCount() == 0
	}, time.Second, 10*time.Millisecond)
}
