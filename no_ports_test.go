package ftpcore

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestPortRangeExhausted verifies that a passive port range whose every
// port is already in use surfaces ErrNoAvailableListeningPort instead of
// hanging until the deadline.
func TestPortRangeExhausted(t *testing.T) {
	req := require.New(t)

	blocker, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	req.NoError(err)

	defer func() { req.NoError(blocker.Close()) }()

	port := blocker.Addr().(*net.TCPAddr).Port

	connector := NewDataConnector(&PortRange{Start: port, End: port}, noopLogger{})

	session := NewSession(1, blocker.Addr(), TransferTypeBinary)

	_, err = connector.Accept(session, 50*time.Millisecond)
	req.ErrorIs(err, ErrNoAvailableListeningPort)
}
