package ftpcore

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// dialerControl lets the active-mode dialer bind its local end to port 20
// and reuse it across PORT/EPRT transfers (RFC 1579's "source port 20").
func dialerControl(network, address string, c syscall.RawConn) error {
	var errSetOpts error

	err := c.Control(func(fd uintptr) {
		errSetOpts = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}

	return errSetOpts
}
