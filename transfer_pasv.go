package ftpcore

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/meridianftp/ftpcore/log"
)

// ErrNoAvailableListeningPort is returned when no port in the configured
// passive range could be bound.
var ErrNoAvailableListeningPort = errors.New("could not find any port to listen on")

// pasvReservation is a passive listener armed for exactly one session.
// It is consumed by a single Open (the data connection arriving) and then
// released, or torn down by Cancel (ABOR/QUIT/close).
type pasvReservation struct {
	listener *net.TCPListener
	port     int
	session  *Session

	once sync.Once
}

// Open blocks for up to timeout waiting for the client to connect to the
// reserved port. It may be called at most once.
func (p *pasvReservation) Open(timeout time.Duration) (net.Conn, error) {
	if err := p.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("failed to set accept deadline: %w", err)
	}

	return p.listener.Accept()
}

func (p *pasvReservation) close() {
	p.once.Do(func() {
		if err := p.listener.Close(); err != nil {
			// best effort; the listener may already be closed.
			_ = err
		}
	})
}

// DataConnector is the server-side passive-mode listener pool.
// It tracks at most one reservation per session so Cancel is
// O(1) and idempotent.
type DataConnector struct {
	mu           sync.Mutex
	reservations map[uint64]*pasvReservation
	portRange    *PortRange
	logger       log.Logger
}

// NewDataConnector builds a pool restricted to portRange, or to
// OS-assigned ports if portRange is nil.
func NewDataConnector(portRange *PortRange, logger log.Logger) *DataConnector {
	return &DataConnector{
		reservations: make(map[uint64]*pasvReservation),
		portRange:    portRange,
		logger:       logger,
	}
}

// Accept reserves a passive listening port for session, within deadline.
// On success the reservation is remembered and must eventually be
// released via Cancel, or via Release once Open has been called on it.
func (dc *DataConnector) Accept(session *Session, deadline time.Duration) (*pasvReservation, error) {
	deadlineAt := time.Now().Add(deadline)

	tcpListener, err := dc.findListener(deadlineAt)
	if err != nil {
		return nil, err
	}

	res := &pasvReservation{
		listener: tcpListener,
		port:     tcpListener.Addr().(*net.TCPAddr).Port,
		session:  session,
	}

	dc.mu.Lock()
	// a session may only ever have one pending reservation (invariant 3)
	if old, ok := dc.reservations[session.ID]; ok {
		old.close()
	}

	dc.reservations[session.ID] = res
	dc.mu.Unlock()

	return res, nil
}

// Cancel tears down any pending reservation for session. Safe to call
// even if there is none.
func (dc *DataConnector) Cancel(session *Session) {
	dc.mu.Lock()
	res, ok := dc.reservations[session.ID]
	if ok {
		delete(dc.reservations, session.ID)
	}
	dc.mu.Unlock()

	if ok {
		res.close()
	}
}

// Release removes the bookkeeping entry for a reservation once Open has
// been called on it and closes its listener, freeing the port; a data
// socket that Open accepted stays open (the transfer now owns it).
func (dc *DataConnector) Release(session *Session) {
	dc.mu.Lock()
	res, ok := dc.reservations[session.ID]
	if ok {
		delete(dc.reservations, session.ID)
	}
	dc.mu.Unlock()

	if ok {
		res.close()
	}
}

func (dc *DataConnector) findListener(deadlineAt time.Time) (*net.TCPListener, error) {
	if dc.portRange == nil {
		addr, _ := net.ResolveTCPAddr("tcp", ":0")

		return net.ListenTCP("tcp", addr)
	}

	nbAttempts := dc.portRange.End - dc.portRange.Start
	if nbAttempts < 10 {
		nbAttempts = 10
	} else if nbAttempts > 1000 {
		nbAttempts = 1000
	}

	for i := 0; i < nbAttempts && time.Now().Before(deadlineAt); i++ {
		//nolint:gosec
		port := dc.portRange.Start + rand.Intn(dc.portRange.End-dc.portRange.Start+1)

		laddr, errResolve := net.ResolveTCPAddr("tcp", fmt.Sprintf("0.0.0.0:%d", port))
		if errResolve != nil {
			return nil, fmt.Errorf("could not resolve port %d: %w", port, errResolve)
		}

		tcpListener, errListen := net.ListenTCP("tcp", laddr)
		if errListen == nil {
			return tcpListener, nil
		}
	}

	dc.logger.Warn(
		"could not find any free passive port",
		"portRangeStart", dc.portRange.Start,
		"portRangeEnd", dc.portRange.End,
	)

	return nil, ErrNoAvailableListeningPort
}

// publicIP resolves the address to advertise in PASV/EPSV replies.
func publicIP(cc ClientContext, settings *Settings, localAddr net.Addr) (string, error) {
	ip := settings.PublicHost

	if ip == "" {
		if settings.PublicIPResolver != nil {
			var err error

			ip, err = settings.PublicIPResolver(cc)
			if err != nil {
				return "", fmt.Errorf("couldn't resolve public IP: %w", err)
			}
		} else {
			ip, _, _ = strings.Cut(localAddr.String(), ":")
		}
	}

	return ip, nil
}

func init() {
	registerCommand("PASV", &commandDescription{Fn: handlePASV})
	registerCommand("EPSV", &commandDescription{Fn: handleEPSV})
}

const pasvReservationDeadline = time.Second

func handlePASV(cc *ControlConnection, param string) *Reply {
	return doPASV(cc, false)
}

func handleEPSV(cc *ControlConnection, param string) *Reply {
	return doPASV(cc, true)
}

func doPASV(cc *ControlConnection, extended bool) *Reply {
	res, err := cc.server.connector.Accept(cc.session, pasvReservationDeadline)
	if err != nil {
		cc.logger.Error("could not listen for passive connection", err)

		return NewReply(StatusCannotOpenDataConnection, fmt.Sprintf("Could not listen for passive connection: %v", err))
	}

	cc.session.openerKind = openerPASV
	cc.session.pasvReserved = res

	if extended {
		return NewReply(StatusEnteringEPSV, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", res.port))
	}

	ip, err := publicIP(cc, cc.server.settings, cc.conn.LocalAddr())
	if err != nil {
		cc.server.connector.Cancel(cc.session)

		return NewReply(StatusCannotOpenDataConnection, fmt.Sprintf("Could not listen for passive connection: %v", err))
	}

	quads := strings.Split(ip, ".")
	if len(quads) != 4 {
		cc.server.connector.Cancel(cc.session)

		return NewReply(StatusCannotOpenDataConnection, "Could not resolve a valid IPv4 address for PASV")
	}

	p1 := res.port / 256
	p2 := res.port - p1*256

	return NewReply(StatusEnteringPASV,
		fmt.Sprintf("Entering Passive Mode (%s,%s,%s,%s,%d,%d)", quads[0], quads[1], quads[2], quads[3], p1, p2))
}
