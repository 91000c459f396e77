package ftpcore

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/meridianftp/ftpcore/log"
)

// ErrNotListening is returned when an action that requires an active
// listener (Stop, Addr) is called before Listen.
var ErrNotListening = errors.New("we aren't listening")

// FtpServer ties a MainDriver to a listening socket and dispatches
// incoming connections to a ControlConnection each.
type FtpServer struct {
	Logger   log.Logger
	settings *Settings
	listener net.Listener
	driver   MainDriver

	registry  *Registry
	connector *DataConnector
	executor  *Executor

	clientCounter uint64
	suspended     atomic.Bool
}

// Suspend stops the server from accepting new control connections: any
// client that connects while suspended gets a single 421 reply and an
// immediate close, per spec §4.6 "Startup". Connections already in
// progress are left alone.
func (server *FtpServer) Suspend() {
	server.suspended.Store(true)
}

// Resume reverses Suspend.
func (server *FtpServer) Resume() {
	server.suspended.Store(false)
}

// IsSuspended reports whether the server is currently refusing new
// control connections.
func (server *FtpServer) IsSuspended() bool {
	return server.suspended.Load()
}

// NewFtpServer creates a server bound to driver. Call Listen (or
// ListenAndServe) to start accepting connections.
func NewFtpServer(driver MainDriver) *FtpServer {
	return &FtpServer{
		driver:   driver,
		Logger:   noopLogger{},
		registry: NewRegistry(),
	}
}

func (server *FtpServer) loadSettings() error {
	settings, err := server.driver.GetSettings()
	if err != nil || settings == nil {
		return newDriverError("couldn't load settings", err)
	}

	if settings.PublicHost != "" {
		settings.PublicHost, err = parseIPv4(settings.PublicHost)
		if err != nil {
			return err
		}
	}

	if settings.Listener == nil && settings.ListenAddr == "" {
		settings.ListenAddr = "0.0.0.0:2121"
	}

	if settings.IdleTimeout == 0 {
		settings.IdleTimeout = 900
	}

	if settings.ConnectionTimeout == 0 {
		settings.ConnectionTimeout = 30
	}

	if settings.Banner == "" {
		settings.Banner = "ftpcore - Go FTP server"
	}

	server.settings = settings

	return nil
}

func parseIPv4(publicHost string) (string, error) {
	parsedIP := net.ParseIP(publicHost)
	if parsedIP == nil {
		return "", &ipValidationError{error: fmt.Sprintf("invalid passive IP %#v", publicHost)}
	}

	parsedIP = parsedIP.To4()
	if parsedIP == nil {
		return "", &ipValidationError{error: fmt.Sprintf("invalid IPv4 passive IP %#v", publicHost)}
	}

	return parsedIP.String(), nil
}

// Listen loads settings from the driver and binds the listening socket.
// It is not a blocking call.
func (server *FtpServer) Listen() error {
	if err := server.loadSettings(); err != nil {
		return fmt.Errorf("could not load settings: %w", err)
	}

	if server.settings.Listener != nil {
		server.listener = server.settings.Listener
	} else {
		listener, err := net.Listen("tcp", server.settings.ListenAddr)
		if err != nil {
			server.Logger.Error("cannot listen on main port", err, "listenAddr", server.settings.ListenAddr)

			return newNetworkError("cannot listen on main port", err)
		}

		server.listener = listener
	}

	server.connector = NewDataConnector(server.settings.PassiveTransferPortRange, server.Logger.With("component", "connector"))
	server.executor = NewExecutor(server.settings.WorkerPoolSize)

	server.Logger.Info("Listening...", "address", server.listener.Addr())

	return nil
}

func temporaryError(err net.Error) bool {
	if syscallErrNo := new(syscall.Errno); errors.As(err, syscallErrNo) {
		if *syscallErrNo == syscall.ECONNABORTED || *syscallErrNo == syscall.ECONNRESET {
			return true
		}
	}

	return false
}

// Serve accepts and processes incoming connections until the listener is
// closed. It blocks; run it in its own goroutine.
func (server *FtpServer) Serve() error {
	var tempDelay time.Duration

	for {
		conn, err := server.listener.Accept()
		if err != nil {
			if stop, finalErr := server.handleAcceptError(err, &tempDelay); stop {
				return finalErr
			}

			continue
		}

		tempDelay = 0

		server.clientArrival(conn)
	}
}

func (server *FtpServer) handleAcceptError(err error, tempDelay *time.Duration) (bool, error) {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err.Error() == "use of closed network connection" {
		server.listener = nil

		return true, nil
	}

	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || temporaryError(ne)) {
		if *tempDelay == 0 {
			*tempDelay = 5 * time.Millisecond
		} else {
			*tempDelay *= 2
		}

		if max := 1 * time.Second; *tempDelay > max {
			*tempDelay = max
		}

		server.Logger.Warn("accept error, retrying", "err", err, "retryDelay", *tempDelay)
		time.Sleep(*tempDelay)

		return false, nil
	}

	server.Logger.Error("listener accept error", err)

	return true, newNetworkError("listener accept error", err)
}

// ListenAndServe chains Listen and Serve.
func (server *FtpServer) ListenAndServe() error {
	if err := server.Listen(); err != nil {
		return err
	}

	server.Logger.Info("Starting...")

	return server.Serve()
}

// Addr reports the listening address, or "" if not currently listening.
func (server *FtpServer) Addr() string {
	if server.listener != nil {
		return server.listener.Addr().String()
	}

	return ""
}

// Stop closes the listener. In-flight control connections are left to
// finish; it is the caller's responsibility to wait on them if a clean
// shutdown is required.
func (server *FtpServer) Stop() error {
	if server.listener == nil {
		return ErrNotListening
	}

	if err := server.listener.Close(); err != nil {
		server.Logger.Warn("could not close listener", "err", err)

		return newNetworkError("couldn't close listener", err)
	}

	server.executor.Stop()

	return nil
}

// SessionCount returns the number of currently connected sessions,
// exposed for monitoring.
func (server *FtpServer) SessionCount() int {
	return server.registry.Count()
}

func (server *FtpServer) clientArrival(conn net.Conn) {
	id := atomic.AddUint64(&server.clientCounter, 1)

	cc := newControlConnection(server, conn, id)
	server.registry.Add(cc.session)

	go cc.Serve()
}

func (server *FtpServer) clientDeparture(cc *ControlConnection) {
	server.registry.Remove(cc.session.ID)
	server.connector.Cancel(cc.session)
}

// noopLogger is the zero-value Logger: it drops everything. A driver
// that wants real output installs its own go-kit-backed Logger via
// FtpServer.Logger before calling Listen.
type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})        {}
func (noopLogger) Info(string, ...interface{})         {}
func (noopLogger) Warn(string, ...interface{})         {}
func (noopLogger) Error(string, error, ...interface{}) {}
func (n noopLogger) With(...interface{}) log.Logger    { return n }
