package ftpcore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianftp/ftpcore/log"
)

// HASHAlgo enumerates the digest algorithms the HASH family of commands
// can compute.
type HASHAlgo int

// Supported hash algorithms.
const (
	HASHAlgoCRC32 HASHAlgo = iota
	HASHAlgoMD5
	HASHAlgoSHA1
	HASHAlgoSHA256
	HASHAlgoSHA512
)

func hashMapping() map[string]HASHAlgo {
	return map[string]HASHAlgo{
		"CRC32":   HASHAlgoCRC32,
		"MD5":     HASHAlgoMD5,
		"SHA-1":   HASHAlgoSHA1,
		"SHA-256": HASHAlgoSHA256,
		"SHA-512": HASHAlgoSHA512,
	}
}

func hashName(algo HASHAlgo) string {
	for k, v := range hashMapping() {
		if v == algo {
			return k
		}
	}

	return ""
}

const maxCommandLineLength = 8 * 1024

var (
	errNoTransferConnection = errors.New("unable to open transfer: no data connection")
	errLineTooLong          = errors.New("command line too long")
)

// ControlConnection is the per-client state machine: it owns the Session
// exclusively, reads the command stream, dispatches
// each verb through the command table, and coordinates the single
// DataConnection a transfer-related command may open. Grounded on the
// teacher's clientHandler, restructured around explicit Reply/Session
// types instead of writeMessage(code, string) and bare struct fields.
//
//nolint:maligned
type ControlConnection struct {
	id       uint64
	server   *FtpServer
	conn     net.Conn
	writer   *bufio.Writer
	writerMu sync.Mutex
	reader   *bufio.Reader
	logger   log.Logger

	session *Session

	selectedHashAlgo HASHAlgo

	// transferWg ensures only one non-interrupt command is in flight at a
	// time; Interrupt commands (ABOR, STAT, QUIT) skip the wait.
	transferWg sync.WaitGroup

	transferMu       sync.Mutex
	transfer         *DataConnection
	transferResultCh chan transferResult

	// transferActive counts in-flight TransferRelated commands, so the
	// idle timeout can be suspended while a data transfer is running and
	// the client has nothing left to say on the control channel.
	transferActive int32
}

func newControlConnection(server *FtpServer, conn net.Conn, id uint64) *ControlConnection {
	session := NewSession(id, conn.RemoteAddr(), server.settings.DefaultTransferType)

	return &ControlConnection{
		id:               id,
		server:           server,
		conn:             conn,
		writer:           bufio.NewWriter(conn),
		reader:           bufio.NewReaderSize(conn, maxCommandLineLength),
		logger:           server.Logger.With("clientId", id),
		session:          session,
		selectedHashAlgo: HASHAlgoSHA256,
		transferResultCh: make(chan transferResult, 1),
	}
}

func (cc *ControlConnection) disconnect() {
	if err := cc.conn.Close(); err != nil {
		cc.logger.Warn("problem disconnecting a client", "err", err)
	}
}

func (cc *ControlConnection) end() {
	cc.server.driver.ClientDisconnected(cc)
	cc.server.clientDeparture(cc)

	cc.transferMu.Lock()
	defer cc.transferMu.Unlock()

	if cc.transfer != nil {
		cc.transfer.Abort()
		cc.transfer = nil
	}
}

// Close aborts any in-flight transfer and closes the control socket. Safe
// to call from any goroutine (ABOR/QUIT path).
func (cc *ControlConnection) Close() error {
	cc.transferMu.Lock()
	if cc.transfer != nil {
		cc.transfer.Abort()
	}
	cc.transferMu.Unlock()

	return cc.conn.Close()
}

// Path, SetDebug, Debug, ID, RemoteAddr, LocalAddr, GetClientVersion and
// GetLastCommand implement ClientContext by delegating to Session, which
// is the sole owner of this state (single-writer discipline).
func (cc *ControlConnection) Path() string               { return cc.session.Path() }
func (cc *ControlConnection) SetDebug(v bool)             { cc.session.SetDebug(v) }
func (cc *ControlConnection) Debug() bool                 { return cc.session.Debug() }
func (cc *ControlConnection) ID() uint64                  { return cc.session.ID }
func (cc *ControlConnection) RemoteAddr() net.Addr        { return cc.conn.RemoteAddr() }
func (cc *ControlConnection) LocalAddr() net.Addr         { return cc.conn.LocalAddr() }
func (cc *ControlConnection) GetLastCommand() string      { return cc.session.GetLastCommand() }
func (cc *ControlConnection) GetClientVersion() string {
	v, _ := cc.session.Attr("clientVersion")
	s, _ := v.(string)

	return s
}

// Serve reads and dispatches the command stream until the connection is
// closed. Call it from its own goroutine.
func (cc *ControlConnection) Serve() {
	defer cc.end()

	if cc.server.IsSuspended() {
		cc.writeReply(NewReply(StatusServiceNotAvailable, "Service not available, closing control connection"))
		cc.disconnect()

		return
	}

	msg, err := cc.server.driver.ClientConnected(cc)
	if err != nil {
		cc.writeReply(NewReply(StatusSyntaxErrorNotRecognised, msg))

		return
	}

	cc.writeReply(NewReply(StatusServiceReady, msg))

	for {
		if cc.server.settings.IdleTimeout > 0 {
			deadline := time.Now().Add(time.Duration(cc.server.settings.IdleTimeout) * time.Second)
			if err := cc.conn.SetDeadline(deadline); err != nil {
				cc.logger.Error("network error", err)
			}
		}

		raw, err := cc.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			cc.writeReply(NewReply(StatusSyntaxErrorNotRecognised, errLineTooLong.Error()))
			cc.disconnect()

			return
		}

		if err != nil {
			if cc.handleStreamError(err) {
				return
			}

			continue
		}

		line := string(raw)

		if cc.session.Debug() {
			cc.logger.Debug("received line", "line", line)
		}

		cc.dispatch(line)
	}
}

// handleStreamError reacts to a control-line read failure and reports whether the
// control connection must be torn down. A read timeout while a transfer
// is active just means the client has nothing to say on the control
// channel right now; the deadline is renewed and the loop keeps going.
func (cc *ControlConnection) handleStreamError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if atomic.LoadInt32(&cc.transferActive) > 0 {
			cc.logger.Debug("idle timeout while a transfer is active, renewing deadline")

			return false
		}

		if err := cc.conn.SetDeadline(time.Now().Add(time.Minute)); err != nil {
			cc.logger.Error("could not set read deadline", err)
		}

		cc.logger.Info("client idle timeout", "err", err)
		cc.writeReply(NewReply(StatusServiceNotAvailable,
			fmt.Sprintf("command timeout (%d seconds): closing control connection", cc.server.settings.IdleTimeout)))

		if err := cc.conn.Close(); err != nil {
			cc.logger.Error("close error", err)
		}

		return true
	}

	if errors.Is(err, io.EOF) {
		if cc.session.Debug() {
			cc.logger.Debug("client disconnected", "clean", false)
		}

		return true
	}

	cc.logger.Error("read error", err)

	return true
}

func (cc *ControlConnection) dispatch(line string) {
	verb, param := parseLine(line)
	verb = strings.ToUpper(verb)

	desc, verb := lookupCommand(verb)
	if desc == nil {
		cc.session.setLastCommand(verb)
		cc.writeReply(NewReply(StatusNotImplementedForParameter, fmt.Sprintf("Unknown command %#v", verb)))

		return
	}

	if !cc.session.LoggedIn && !desc.Open {
		cc.writeReply(NewReply(StatusNotLoggedIn, "Please login with USER and PASS"))

		return
	}

	// Only STAT with a pathname argument behaves like a normal blocking
	// command (it may need to list a directory); bare STAT is a true
	// Interrupt and must never wait behind a transfer.
	if !desc.Interrupt || (verb == "STAT" && param != "") {
		cc.transferWg.Wait()
	}

	cc.session.setLastCommand(verb)

	if desc.TransferRelated {
		cc.transferWg.Add(1)
		atomic.AddInt32(&cc.transferActive, 1)

		go func() {
			defer cc.transferWg.Done()
			defer atomic.AddInt32(&cc.transferActive, -1)

			cc.server.executor.Run(func() {
				cc.execute(desc, param)
			})
		}()
	} else {
		cc.execute(desc, param)
	}
}

func (cc *ControlConnection) execute(desc *commandDescription, param string) {
	defer func() {
		if r := recover(); r != nil {
			cc.writeReply(NewReply(StatusSyntaxErrorNotRecognised, fmt.Sprintf("Unhandled internal error: %v", r)))
			cc.logger.Warn("internal command handling error", "err", r, "command", cc.session.GetLastCommand())
		}
	}()

	if reply := desc.Fn(cc, param); reply != nil && !reply.Noop {
		cc.writeReply(reply)
	}
}

// writeReply serializes and sends reply. It is called from both the
// read-loop goroutine (non-transfer commands, and Interrupt commands such
// as ABOR/STAT/QUIT which run inline while a transfer is in flight) and
// the transfer goroutine (the final reply once runTransfer unblocks), so
// the underlying bufio.Writer is guarded by writerMu to keep the two
// replies from interleaving on the wire.
func (cc *ControlConnection) writeReply(reply *Reply) {
	cc.writerMu.Lock()
	defer cc.writerMu.Unlock()

	for r := reply; r != nil; r = r.Next {
		if r.Noop {
			continue
		}

		data := r.Serialize()

		if cc.session.Debug() {
			cc.logger.Debug("sending answer", "line", strings.TrimRight(string(data), "\r\n"))
		}

		if _, err := cc.writer.Write(data); err != nil {
			cc.logger.Warn("answer couldn't be sent", "err", err)
		}
	}

	if err := cc.writer.Flush(); err != nil {
		cc.logger.Warn("couldn't flush reply", "err", err)
	}
}

// runTransfer arms the session's pipe (set by the caller before
// invoking this) and runs a DataConnection against the already-open data
// socket. It sends the preliminary 150, unblocks the DataConnection via
// readyCh only once that reply has been flushed (the 150-before-226 fix),
// then blocks for the terminal result and returns the final Reply.
func (cc *ControlConnection) runTransfer(conn net.Conn, mode transferMode) *Reply {
	readyCh := make(chan struct{})

	cc.transferMu.Lock()
	d := newDataConnection(cc.session, conn, mode, cc.server.registry, cc.logger, readyCh, cc.transferResultCh)
	cc.transfer = d
	cc.transferMu.Unlock()

	go d.Run()

	cc.writeReply(NewReply(StatusFileStatusOK, "Opening data connection"))
	close(readyCh)

	result := <-cc.transferResultCh

	cc.transferMu.Lock()
	cc.transfer = nil
	cc.transferMu.Unlock()

	cc.session.clearTransferChannel()

	switch result.report {
	case reportAborted:
		return NewReply(StatusTransferAborted, "Transfer aborted")
	case reportFailed:
		return NewReply(StatusActionAborted, fmt.Sprintf("Error during transfer: %v", result.err))
	default:
		return NewReply(StatusClosingDataConn, fmt.Sprintf("Closing data connection, sent %d bytes", result.bytes))
	}
}

// openDataConnection dials or accepts the data socket armed by a prior
// PASV/EPSV/PORT/EPRT.
func (cc *ControlConnection) openDataConnection() (net.Conn, error) {
	switch cc.session.openerKind {
	case openerPASV:
		res := cc.session.pasvReserved
		if res == nil {
			return nil, ErrPasvUnavailable
		}

		timeout := time.Duration(cc.server.settings.ConnectionTimeout) * time.Second

		conn, err := res.Open(timeout)
		cc.server.connector.Release(cc.session)
		cc.session.pasvReserved = nil

		if err != nil {
			return nil, fmt.Errorf("could not accept passive connection: %w", err)
		}

		return conn, nil
	case openerPORT:
		if cc.session.dataEndpoint == nil {
			return nil, errNoTransferConnection
		}

		return dialActive(cc.session.dataEndpoint, cc.server.settings)
	default:
		return nil, errNoTransferConnection
	}
}
