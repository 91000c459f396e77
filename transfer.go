package ftpcore

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/meridianftp/ftpcore/log"
)

// transferReport is the terminal state a DataConnection reports back to
// its ControlConnection.
type transferReport int

const (
	reportSuccess transferReport = iota
	reportFailed
	reportAborted
)

// transferResult is delivered exactly once per DataConnection, on the
// ControlConnection's transferResultCh.
type transferResult struct {
	report transferReport
	err    error
	bytes  uint64
	mode   transferMode
	name   string
}

// pumpBufferSize is the bounded buffer used to relay bytes towards the
// client.
const pumpBufferSize = 8 * 1024

// DataConnection drives one transfer: it pumps bytes between the socket
// and the session's armed transfer channel, in the direction dictated by
// the transfer mode, then reports Success/Failed/Aborted and stops.
//
// readyCh is the ordering fix for the "150-before-226 race": the
// owning ControlConnection closes it only once the preliminary 150 reply
// has been handed to the OS, and Run blocks on it before touching the
// channel, so the eventual Success/Failed/Aborted report can never
// overtake the 150 on the wire.
type DataConnection struct {
	session  *Session
	conn     net.Conn
	mode     transferMode
	registry *Registry
	logger   log.Logger
	readyCh  <-chan struct{}
	resultCh chan<- transferResult

	abortOnce sync.Once
	abortCh   chan struct{}
}

func newDataConnection(
	session *Session,
	conn net.Conn,
	mode transferMode,
	registry *Registry,
	logger log.Logger,
	readyCh <-chan struct{},
	resultCh chan<- transferResult,
) *DataConnection {
	return &DataConnection{
		session:  session,
		conn:     conn,
		mode:     mode,
		registry: registry,
		logger:   logger,
		readyCh:  readyCh,
		resultCh: resultCh,
		abortCh:  make(chan struct{}),
	}
}

// Abort cancels the transfer in progress: the pump loop's next Read/Write
// will fail, and Run will report Aborted instead of Failed.
func (d *DataConnection) Abort() {
	d.abortOnce.Do(func() {
		close(d.abortCh)
	})

	if err := d.conn.Close(); err != nil {
		d.logger.Debug("abort: close data socket", "err", err)
	}
}

func (d *DataConnection) isAborted() bool {
	select {
	case <-d.abortCh:
		return true
	default:
		return false
	}
}

// Run executes the transfer. It must be called from its own goroutine; it
// blocks until the transfer is complete and the result has been reported.
func (d *DataConnection) Run() {
	<-d.readyCh

	var (
		n   uint64
		err error
	)

	switch d.mode {
	case transferStor, transferStou:
		n, err = d.pumpFromClient()
	default:
		n, err = d.pumpToClient()
	}

	if closeErr := d.conn.Close(); err == nil {
		err = closeErr
	}

	report := reportSuccess

	switch {
	case d.isAborted():
		report = reportAborted
	case err != nil:
		report = reportFailed
	}

	d.resultCh <- transferResult{report: report, err: err, bytes: n, mode: d.mode, name: d.session.transferName}
}

func (d *DataConnection) pumpFromClient() (uint64, error) {
	sink := d.session.transferWriter
	if sink == nil {
		return 0, errNoTransferConnection
	}

	defer func() {
		if err := sink.Close(); err != nil {
			d.logger.Warn("close upload sink", "err", err)
		}
	}()

	counter := &byteCounter{}
	written, err := io.Copy(sink, io.TeeReader(d.conn, counter))

	if err != nil && errors.Is(err, io.EOF) {
		err = nil
	}

	d.session.addUploaded(counter.n)
	d.registry.AddUploaded(counter.n)

	return uint64(written), err
}

func (d *DataConnection) pumpToClient() (uint64, error) {
	source := d.session.transferReader
	if source == nil {
		return 0, errNoTransferConnection
	}

	defer func() {
		if err := source.Close(); err != nil {
			d.logger.Warn("close download source", "err", err)
		}
	}()

	buf := make([]byte, pumpBufferSize)

	written, err := io.CopyBuffer(d.conn, source, buf)
	if err != nil && errors.Is(err, io.EOF) {
		err = nil
	}

	d.session.addDownloaded(uint64(written))
	d.registry.AddDownloaded(uint64(written))

	return uint64(written), err
}

// byteCounter tees a stream to count bytes without buffering them.
type byteCounter struct {
	n uint64
}

func (b *byteCounter) Write(p []byte) (int, error) {
	b.n += uint64(len(p))

	return len(p), nil
}

// nopReadCloser adapts an io.Reader (e.g. a bytes.Reader built from a
// rendered LIST/MLSD listing) to PipeReader.
type nopReadCloser struct {
	io.Reader
}

func (nopReadCloser) Close() error { return nil }

func newPipeReader(r io.Reader) PipeReader {
	return nopReadCloser{Reader: r}
}
