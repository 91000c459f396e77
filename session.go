package ftpcore

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TransferType is the data representation type negotiated with TYPE.
type TransferType int

// Supported transfer types (stream mode, file structure only; see spec
// Non-goals).
const (
	TransferTypeBinary TransferType = iota
	TransferTypeASCII
)

func (t TransferType) String() string {
	if t == TransferTypeASCII {
		return "A"
	}

	return "I"
}

// dataOpenerKind says which side of the data connection is expected to
// listen: nobody yet, the server (PASV/EPSV) or the client (PORT/EPRT).
type dataOpenerKind int

const (
	openerNone dataOpenerKind = iota
	openerPASV
	openerPORT
)

// transferMode is set by whichever command armed the pending data
// transfer, and read by the DataConnection to decide which direction to
// pump bytes.
type transferMode int

const (
	transferNone transferMode = iota
	transferRetr
	transferStor
	transferStou
	transferList
)

// Session is the per-control-connection mutable state described in spec
// §3. It is exclusively owned and mutated by its ControlConnection's
// goroutine; every other component (Executor workers, DataConnection,
// DataConnector) reaches it only through the narrow, mutex-guarded
// accessors below or by posting a message back to the owning
// ControlConnection. This single-writer discipline is what lets the rest
// of the engine treat Session as a plain struct instead of an actor.
type Session struct {
	ID        uint64
	Remote    net.Addr
	CreatedAt time.Time

	Username string
	Password string
	LoggedIn bool
	Guest    bool

	Driver ClientDriver // set once AuthUser succeeds

	CurrentDir string

	DataType      TransferType
	DataMode      byte // always 'S' (stream), kept explicit for STRU/MODE replies
	DataStructure byte // always 'F' (file)

	openerKind   dataOpenerKind
	dataEndpoint *net.TCPAddr // PORT/EPRT target
	pasvReserved *pasvReservation

	transferMode   transferMode
	transferReader PipeReader
	transferWriter PipeWriter
	transferName   string
	dataMarker     int64
	renameFrom     string

	// poisoned is set by QUIT: the control connection closes as soon as
	// any in-flight transfer finishes instead of being torn down mid-byte.
	poisoned bool

	uploadedBytes   uint64
	downloadedBytes uint64

	attrMu     sync.RWMutex
	attributes map[string]interface{}

	// mu guards the handful of fields that other goroutines legitimately
	// read concurrently for introspection (ClientContext-style access).
	mu      sync.RWMutex
	path    string
	debug   bool
	lastCmd string
}

// PipeReader is the "Readable" half of a data transfer channel: a
// source a DataConnection pumps bytes out of towards the client (RETR,
// LIST, NLST, MLSD).
type PipeReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// PipeWriter is the "Writable" half: a sink a DataConnection pumps bytes
// into from the client (STOR, APPE, STOU).
type PipeWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

// NewSession constructs a session for a freshly accepted control
// connection. login() is called later, once USER/PASS (or guest) succeeds.
func NewSession(id uint64, remote net.Addr, defaultType TransferType) *Session {
	return &Session{
		ID:            id,
		Remote:        remote,
		CreatedAt:     time.Now().UTC(),
		DataType:      defaultType,
		DataMode:      'S',
		DataStructure: 'F',
		CurrentDir:    "/",
		attributes:    make(map[string]interface{}),
	}
}

// login marks the session authenticated and resolves CurrentDir to home.
func (s *Session) login(user, pass, home string) {
	s.Username = user
	s.Password = pass
	s.LoggedIn = true

	if home == "" {
		home = "/"
	}

	s.CurrentDir = home
}

// Path returns the current working directory. Safe for concurrent use.
func (s *Session) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.path == "" {
		return s.CurrentDir
	}

	return s.path
}

// SetPath updates the current working directory.
func (s *Session) SetPath(p string) {
	s.mu.Lock()
	s.path = p
	s.CurrentDir = p
	s.mu.Unlock()
}

// Debug reports whether verbose per-command logging is enabled.
func (s *Session) Debug() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.debug
}

// SetDebug toggles verbose per-command logging.
func (s *Session) SetDebug(v bool) {
	s.mu.Lock()
	s.debug = v
	s.mu.Unlock()
}

// GetLastCommand returns the most recently dispatched verb.
func (s *Session) GetLastCommand() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastCmd
}

func (s *Session) setLastCommand(cmd string) {
	s.mu.Lock()
	s.lastCmd = cmd
	s.mu.Unlock()
}

// Attr reads an ad-hoc session attribute (e.g. the CLNT string).
func (s *Session) Attr(key string) (interface{}, bool) {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()

	v, ok := s.attributes[key]

	return v, ok
}

// SetAttr stores an ad-hoc session attribute.
func (s *Session) SetAttr(key string, value interface{}) {
	s.attrMu.Lock()
	s.attributes[key] = value
	s.attrMu.Unlock()
}

// UploadedBytes returns the cumulative bytes received (STOR/STOU/APPE) on
// this session.
func (s *Session) UploadedBytes() uint64 {
	return atomic.LoadUint64(&s.uploadedBytes)
}

// DownloadedBytes returns the cumulative bytes sent (RETR/LIST/NLST/MLSD)
// on this session.
func (s *Session) DownloadedBytes() uint64 {
	return atomic.LoadUint64(&s.downloadedBytes)
}

func (s *Session) addUploaded(n uint64) {
	atomic.AddUint64(&s.uploadedBytes, n)
}

func (s *Session) addDownloaded(n uint64) {
	atomic.AddUint64(&s.downloadedBytes, n)
}

func (s *Session) clearTransferChannel() {
	s.transferMode = transferNone
	s.transferReader = nil
	s.transferWriter = nil
	s.transferName = ""
}

// Registry is the process-wide index of live sessions and the global
// byte-counter aggregate. It is grounded on the MetricsCollector counting
// shape from gonzalop/ftp's server/metrics.go, narrowed to the two
// cross-session counters callers actually need.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*Session

	uploadedBytes   uint64
	downloadedBytes uint64
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

// Add registers a newly accepted session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Remove drops a session when its control connection closes.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Snapshot returns a read-only copy of the currently live sessions.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}

	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// AddUploaded bumps the global uploaded-bytes counter. Only ever called by
// the DataConnection that owns the transfer.
func (r *Registry) AddUploaded(n uint64) {
	atomic.AddUint64(&r.uploadedBytes, n)
}

// AddDownloaded bumps the global downloaded-bytes counter.
func (r *Registry) AddDownloaded(n uint64) {
	atomic.AddUint64(&r.downloadedBytes, n)
}

// TotalUploadedBytes returns the cross-session aggregate.
func (r *Registry) TotalUploadedBytes() uint64 {
	return atomic.LoadUint64(&r.uploadedBytes)
}

// TotalDownloadedBytes returns the cross-session aggregate.
func (r *Registry) TotalDownloadedBytes() uint64 {
	return atomic.LoadUint64(&r.downloadedBytes)
}
