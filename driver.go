// Package ftpcore implements the control/data connection engine of an FTP
// server: the command loop, the transfer lifecycle, and the per-session
// protocol state machine. Filesystem access, user authentication, data
// filters, logging and configuration are all pluggable collaborators
// consumed through the interfaces in this file.
package ftpcore

import (
	"io"
	"net"
	"os"

	"github.com/spf13/afero"
)

// MainDriver selects and authenticates the ClientDriver used for a session
// and supplies the server-wide settings.
type MainDriver interface {
	// GetSettings returns the general settings for the server setup.
	GetSettings() (*Settings, error)

	// ClientConnected is called right after accept, to produce the welcome
	// message (or refuse the connection by returning an error).
	ClientConnected(cc ClientContext) (string, error)

	// ClientDisconnected is called when the control connection closes,
	// even if the client never authenticated.
	ClientDisconnected(cc ClientContext)

	// AuthUser authenticates user/pass and selects the filesystem driver
	// for the rest of the session.
	AuthUser(cc ClientContext, user, pass string) (ClientDriver, error)
}

// ClientDriver is the per-session filesystem implementation.
type ClientDriver interface {
	afero.Fs
}

// ClientDriverExtensionAllocate supports the ALLO command.
type ClientDriverExtensionAllocate interface {
	AllocateSpace(size int) error
}

// ClientDriverExtensionSymlink supports SITE SYMLINK.
type ClientDriverExtensionSymlink interface {
	Symlink(oldname, newname string) error
}

// ClientDriverExtensionFileList lets a driver return a directory listing
// without implementing Open/Readdir on a custom afero.File.
type ClientDriverExtensionFileList interface {
	ReadDir(name string) ([]os.FileInfo, error)
}

// ClientDriverExtentionFileTransfer lets a driver hand out file handles
// directly, bypassing Create/Open/OpenFile, e.g. to apply its own offset
// or buffering strategy. offset is the REST marker, or 0.
type ClientDriverExtentionFileTransfer interface {
	GetHandle(name string, flags int, offset int64) (FileTransfer, error)
}

// ClientDriverExtensionRemoveDir distinguishes DELE (file) from RMD
// (directory) when the underlying Fs can't.
type ClientDriverExtensionRemoveDir interface {
	RemoveDir(name string) error
}

// ClientDriverExtensionHasher lets a driver compute HASH/XSHA1/... digests
// itself, e.g. from a precomputed index. Only consulted when
// Settings.EnableHASH is set.
type ClientDriverExtensionHasher interface {
	ComputeHash(name string, algo HASHAlgo, startOffset, endOffset int64) (string, error)
}

// ClientDriverExtensionAvailableSpace supports the AVBL command.
type ClientDriverExtensionAvailableSpace interface {
	GetAvailableSpace(dirName string) (int64, error)
}

// ClientDriverExtensionUnique supports STOU with a stricter contract than
// "pass the parent directory and hope the driver notices": the driver
// chooses the final name itself.
type ClientDriverExtensionUnique interface {
	CreateUnique(parent string) (afero.File, string, error)
}

// UserStore authenticates users and optionally resolves a home directory.
// Guest/anonymous handling lives in the session layer (handle_auth.go); a
// UserStore only has to know about real accounts.
type UserStore interface {
	// Login reports whether user/pass is a valid pair.
	Login(user, pass string) (bool, error)

	// HomeDir returns the path new sessions for this user should start in.
	// An empty string means "root".
	HomeDir(user string) (string, error)
}

// DataFilter wraps a transfer channel to transform the byte stream, e.g.
// ASCII<->CRLF translation or compression. ModifiesLength must be true if
// the filter can change the number of bytes on the wire relative to the
// underlying file, which disables REST/APPE/SIZE.
type DataFilter interface {
	WrapReader(r io.Reader, s *Session) io.Reader
	WrapWriter(w io.Writer, s *Session) io.Writer
	ModifiesLength(s *Session) bool
}

// FileTransfer is what a ClientDriver hands back for RETR/STOR/APPE/STOU.
type FileTransfer interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// FileTransferError lets a FileTransfer be notified that its transfer
// failed, e.g. so a driver can discard a partially written temp file.
type FileTransferError interface {
	TransferError(err error)
}

// ClientContext exposes read-only/introspection access to a session for
// driver and filter implementations, without handing out the full Session.
type ClientContext interface {
	Path() string
	SetDebug(debug bool)
	Debug() bool
	ID() uint64
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	GetClientVersion() string
	Close() error
	GetLastCommand() string
}

// PortRange is an inclusive range of TCP ports to use for passive mode.
type PortRange struct {
	Start int
	End   int
}

// PublicIPResolver resolves the IP to advertise in PASV/EPSV responses.
type PublicIPResolver func(ClientContext) (string, error)

// Settings holds the server-wide, immutable-after-boot configuration.
//
//nolint:maligned
type Settings struct {
	Listener                 net.Listener     // optional pre-built listener
	ListenAddr               string           // e.g. "0.0.0.0:2121"
	PublicHost               string           // public IP advertised in PASV; resolved if empty
	PublicIPResolver         PublicIPResolver // optional PublicHost resolver
	PassiveTransferPortRange *PortRange       // PASV port pool; random OS-assigned port if nil
	ActiveTransferPortNon20  bool             // skip binding the dialer to port 20 for PORT/EPRT (RFC 1579)
	IdleTimeout              int              // seconds of control-connection inactivity before closing
	ConnectionTimeout        int              // seconds to wait for a data connection to establish
	WorkerPoolSize           int              // Executor worker count; 0 picks a default
	Guest                    bool             // allow anonymous login with an email as password
	Homedir                  string           // root directory handed to ClientDriver implementations that need one
	DisableMLSD              bool
	DisableMLST              bool
	DisableMFMT              bool
	DisableLISTArgs          bool
	DisableSite              bool
	DisableActiveMode        bool
	DisableSTAT              bool
	DisableSYST              bool
	EnableHASH               bool
	EnableCOMB               bool
	Banner                   string
	DefaultTransferType      TransferType
}
