// Package drivers provides a reference MainDriver/ClientDriver
// implementation backed by afero, suitable for running ftpcore against a
// real directory tree or purely in memory for tests and demos.
package drivers

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/meridianftp/ftpcore"
	"github.com/meridianftp/ftpcore/log"
)

// Account is a single user/password/home-directory triple, grounded on the
// teacher's sample driver Account type.
type Account struct {
	User string
	Pass string
	Dir  string // relative to BaseDir; created on first successful login
}

// FsDriver is a MainDriver that authenticates against a fixed Account list
// and hands each session an afero.Fs rooted at BaseDir+Account.Dir.
type FsDriver struct {
	Logger         log.Logger
	Settings       *ftpcore.Settings
	Accounts       []Account
	BaseDir        string // root directory; afero.NewOsFs() rooted here unless InMemory
	InMemory       bool   // use afero.NewMemMapFs() instead of the OS filesystem
	MaxConnections int32

	memFs     afero.Fs // shared MemMapFs instance, built lazily
	nbClients int32
}

var errTooManyClients = fmt.Errorf("too many clients connected")

// GetSettings returns the driver's preconfigured Settings.
func (d *FsDriver) GetSettings() (*ftpcore.Settings, error) {
	if d.Settings == nil {
		return nil, fmt.Errorf("no settings configured")
	}

	return d.Settings, nil
}

// ClientConnected enforces MaxConnections and produces the welcome banner.
func (d *FsDriver) ClientConnected(cc ftpcore.ClientContext) (string, error) {
	if d.MaxConnections > 0 {
		if n := atomic.AddInt32(&d.nbClients, 1); n > d.MaxConnections {
			atomic.AddInt32(&d.nbClients, -1)

			return "", errTooManyClients
		}
	}

	return fmt.Sprintf("ftpcore ready, your session ID is %d", cc.ID()), nil
}

// ClientDisconnected releases the connection slot taken in ClientConnected.
func (d *FsDriver) ClientDisconnected(ftpcore.ClientContext) {
	if d.MaxConnections > 0 {
		atomic.AddInt32(&d.nbClients, -1)
	}
}

// AuthUser checks user/pass against Accounts and, on success, returns a
// ClientDriver rooted at that account's home directory. "anonymous" is
// handled separately when Settings.Guest is enabled: the core already
// validated the password looks like an email before calling AuthUser, so
// any such login is accepted and rooted at a dedicated anonymous
// directory instead of requiring an Accounts entry.
func (d *FsDriver) AuthUser(_ ftpcore.ClientContext, user, pass string) (ftpcore.ClientDriver, error) {
	if user == "anonymous" && d.Settings != nil && d.Settings.Guest {
		base, err := d.accountFs(Account{User: "anonymous", Dir: "anonymous"})
		if err != nil {
			return nil, err
		}

		return &clientDriver{Fs: base}, nil
	}

	for _, acc := range d.Accounts {
		if acc.User != user || acc.Pass != pass {
			continue
		}

		base, err := d.accountFs(acc)
		if err != nil {
			return nil, err
		}

		return &clientDriver{Fs: base}, nil
	}

	return nil, fmt.Errorf("could not authenticate user %q", user)
}

// Login implements ftpcore.UserStore for drivers that want username/
// password checking decoupled from filesystem selection.
func (d *FsDriver) Login(user, pass string) (bool, error) {
	for _, acc := range d.Accounts {
		if acc.User == user && acc.Pass == pass {
			return true, nil
		}
	}

	return false, nil
}

// HomeDir implements ftpcore.UserStore.
func (d *FsDriver) HomeDir(user string) (string, error) {
	for _, acc := range d.Accounts {
		if acc.User == user {
			return "/", nil
		}
	}

	return "", fmt.Errorf("unknown user %q", user)
}

func (d *FsDriver) accountFs(acc Account) (afero.Fs, error) {
	if d.InMemory {
		if d.memFs == nil {
			d.memFs = afero.NewMemMapFs()
		}

		dir := path.Clean("/" + acc.Dir)
		if err := d.memFs.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}

		return afero.NewBasePathFs(d.memFs, dir), nil
	}

	dir := path.Join(d.BaseDir, acc.Dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("could not create home directory %q: %w", dir, err)
	}

	return afero.NewBasePathFs(afero.NewOsFs(), dir), nil
}

// clientDriver is the per-session ClientDriver: an afero.Fs plus the
// optional extension interfaces ftpcore knows how to probe for.
type clientDriver struct {
	afero.Fs

	quotaBytes int64 // 0 means unlimited
}

// AllocateSpace implements ftpcore.ClientDriverExtensionAllocate.
func (c *clientDriver) AllocateSpace(size int) error {
	if c.quotaBytes > 0 && int64(size) > c.quotaBytes {
		return fmt.Errorf("requested %d bytes exceeds quota of %d bytes", size, c.quotaBytes)
	}

	return nil
}

// Symlink implements ftpcore.ClientDriverExtensionSymlink when the
// underlying Fs supports it (afero.OsFs and afero.MemMapFs both do via
// afero.Linker).
func (c *clientDriver) Symlink(oldname, newname string) error {
	linker, ok := c.Fs.(afero.Linker)
	if !ok {
		return fmt.Errorf("underlying filesystem does not support symlinks")
	}

	return linker.SymlinkIfPossible(oldname, newname)
}

// CreateUnique implements ftpcore.ClientDriverExtensionUnique: it picks a
// name under parent that doesn't collide with an existing entry, avoiding
// the "pass the parent directory as a filename" smell a plain afero.Fs
// would otherwise force on STOU.
func (c *clientDriver) CreateUnique(parent string) (afero.File, string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		name := path.Join(parent, strconv.FormatInt(time.Now().UnixNano(), 36)+"-"+strconv.Itoa(attempt))

		f, err := c.Fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, nil
		}

		if !os.IsExist(err) {
			return nil, "", err
		}
	}

	return nil, "", fmt.Errorf("could not find a unique name under %q", parent)
}

// GetAvailableSpace implements ftpcore.ClientDriverExtensionAvailableSpace
// via a platform Statfs call; see diskspace_unix.go/diskspace_fallback.go.
func (c *clientDriver) GetAvailableSpace(dirName string) (int64, error) {
	if osFs, ok := underlyingOsPath(c.Fs, dirName); ok {
		return availableSpace(osFs)
	}

	return 0, fmt.Errorf("available space is not known for an in-memory filesystem")
}

// underlyingOsPath resolves dirName to a real filesystem path when fs is
// (or wraps) an afero.OsFs/BasePathFs, so GetAvailableSpace can Statfs it.
func underlyingOsPath(fs afero.Fs, dirName string) (string, bool) {
	type baser interface {
		RealPath(name string) (string, error)
	}

	if b, ok := fs.(baser); ok {
		real, err := b.RealPath(dirName)
		if err != nil {
			return "", false
		}

		return real, true
	}

	if fs.Name() == "OsFs" {
		return dirName, true
	}

	return "", false
}

// NewFsDriver builds an FsDriver from a list of "user:pass:dir" strings,
// the format the cmd/ftpserver config loader stores accounts in.
func NewFsDriver(baseDir string, inMemory bool, accountSpecs []string) (*FsDriver, error) {
	accounts := make([]Account, 0, len(accountSpecs))

	for _, spec := range accountSpecs {
		fields := strings.SplitN(spec, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid account spec %q, want user:pass:dir", spec)
		}

		accounts = append(accounts, Account{User: fields[0], Pass: fields[1], Dir: fields[2]})
	}

	return &FsDriver{BaseDir: baseDir, InMemory: inMemory, Accounts: accounts}, nil
}
