package ftpcore

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	gklog "github.com/go-kit/kit/log"
	"github.com/spf13/afero"

	"github.com/meridianftp/ftpcore/log/gokit"
)

const (
	authUser    = "test"
	authPass    = "test"
	authUserID  = 1000
	authGroupID = 500
)

// NewTestServer provides a test server with or without debugging.
func NewTestServer(t *testing.T, debug bool) *FtpServer {
	t.Helper()

	return NewTestServerWithDriver(t, &TestServerDriver{Debug: debug})
}

// NewTestServerWithDriver provides a server instantiated with some settings.
func NewTestServerWithDriver(t *testing.T, driver *TestServerDriver) *FtpServer {
	t.Helper()

	if driver.Settings == nil {
		driver.Settings = &Settings{}
	}

	if driver.Settings.ListenAddr == "" {
		driver.Settings.ListenAddr = "127.0.0.1:0"
	}

	dir, err := os.MkdirTemp("", "ftpcore")
	if err != nil {
		panic(err)
	}

	driver.fs = afero.NewBasePathFs(afero.NewOsFs(), dir)

	s := NewFtpServer(driver)

	if driver.Debug {
		s.Logger = gokit.NewGKLogger(gklog.NewLogfmtLogger(gklog.NewSyncWriter(os.Stdout))).With(
			"ts", gokit.GKDefaultTimestampUTC,
			"caller", gokit.GKDefaultCaller,
		)
	}

	t.Cleanup(func() { mustStopServer(s) })

	if err := s.Listen(); err != nil {
		panic(err)
	}

	go func() {
		if err := s.Serve(); err != nil && !errors.Is(err, io.EOF) {
			s.Logger.Error("problem serving", err)
		}
	}()

	return s
}

// TestServerDriver is a minimal MainDriver for tests.
type TestServerDriver struct {
	Debug bool

	Settings     *Settings
	FileOverride afero.File
	fs           afero.Fs
}

// TestClientDriver is a minimal ClientDriver for tests.
type TestClientDriver struct {
	FileOverride afero.File
	afero.Fs
}

// NewTestClientDriver creates a client driver rooted at server's fs.
func NewTestClientDriver(server *TestServerDriver) *TestClientDriver {
	return &TestClientDriver{Fs: server.fs}
}

func mustStopServer(server *FtpServer) {
	if err := server.Stop(); err != nil {
		panic(err)
	}
}

// ClientConnected is the very first message people will see.
func (driver *TestServerDriver) ClientConnected(cc ClientContext) (string, error) {
	cc.SetDebug(driver.Debug)

	return "TEST Server", nil
}

var errBadUserNameOrPassword = errors.New("bad username or password")

// AuthUser authenticates users. "anonymous" is accepted whenever
// driver.Settings.Guest is set, since the core already checked that the
// password looks like an email before calling AuthUser.
func (driver *TestServerDriver) AuthUser(_ ClientContext, user, pass string) (ClientDriver, error) {
	if user == "anonymous" && driver.Settings != nil && driver.Settings.Guest {
		return NewTestClientDriver(driver), nil
	}

	if user == authUser && pass == authPass {
		clientDriver := NewTestClientDriver(driver)

		if driver.FileOverride != nil {
			clientDriver.FileOverride = driver.FileOverride
		}

		return clientDriver, nil
	}

	return nil, errBadUserNameOrPassword
}

// ClientDisconnected is called when the user disconnects.
func (driver *TestServerDriver) ClientDisconnected(ClientContext) {}

// GetSettings fetches the basic server settings.
func (driver *TestServerDriver) GetSettings() (*Settings, error) {
	return driver.Settings, nil
}

// OpenFile opens a file in one of the 3 modes: read, write, append. Paths
// containing "delay-io" get every Read/Write slowed down, to exercise the
// idle-timeout-during-transfer behavior without an actual slow backend.
func (driver *TestClientDriver) OpenFile(path string, flag int, perm os.FileMode) (afero.File, error) {
	if driver.FileOverride != nil {
		return driver.FileOverride, nil
	}

	f, err := driver.Fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	if strings.Contains(path, "delay-io") {
		return &delayedFile{File: f, delay: 200 * time.Millisecond}, nil
	}

	return f, nil
}

// delayedFile slows every Read/Write by delay, simulating a backend whose
// I/O latency alone can outlast a short idle timeout.
type delayedFile struct {
	afero.File
	delay time.Duration
}

func (f *delayedFile) Read(p []byte) (int, error) {
	time.Sleep(f.delay)

	if len(p) > 8*1024 {
		p = p[:8*1024]
	}

	return f.File.Read(p)
}

func (f *delayedFile) Write(p []byte) (int, error) {
	time.Sleep(f.delay)

	return f.File.Write(p)
}

var errTooMuchSpaceRequested = errors.New("you're requesting too much space")

// AllocateSpace implements ClientDriverExtensionAllocate.
func (driver *TestClientDriver) AllocateSpace(size int) error {
	if size < 1*1024*1024 {
		return nil
	}

	return errTooMuchSpaceRequested
}

var errInvalidChownUser = errors.New("invalid chown on user")
var errInvalidChownGroup = errors.New("invalid chown on group")

// Chown is already part of afero.Fs; this override restricts it to the
// test fixture's single known account.
func (driver *TestClientDriver) Chown(name string, uid int, gid int) error {
	if uid != 0 && uid != authUserID {
		return errInvalidChownUser
	}

	if gid != 0 && gid != authGroupID {
		return errInvalidChownGroup
	}

	_, err := driver.Fs.Stat(name)

	return err
}

var errSymlinkNotImplemented = errors.New("symlink not implemented")

// Symlink implements ClientDriverExtensionSymlink.
func (driver *TestClientDriver) Symlink(oldname, newname string) error {
	if linker, ok := driver.Fs.(afero.Linker); ok {
		return linker.SymlinkIfPossible(oldname, newname)
	}

	return errSymlinkNotImplemented
}

var errAvailableSpaceNotImplemented = errors.New("available space not implemented")

// GetAvailableSpace implements ClientDriverExtensionAvailableSpace with a
// fixed quota, so AVBL tests don't depend on the host's real disk space.
func (driver *TestClientDriver) GetAvailableSpace(dirName string) (int64, error) {
	if _, err := driver.Fs.Stat(dirName); err != nil {
		return 0, errAvailableSpaceNotImplemented
	}

	return 100 * 1024 * 1024, nil
}

// CreateUnique implements ClientDriverExtensionUnique with a counter-based
// name instead of a timestamp, so STOU tests are deterministic.
var testUniqueCounter int

func (driver *TestClientDriver) CreateUnique(parent string) (afero.File, string, error) {
	testUniqueCounter++
	name := parent + "/unique-" + string(rune('a'+testUniqueCounter%26))

	f, err := driver.Fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)

	return f, name, err
}
