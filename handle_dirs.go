package ftpcore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

func init() {
	registerCommand("CWD", &commandDescription{Fn: handleCWD})
	registerCommand("XCWD", &commandDescription{Fn: handleCWD})
	registerCommand("PWD", &commandDescription{Fn: handlePWD})
	registerCommand("XPWD", &commandDescription{Fn: handlePWD})
	registerCommand("CDUP", &commandDescription{Fn: handleCDUP})
	registerCommand("XCUP", &commandDescription{Fn: handleCDUP})
	registerCommand("MKD", &commandDescription{Fn: handleMKD})
	registerCommand("XMKD", &commandDescription{Fn: handleMKD})
	registerCommand("RMD", &commandDescription{Fn: handleRMD})
	registerCommand("XRMD", &commandDescription{Fn: handleRMD})
	registerCommand("LIST", &commandDescription{Fn: handleLIST, TransferRelated: true})
	registerCommand("NLST", &commandDescription{Fn: handleNLST, TransferRelated: true})
	registerCommand("MLSD", &commandDescription{Fn: handleMLSD, TransferRelated: true})
	registerCommand("MLST", &commandDescription{Fn: handleMLST})
}

// supportedListArgs are the flags recognized before a pathname on LIST,
// longest match first so "-al" isn't mistaken for a literal directory
// named "-al" on drivers that would otherwise accept it.
var supportedListArgs = []string{"-al", "-la", "-a", "-l"}

func absPath(s *Session, p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}

	return path.Clean(s.Path() + "/" + p)
}

func handleCWD(cc *ControlConnection, param string) *Reply {
	p := absPath(cc.session, param)

	if _, err := cc.session.Driver.Stat(p); err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("CD issue: %v", err))
	}

	cc.session.SetPath(p)

	return NewReply(StatusFileOK, fmt.Sprintf("CD worked on %s", p))
}

func handleMKD(cc *ControlConnection, param string) *Reply {
	p := absPath(cc.session, param)

	if err := cc.session.Driver.Mkdir(p, 0o755); err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf(`Could not create "%s": %v`, quoteDoubling(p), err))
	}

	// quote-doubling per RFC 959 page 63.
	return NewReply(StatusPathCreated, fmt.Sprintf(`Created dir "%s"`, quoteDoubling(p)))
}

func handleRMD(cc *ControlConnection, param string) *Reply {
	p := absPath(cc.session, param)

	var err error
	if rmd, ok := cc.session.Driver.(ClientDriverExtensionRemoveDir); ok {
		err = rmd.RemoveDir(p)
	} else {
		err = cc.session.Driver.Remove(p)
	}

	if err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("Could not delete dir %s: %v", p, err))
	}

	return NewReply(StatusFileOK, fmt.Sprintf("Deleted dir %s", p))
}

func handleCDUP(cc *ControlConnection, param string) *Reply {
	parent, _ := path.Split(cc.session.Path())
	if parent != "/" && strings.HasSuffix(parent, "/") {
		parent = parent[:len(parent)-1]
	}

	if _, err := cc.session.Driver.Stat(parent); err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("CDUP issue: %v", err))
	}

	cc.session.SetPath(parent)

	return NewReply(StatusFileOK, fmt.Sprintf("CDUP worked on %s", parent))
}

func handlePWD(cc *ControlConnection, param string) *Reply {
	return NewReply(StatusPathCreated, fmt.Sprintf(`"%s" is the current directory`, quoteDoubling(cc.session.Path())))
}

// stripListFlags removes a leading "-l"/"-a"/"-la"/"-al" argument that
// real-world clients send before the pathname, unless doing so would make
// the argument stop referring to an existing entry (some legitimate
// directories are literally named "-l").
func stripListFlags(driver ClientDriver, param string) string {
	lower := strings.ToLower(param)

	for _, arg := range supportedListArgs {
		if !strings.HasPrefix(lower, arg) {
			continue
		}

		if _, err := driver.Stat(param); err != nil {
			fields := strings.SplitN(param, " ", 2)
			if len(fields) == 1 {
				return ""
			}

			return fields[1]
		}
	}

	return param
}

func getFileList(cc *ControlConnection, param string) (string, []os.FileInfo, error) {
	dir := absPath(cc.session, param)

	if lister, ok := cc.session.Driver.(ClientDriverExtensionFileList); ok {
		files, err := lister.ReadDir(dir)

		return dir, files, err
	}

	handle, err := cc.session.Driver.Open(dir)
	if err != nil {
		return dir, nil, err
	}

	defer func() {
		if err := handle.Close(); err != nil {
			cc.logger.Error("couldn't close directory", err, "directory", dir)
		}
	}()

	files, err := handle.Readdir(-1)

	return dir, files, err
}

func handleLIST(cc *ControlConnection, param string) *Reply {
	if !cc.server.settings.DisableLISTArgs {
		param = stripListFlags(cc.session.Driver, param)
	}

	return runListing(cc, param, renderLIST)
}

func handleNLST(cc *ControlConnection, param string) *Reply {
	return runListing(cc, param, renderNLST)
}

func handleMLSD(cc *ControlConnection, param string) *Reply {
	if cc.server.settings.DisableMLSD {
		return NewReply(StatusSyntaxErrorNotRecognised, "MLSD has been disabled")
	}

	if !cc.server.settings.DisableLISTArgs {
		param = stripListFlags(cc.session.Driver, param)
	}

	dir, files, err := getFileList(cc, param)
	if err != nil && !errorsIsEOF(err) {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("Could not list: %v", err))
	}

	var buf bytes.Buffer
	if err := renderMLSD(&buf, cc.session.Driver, dir, files); err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("Could not render listing: %v", err))
	}

	conn, err := cc.openDataConnection()
	if err != nil {
		return NewReply(StatusCannotOpenDataConnection, err.Error())
	}

	cc.session.transferMode = transferList
	cc.session.transferReader = newPipeReader(&buf)
	cc.session.transferName = param

	return cc.runTransfer(conn, transferList)
}

func runListing(cc *ControlConnection, param string, render func(w io.Writer, files []os.FileInfo) error) *Reply {
	var files []os.FileInfo

	// A pathname naming a regular file lists just that file.
	if info, err := cc.session.Driver.Stat(absPath(cc.session, param)); err == nil && !info.IsDir() {
		files = []os.FileInfo{info}
	} else {
		_, dirFiles, err := getFileList(cc, param)
		if err != nil && !errorsIsEOF(err) {
			return NewReply(StatusActionNotTaken, fmt.Sprintf("Could not list: %v", err))
		}

		files = dirFiles
	}

	var buf bytes.Buffer
	if err := render(&buf, files); err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("Could not render listing: %v", err))
	}

	conn, err := cc.openDataConnection()
	if err != nil {
		return NewReply(StatusCannotOpenDataConnection, err.Error())
	}

	cc.session.transferMode = transferList
	cc.session.transferReader = newPipeReader(&buf)
	cc.session.transferName = param

	return cc.runTransfer(conn, transferList)
}

func errorsIsEOF(err error) bool {
	return err == io.EOF //nolint:errorlint
}

func renderNLST(w io.Writer, files []os.FileInfo) error {
	for _, file := range files {
		if _, err := fmt.Fprintf(w, "%s\r\n", file.Name()); err != nil {
			return err
		}
	}

	return nil
}

const (
	dateFormatStatTime      = "Jan _2 15:04"
	dateFormatStatYear      = "Jan _2  2006"
	dateFormatStatOldSwitch = time.Hour * 24 * 30 * 6
	dateFormatMLSD          = "20060102150405"
)

func formatListLine(file os.FileInfo) string {
	dateFormat := dateFormatStatTime
	if time.Since(file.ModTime()) > dateFormatStatOldSwitch {
		dateFormat = dateFormatStatYear
	}

	return fmt.Sprintf("%s 1 ftp ftp %12d %s %s",
		file.Mode(), file.Size(), file.ModTime().Format(dateFormat), file.Name())
}

func renderLIST(w io.Writer, files []os.FileInfo) error {
	for _, file := range files {
		if _, err := fmt.Fprintf(w, "%s\r\n", formatListLine(file)); err != nil {
			return err
		}
	}

	return nil
}

// mlsxPerm derives the RFC 3659 §7.5.5 perm fact from the entry's mode:
// a conservative "what this server will let you do" rather than a full
// ACL check, since afero.Fs doesn't expose one.
func mlsxPerm(file os.FileInfo) string {
	writable := file.Mode().Perm()&0o200 != 0

	if file.IsDir() {
		if writable {
			return "cpmel"
		}

		return "el"
	}

	if writable {
		return "adfrw"
	}

	return "r"
}

func mlsxEntry(file os.FileInfo, listType, name string) string {
	return fmt.Sprintf("Type=%s;Size=%d;Modify=%s;Perm=%s; %s",
		listType, file.Size(), file.ModTime().UTC().Format(dateFormatMLSD), mlsxPerm(file), name)
}

func mlsxFact(file os.FileInfo) string {
	listType := "file"
	if file.IsDir() {
		listType = "dir"
	}

	return mlsxEntry(file, listType, file.Name())
}

// renderMLSD writes the cdir/pdir entries required by RFC 3659 before the
// directory's own children.
func renderMLSD(w io.Writer, driver ClientDriver, dir string, files []os.FileInfo) error {
	if info, err := driver.Stat(dir); err == nil {
		if _, err := fmt.Fprintf(w, "%s\r\n", mlsxEntry(info, "cdir", ".")); err != nil {
			return err
		}
	}

	if info, err := driver.Stat(path.Dir(dir)); err == nil {
		if _, err := fmt.Fprintf(w, "%s\r\n", mlsxEntry(info, "pdir", "..")); err != nil {
			return err
		}
	}

	for _, file := range files {
		if _, err := fmt.Fprintf(w, "%s\r\n", mlsxFact(file)); err != nil {
			return err
		}
	}

	return nil
}

func handleMLST(cc *ControlConnection, param string) *Reply {
	if cc.server.settings.DisableMLST {
		return NewReply(StatusSyntaxErrorNotRecognised, "MLST has been disabled")
	}

	p := absPath(cc.session, param)

	info, err := cc.session.Driver.Stat(p)
	if err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("Could not stat %s: %v", p, err))
	}

	// One multi-line reply; Serialize indents the fact line with a space.
	return NewReply(StatusFileOK, fmt.Sprintf("Listing %s\n%s\nEnd", p, mlsxFact(info)))
}
