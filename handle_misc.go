package ftpcore

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func init() {
	registerCommand("SYST", &commandDescription{Fn: handleSYST, Open: true})
	registerCommand("STAT", &commandDescription{Fn: handleSTAT, Open: true, Interrupt: true})
	registerCommand("SITE", &commandDescription{Fn: handleSITE})
	registerCommand("OPTS", &commandDescription{Fn: handleOPTS, Open: true})
	registerCommand("NOOP", &commandDescription{Fn: handleNOOP, Open: true})
	registerCommand("TVFS", &commandDescription{Fn: handleTVFS})
	registerCommand("CLNT", &commandDescription{Fn: handleCLNT, Open: true})
	registerCommand("FEAT", &commandDescription{Fn: handleFEAT, Open: true})
	registerCommand("TYPE", &commandDescription{Fn: handleTYPE})
	registerCommand("MODE", &commandDescription{Fn: handleMODE})
	registerCommand("STRU", &commandDescription{Fn: handleSTRU})
	registerCommand("QUIT", &commandDescription{Fn: handleQUIT, Open: true, Interrupt: true})
	registerCommand("AVBL", &commandDescription{Fn: handleAVBL})
	registerCommand("ABOR", &commandDescription{Fn: handleABOR, Interrupt: true})
}

func handleSYST(cc *ControlConnection, param string) *Reply {
	if cc.server.settings.DisableSYST {
		return NewReply(StatusCommandNotImplemented, "SYST is disabled")
	}

	if os.PathSeparator == '\\' {
		return NewReply(StatusSystemType, "WINDOWS Type: L8")
	}

	return NewReply(StatusSystemType, "UNIX Type: L8")
}

func handleSTAT(cc *ControlConnection, param string) *Reply {
	cc.transferMu.Lock()
	transferInFlight := cc.transfer != nil
	cc.transferMu.Unlock()

	if transferInFlight {
		return NewReply(StatusClosingControlConnection, "Waiting for data transfer to finish.")
	}

	if param == "" {
		return handleSTATServer(cc)
	}

	return handleSTATFile(cc, param)
}

func handleSTATServer(cc *ControlConnection) *Reply {
	if cc.server.settings.DisableSTAT {
		return NewReply(StatusCommandNotImplemented, "STAT is disabled")
	}

	return NewReply(StatusSystemStatus,
		fmt.Sprintf("Control connection OK, TYPE %s, MODE S, STRU F", cc.session.DataType))
}

func handleSTATFile(cc *ControlConnection, param string) *Reply {
	path := absPath(cc.session, param)

	info, err := cc.session.Driver.Stat(path)
	if err != nil {
		return NewReply(StatusFileActionNotTaken, fmt.Sprintf("Could not STAT: %v", err))
	}

	if !info.IsDir() {
		return NewReply(StatusFileStatus, fmt.Sprintf("STAT %s\n %s", param, formatListLine(info)))
	}

	_, files, err := getFileList(cc, param)
	if err != nil {
		return NewReply(StatusFileActionNotTaken, fmt.Sprintf("Could not list: %v", err))
	}

	text := fmt.Sprintf("STAT %s\n", param)

	for _, f := range files {
		text += " " + formatListLine(f) + "\n"
	}

	return NewReply(StatusDirectoryStatus, strings.TrimRight(text, "\n"))
}

func handleSITE(cc *ControlConnection, param string) *Reply {
	if cc.server.settings.DisableSite {
		return NewReply(StatusSyntaxErrorNotRecognised, "SITE support is disabled")
	}

	fields := strings.SplitN(param, " ", 2)

	params := ""
	if len(fields) > 1 {
		params = fields[1]
	}

	switch strings.ToUpper(fields[0]) {
	case "CHMOD":
		return handleCHMOD(cc, params)
	case "CHOWN":
		return handleCHOWN(cc, params)
	case "SYMLINK":
		return handleSYMLINK(cc, params)
	}

	return NewReply(StatusSyntaxErrorNotRecognised, "Not understood SITE subcommand")
}

func handleCHMOD(cc *ControlConnection, params string) *Reply {
	fields := strings.SplitN(params, " ", 2)
	if len(fields) != 2 {
		return NewReply(StatusSyntaxErrorParameters, "bad command")
	}

	modeNb, err := strconv.ParseUint(fields[0], 8, 32)
	if err != nil {
		return NewReply(StatusSyntaxErrorParameters, err.Error())
	}

	path := absPath(cc.session, fields[1])

	if err := cc.session.Driver.Chmod(path, os.FileMode(modeNb)); err != nil {
		return NewReply(StatusActionNotTaken, err.Error())
	}

	return NewReply(StatusOK, "SITE CHMOD command successful")
}

func handleCHOWN(cc *ControlConnection, params string) *Reply {
	fields := strings.SplitN(params, " ", 2)
	if len(fields) != 2 {
		return NewReply(StatusSyntaxErrorParameters, "bad command")
	}

	// "uid[:gid]", per https://www.raidenftpd.com/en/raiden-ftpd-doc/help-sitecmd.html
	// (wildcard user/group names aren't supported).
	var userID, groupID int

	usergroup := strings.Split(fields[0], ":")
	if id, err := strconv.ParseInt(usergroup[0], 10, 32); err == nil {
		userID = int(id)
	}

	if len(usergroup) > 1 {
		if id, err := strconv.ParseInt(usergroup[1], 10, 32); err == nil {
			groupID = int(id)
		}
	}

	path := absPath(cc.session, fields[1])

	if err := cc.session.Driver.Chown(path, userID, groupID); err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("Couldn't chown: %v", err))
	}

	return NewReply(StatusOK, "Done")
}

func handleSYMLINK(cc *ControlConnection, params string) *Reply {
	fields := strings.SplitN(params, " ", 2)
	if len(fields) != 2 {
		return NewReply(StatusSyntaxErrorParameters, "bad command")
	}

	oldname := absPath(cc.session, fields[0])
	newname := absPath(cc.session, fields[1])

	ext, ok := cc.session.Driver.(ClientDriverExtensionSymlink)
	if !ok {
		return NewReply(StatusCommandNotImplemented, "This extension hasn't been implemented!")
	}

	if err := ext.Symlink(oldname, newname); err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("Couldn't symlink: %v", err))
	}

	return NewReply(StatusOK, "Done")
}

func handleOPTS(cc *ControlConnection, param string) *Reply {
	args := strings.SplitN(param, " ", 2)

	if strings.EqualFold(args[0], "UTF8") {
		return NewReply(StatusOK, "I'm in UTF8 only anyway")
	}

	if strings.EqualFold(args[0], "HASH") && cc.server.settings.EnableHASH {
		mapping := hashMapping()

		if len(args) > 1 {
			if value, ok := mapping[args[1]]; ok {
				cc.selectedHashAlgo = value

				return NewReply(StatusOK, args[1])
			}

			return NewReply(StatusSyntaxErrorParameters, "Unknown algorithm, current selection not changed")
		}

		return NewReply(StatusOK, hashName(cc.selectedHashAlgo))
	}

	return NewReply(StatusSyntaxErrorNotRecognised, "Don't know this option")
}

func handleNOOP(cc *ControlConnection, param string) *Reply {
	return NewReply(StatusOK, "OK")
}

func handleTVFS(cc *ControlConnection, param string) *Reply {
	return NewReply(StatusOK, "TVFS in use")
}

func handleCLNT(cc *ControlConnection, param string) *Reply {
	cc.session.SetAttr("clientVersion", param)

	return NewReply(StatusOK, "Good to know")
}

func handleFEAT(cc *ControlConnection, param string) *Reply {
	features := []string{"CLNT", "UTF8", "SIZE", "MDTM", "REST STREAM"}

	if !cc.server.settings.DisableMLSD {
		features = append(features, "MLSD")
	}

	if !cc.server.settings.DisableMLST {
		features = append(features, "MLST")
	}

	if !cc.server.settings.DisableMFMT {
		features = append(features, "MFMT")
	}

	if cc.server.settings.EnableHASH {
		var hashLine strings.Builder

		for k, v := range hashMapping() {
			hashLine.WriteString(k)

			if v == cc.selectedHashAlgo {
				hashLine.WriteString("*")
			}

			hashLine.WriteString(";")
		}

		features = append(features, hashLine.String())
		features = append(features, "XCRC", "MD5", "XMD5", "XSHA", "XSHA1", "XSHA256", "XSHA512")
	}

	if cc.server.settings.EnableCOMB {
		features = append(features, "COMB")
	}

	if _, ok := cc.session.Driver.(ClientDriverExtensionAvailableSpace); ok {
		features = append(features, "AVBL")
	}

	text := "These are my features\n"

	for _, f := range features {
		text += " " + f + "\n"
	}

	text += "end"

	return NewReply(StatusSystemStatus, text)
}

func handleTYPE(cc *ControlConnection, param string) *Reply {
	switch strings.ToUpper(param) {
	case "I":
		cc.session.DataType = TransferTypeBinary

		return NewReply(StatusOK, "Type set to binary")
	case "A":
		cc.session.DataType = TransferTypeASCII

		return NewReply(StatusOK, "Type set to ASCII")
	default:
		return NewReply(StatusSyntaxErrorNotRecognised, "Not understood")
	}
}

// handleMODE and handleSTRU only ever accept stream/file (spec Non-goals
// exclude block/compressed modes and record structure).
func handleMODE(cc *ControlConnection, param string) *Reply {
	if strings.EqualFold(param, "S") {
		return NewReply(StatusOK, "Mode set to S")
	}

	return NewReply(StatusNotImplementedForParameter, "Only S(tream) mode is supported")
}

func handleSTRU(cc *ControlConnection, param string) *Reply {
	if strings.EqualFold(param, "F") {
		return NewReply(StatusOK, "Structure set to F")
	}

	return NewReply(StatusNotImplementedForParameter, "Only F(ile) structure is supported")
}

// handleQUIT marks the session poisoned and requests shutdown. A transfer
// already in flight is let finish rather than severed mid-byte: QUIT
// replies once, then this call blocks (it has nothing left to read from
// the control channel anyway) until the transfer goroutine is done.
func handleQUIT(cc *ControlConnection, param string) *Reply {
	cc.session.poisoned = true
	cc.server.connector.Cancel(cc.session)

	cc.transferMu.Lock()
	transferInFlight := cc.transfer != nil
	cc.transferMu.Unlock()

	if !transferInFlight {
		cc.writeReply(NewReply(StatusClosingControlConnection, "Goodbye"))
		cc.disconnect()

		return NewNoopReply()
	}

	cc.writeReply(NewReply(StatusClosingControlConnection, "Goodbye, closing as soon as the transfer in progress is finished"))
	cc.transferWg.Wait()
	cc.disconnect()

	return NewNoopReply()
}

func handleAVBL(cc *ControlConnection, param string) *Reply {
	ext, ok := cc.session.Driver.(ClientDriverExtensionAvailableSpace)
	if !ok {
		return NewReply(StatusNotImplemented, "This extension hasn't been implemented!")
	}

	path := absPath(cc.session, param)

	info, err := cc.session.Driver.Stat(path)
	if err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("Couldn't access %s: %v", path, err))
	}

	if !info.IsDir() {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("%s: is not a directory", path))
	}

	available, err := ext.GetAvailableSpace(path)
	if err != nil {
		return NewReply(StatusActionNotTaken, fmt.Sprintf("Couldn't get space for path %s: %v", path, err))
	}

	return NewReply(StatusFileStatus, fmt.Sprintf("%d", available))
}

// handleABOR tears down any in-flight DataConnection and reports success
// regardless of whether a transfer was actually running (RFC 959 §4.1.1).
func handleABOR(cc *ControlConnection, param string) *Reply {
	cc.transferMu.Lock()
	transfer := cc.transfer
	cc.transferMu.Unlock()

	if transfer != nil {
		transfer.Abort()

		// block until the aborted transfer's own goroutine has written its
		// final 426 reply, so ABOR's 226 always follows it on the wire.
		cc.transferWg.Wait()

		return NewReply(StatusClosingDataConn, "ABOR command successful")
	}

	cc.server.connector.Cancel(cc.session)

	return NewReply(StatusClosingDataConn, "ABOR command successful; no transfer was in progress")
}
