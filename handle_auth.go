package ftpcore

import (
	"fmt"
	"regexp"
	"strings"
)

func init() {
	registerCommand("USER", &commandDescription{Fn: handleUSER, Open: true})
	registerCommand("PASS", &commandDescription{Fn: handlePASS, Open: true})
}

// guestEmailRegex is the RFC-5322-ish shape RFC 1635 anonymous FTP expects
// as the password: an email address, accepted without actually being
// verified as deliverable.
var guestEmailRegex = regexp.MustCompile(`^[A-Za-z0-9_\-.]+@[A-Za-z0-9_\-.]*$`)

// handleUSER stashes the username and asks for a password; actual
// authentication happens on PASS, per RFC 959 §4.1.1. "anonymous" gets the
// RFC 1635 guest treatment when Settings.Guest allows it, or a 332 asking
// for a real account when it doesn't.
func handleUSER(cc *ControlConnection, param string) *Reply {
	cc.session.SetAttr("pendingUser", param)

	if !strings.EqualFold(param, "anonymous") {
		cc.session.Guest = false

		return NewReply(StatusUserOK, "User name okay, need password")
	}

	if !cc.server.settings.Guest {
		cc.session.Guest = false

		return NewReply(StatusUserOKNeedEmail, "Anonymous login not allowed, need account for login")
	}

	cc.session.Guest = true

	return NewReply(StatusUserOK, "Anonymous login ok, send your email address as password")
}

// handlePASS authenticates via the driver-selected ClientDriver, falling
// back to guest access when Settings.Guest allows it and the password
// looks like an email (RFC 1635 anonymous FTP convention).
func handlePASS(cc *ControlConnection, param string) *Reply {
	if cc.session.LoggedIn {
		return NewReply(StatusBadCommandSequence, "You are already logged in")
	}

	user, _ := cc.session.Attr("pendingUser")
	username, _ := user.(string)

	if username == "" {
		return NewReply(StatusBadCommandSequence, "USER is expected before PASS")
	}

	if cc.session.Guest && !guestEmailRegex.MatchString(param) {
		return NewReply(StatusNotLoggedIn, "Please provide your email address as the password")
	}

	driver, err := cc.server.driver.AuthUser(cc, username, param)
	if err != nil {
		return NewReply(StatusNotLoggedIn, fmt.Sprintf("Authentication problem: %v", err))
	}

	if driver == nil {
		return NewReply(StatusNotLoggedIn, "I can't deal with you (nil driver)")
	}

	home := ""

	if store, ok := cc.server.driver.(UserStore); ok {
		home, _ = store.HomeDir(username)
	}

	cc.session.Driver = driver
	cc.session.login(username, param, home)

	return NewReply(StatusUserLoggedIn, "Password ok, continue")
}
