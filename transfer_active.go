package ftpcore

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

func init() {
	registerCommand("PORT", &commandDescription{Fn: handlePORT})
	registerCommand("EPRT", &commandDescription{Fn: handleEPRT})
}

// ErrRemoteAddrFormat is returned when a PORT argument has a bad format.
var ErrRemoteAddrFormat = errors.New("remote address has a bad format")

var remoteAddrRegex = regexp.MustCompile(`^([0-9]{1,3},){5}[0-9]{1,3}$`)

func handlePORT(cc *ControlConnection, param string) *Reply {
	if cc.server.settings.DisableActiveMode {
		return NewReply(StatusServiceNotAvailable, "PORT command is disabled")
	}

	raddr, err := parseRemoteAddr(param)
	if err != nil {
		return NewReply(StatusSyntaxErrorNotRecognised, fmt.Sprintf("Problem parsing PORT: %v", err))
	}

	cc.session.openerKind = openerPORT
	cc.session.dataEndpoint = raddr

	return NewReply(StatusOK, "PORT command successful")
}

func handleEPRT(cc *ControlConnection, param string) *Reply {
	if cc.server.settings.DisableActiveMode {
		return NewReply(StatusServiceNotAvailable, "EPRT command is disabled")
	}

	raddr, err := parseEPRTAddr(param)
	if err != nil {
		return NewReply(StatusSyntaxErrorNotRecognised, fmt.Sprintf("Problem parsing EPRT: %v", err))
	}

	cc.session.openerKind = openerPORT
	cc.session.dataEndpoint = raddr

	return NewReply(StatusOK, "EPRT command successful")
}

// parseRemoteAddr parses the legacy PORT argument: "h1,h2,h3,h4,p1,p2".
func parseRemoteAddr(param string) (*net.TCPAddr, error) {
	if !remoteAddrRegex.MatchString(param) {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	parts := strings.Split(param, ",")
	ip := strings.Join(parts[0:4], ".")

	p1, err := strconv.Atoi(parts[4])
	if err != nil {
		return nil, err
	}

	p2, err := strconv.Atoi(parts[5])
	if err != nil {
		return nil, err
	}

	port := p1<<8 + p2

	return net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", ip, port))
}

// parseEPRTAddr parses the RFC 2428 extended argument:
// "|proto|address|port|" where proto is 1 (IPv4) or 2 (IPv6).
func parseEPRTAddr(param string) (*net.TCPAddr, error) {
	fields := strings.Split(param, "|")
	if len(fields) != 5 || fields[0] != "" || fields[4] != "" {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	proto, address, portStr := fields[1], fields[2], fields[3]

	switch proto {
	case "1", "2":
	default:
		return nil, fmt.Errorf("unsupported network protocol %s: %w", proto, ErrRemoteAddrFormat)
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, ErrRemoteAddrFormat)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %s: %w", portStr, ErrRemoteAddrFormat)
	}

	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// dialActive connects out to the address a client advertised via
// PORT/EPRT. Unless ActiveTransferPortNon20 is set, the dialer binds its
// local end to port 20 (RFC 1579's "classic" FTP-data source port), using
// SO_REUSEADDR/SO_REUSEPORT so concurrent active transfers on the same
// host don't collide.
func dialActive(raddr *net.TCPAddr, settings *Settings) (net.Conn, error) {
	timeout := time.Duration(settings.ConnectionTimeout) * time.Second
	dialer := &net.Dialer{Timeout: timeout}

	if !settings.ActiveTransferPortNon20 {
		dialer.LocalAddr, _ = net.ResolveTCPAddr("tcp", ":20")
		dialer.Control = dialerControl
	}

	conn, err := dialer.Dial("tcp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("could not establish active connection: %w", err)
	}

	return conn, nil
}
