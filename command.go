package ftpcore

import "strings"

// commandHandler executes one FTP verb against a session and returns the
// reply to send. It never writes to the wire itself; ControlConnection
// does that once, uniformly, for every command.
type commandHandler func(cc *ControlConnection, param string) *Reply

// commandDescription is one row of the command table, keyed by verb in
// commandsMap: which handler runs it and how the connection should treat
// it (open before login, transfer-related, or an interrupt).
type commandDescription struct {
	Open            bool // allowed before LoggedIn (USER, PASS, QUIT, FEAT, ...)
	TransferRelated bool // runs on the Executor pool, not inline
	Interrupt       bool // bypasses the "wait for transfer" gate (ABOR, STAT, QUIT)
	Fn              commandHandler
}

// specialAttentionCommands lists verbs that some clients send as a Telnet
// IP/Synch out-of-band sequence instead of a clean line; we recognize them
// by suffix.
var specialAttentionCommands = []string{"ABOR", "STAT", "QUIT"}

// commandsMap is populated by registerCommands in handle_*.go's init
// functions, keeping each file responsible for its own corner of the
// table instead of one giant switch.
var commandsMap = make(map[string]*commandDescription)

func registerCommand(verb string, desc *commandDescription) {
	commandsMap[verb] = desc
}

// parseLine splits a received line into verb and parameter the way
// RFC 959 commands are formatted: "VERB SP argument".
func parseLine(line string) (string, string) {
	line = strings.TrimRight(line, "\r\n")

	verb, param, found := strings.Cut(line, " ")
	if !found {
		return verb, ""
	}

	return verb, param
}

// lookupCommand resolves command, falling back to the special-attention
// suffix match for stray Telnet IP/Synch sequences.
func lookupCommand(command string) (*commandDescription, string) {
	if desc, ok := commandsMap[command]; ok {
		return desc, command
	}

	for _, cmd := range specialAttentionCommands {
		if strings.HasSuffix(command, cmd) {
			return commandsMap[cmd], cmd
		}
	}

	return nil, command
}
