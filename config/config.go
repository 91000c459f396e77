// Package config loads the TOML configuration file consumed by
// cmd/ftpserver, translating it into ftpcore.Settings and a driver
// account list.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/meridianftp/ftpcore"
)

// Account is one "user:pass:dir" entry from the [[accounts]] table.
type Account struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
	Dir  string `toml:"dir"`
}

// Config is the root of the TOML document.
type Config struct {
	Hostname   string    `toml:"hostname"`
	Port       int       `toml:"port"`
	Timeout    int       `toml:"timeout"`
	Guest      bool      `toml:"guest"`
	Homedir    string    `toml:"homedir"`
	ExternalIP string    `toml:"externalIp"`
	PasvPorts  PortRange `toml:"pasvPorts"`
	InMemory   bool      `toml:"inMemory"`
	EnableHASH bool      `toml:"enableHash"`
	EnableCOMB bool      `toml:"enableComb"`
	Banner     string    `toml:"banner"`
	Accounts   []Account `toml:"accounts"`
}

// PortRange mirrors ftpcore.PortRange for TOML decoding.
type PortRange struct {
	Start int `toml:"start"`
	End   int `toml:"end"`
}

// Load reads and parses path into a Config, applying the same defaults
// GetSettings would otherwise need a nil check for.
func Load(path string) (*Config, error) {
	var cfg Config

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("could not load config %q: %w", path, err)
	}

	if cfg.Hostname == "" {
		cfg.Hostname = "0.0.0.0"
	}

	if cfg.Port == 0 {
		cfg.Port = 2121
	}

	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("config %q must define at least one [[accounts]] entry", path)
	}

	return &cfg, nil
}

// Settings builds the ftpcore.Settings this config describes.
func (c *Config) Settings() *ftpcore.Settings {
	settings := &ftpcore.Settings{
		ListenAddr:        fmt.Sprintf("%s:%d", c.Hostname, c.Port),
		PublicHost:        c.ExternalIP,
		IdleTimeout:       c.Timeout,
		ConnectionTimeout: c.Timeout,
		Guest:             c.Guest,
		Homedir:           c.Homedir,
		EnableHASH:        c.EnableHASH,
		EnableCOMB:        c.EnableCOMB,
		Banner:            c.Banner,
	}

	if c.PasvPorts.Start > 0 && c.PasvPorts.End > c.PasvPorts.Start {
		settings.PassiveTransferPortRange = &ftpcore.PortRange{Start: c.PasvPorts.Start, End: c.PasvPorts.End}
	}

	return settings
}

// AccountSpecs formats Accounts as "user:pass:dir" strings, the format
// drivers.NewFsDriver expects.
func (c *Config) AccountSpecs() []string {
	specs := make([]string, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		specs = append(specs, a.User+":"+a.Pass+":"+a.Dir)
	}

	return specs
}

// Example writes a starter configuration to path, useful for
// `ftpserver -conf-only`.
func Example(path string) error {
	const example = `hostname = "0.0.0.0"
port = 2121
timeout = 900
guest = false
homedir = ""
externalIp = ""
inMemory = false
enableHash = true
enableComb = false
banner = "ftpcore - Go FTP server"

[pasvPorts]
start = 21000
end = 21100

[[accounts]]
user = "test"
pass = "test"
dir = "test"
`

	return os.WriteFile(path, []byte(example), 0o644)
}
