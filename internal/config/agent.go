package config

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

// Agent configures the process that sits next to the protected service.
type Agent struct {
	RelayHost     string `yaml:"relayHost"`
	RelayPort     int    `yaml:"relayPort"`
	Authorization string `yaml:"authorization"`
	ServerHost    string `yaml:"serverHost"`
	ServerPort    int    `yaml:"serverPort"`
	// ReconnectTimeout is the fixed delay before redialing the relay.
	// Zero disables reconnecting.
	ReconnectTimeout Duration `yaml:"reconnectTimeout"`

	// RelayURL, when set, dials the relay's WebSocket endpoint instead of
	// RelayHost:RelayPort.
	RelayURL     string   `yaml:"relayUrl"`
	DialTimeout  Duration `yaml:"dialTimeout"`
	PingInterval Duration `yaml:"pingInterval"`
	MetricsAddr  string   `yaml:"metricsAddr"`
	Debug        bool     `yaml:"debug"`
}

func DefaultAgent() *Agent {
	return &Agent{
		ServerHost:  "127.0.0.1",
		DialTimeout: Duration(10 * time.Second),
	}
}

// LoadAgent reads and validates an agent configuration file.
func LoadAgent(path string) (*Agent, error) {
	cfg := DefaultAgent()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Agent) Validate() error {
	if c.RelayURL != "" {
		u, err := url.Parse(c.RelayURL)
		if err != nil {
			return invalid("relayUrl: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return invalid("relayUrl scheme %q, want ws or wss", u.Scheme)
		}
	} else {
		if c.RelayHost == "" {
			return invalid("relayHost is required")
		}
		if !validPort(c.RelayPort) {
			return invalid("relayPort %d", c.RelayPort)
		}
	}

	switch {
	case !validSecret(c.Authorization):
		return invalid("authorization must not contain ':', CR or LF")
	case c.ServerHost == "":
		return invalid("serverHost is required")
	case !validPort(c.ServerPort):
		return invalid("serverPort %d", c.ServerPort)
	case c.ReconnectTimeout < 0:
		return invalid("reconnectTimeout must not be negative")
	case c.DialTimeout < 0:
		return invalid("dialTimeout must not be negative")
	case c.PingInterval < 0:
		return invalid("pingInterval must not be negative")
	}
	return nil
}

// RelayAddr is the TCP address of the relay's control listener.
func (c *Agent) RelayAddr() string {
	return net.JoinHostPort(c.RelayHost, strconv.Itoa(c.RelayPort))
}

// ServerAddr is the TCP address of the protected local service.
func (c *Agent) ServerAddr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}
