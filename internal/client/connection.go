package client

import (
	"fmt"
	"strings"
	"time"

	cliconfig "github.com/antonkrylov/wharf/internal/cli/config"
)

// DefaultServer is used when neither flags, config nor environment name one.
const DefaultServer = "http://localhost:8080"

type Connection struct {
	Server      string
	Timeout     time.Duration
	Username    string
	Password    string
	ConfigPath  string
	ContextName string
	Config      *cliconfig.Config
	Context     *cliconfig.Context
}

// ResolveConnection layers the settings of a wharf-web connection:
// 1) flags (server, timeout, contextName)
// 2) config file context
// 3) environment (WHARF_SERVER, WHARF_USER, WHARF_PASSWORD)
// 4) defaults (DefaultServer, the context timeout default)
func ResolveConnection(configPath, contextName, server string, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath:  configPath,
		ContextName: contextName,
		Server:      server,
		Timeout:     timeout,
	}

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}
	if conn.Config != nil {
		ctx, _, err := conn.Config.Resolve(conn.ContextName)
		if err != nil {
			return nil, err
		}
		conn.Context = ctx
	}

	if conn.Context != nil {
		if conn.Server == "" {
			conn.Server = conn.Context.Server
		}
		conn.Username = conn.Context.Username
		conn.Password = conn.Context.Password
	}
	if conn.Timeout == 0 {
		conn.Timeout = conn.Context.Timeout()
	}

	cliconfig.ApplyEnvFallback(&conn.Server, "WHARF_SERVER")
	cliconfig.ApplyEnvFallback(&conn.Username, "WHARF_USER")
	cliconfig.ApplyEnvFallback(&conn.Password, "WHARF_PASSWORD")
	if conn.Server == "" {
		conn.Server = DefaultServer
	}
	if !strings.Contains(conn.Server, "://") {
		conn.Server = "http://" + conn.Server
	}
	if conn.Server == "http://" {
		return nil, fmt.Errorf("server address is required")
	}
	return conn, nil
}
