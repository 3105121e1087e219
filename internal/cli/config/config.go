package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antonkrylov/wharf/internal/transport"
)

// Config is the wharf settings file: the dokku host the tools talk to and
// named contexts pointing at wharf-web servers for the task commands.
type Config struct {
	CurrentContext string              `yaml:"currentContext"`
	Contexts       map[string]*Context `yaml:"contexts"`
	Dokku          Dokku               `yaml:"dokku"`
}

// Context encodes connection details for a wharf-web server.
type Context struct {
	Server         string `yaml:"server"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	Username       string `yaml:"username,omitempty"`
	Password       string `yaml:"password,omitempty"`
}

// Timeout returns the request timeout, defaulting to 30s.
func (c *Context) Timeout() time.Duration {
	if c == nil || c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Dokku locates the dokku host.
type Dokku struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port,omitempty"`
	User           string `yaml:"user,omitempty"`
	KeyPath        string `yaml:"keyPath,omitempty"`
	KnownHostsPath string `yaml:"knownHostsPath,omitempty"`
	DaemonSocket   string `yaml:"daemonSocket,omitempty"`
}

// ErrContextNotFound indicates the requested context is missing.
var ErrContextNotFound = errors.New("context not found")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config with owner-only permissions, creating parent
// directories if needed.
func (c *Config) Save(path string) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Resolve picks a context either by explicit name or the currentContext value.
func (c *Config) Resolve(name string) (*Context, string, error) {
	if c == nil {
		return nil, "", nil
	}
	ctxName := strings.TrimSpace(name)
	if ctxName == "" {
		ctxName = c.CurrentContext
	}
	if ctxName == "" {
		return nil, "", nil
	}
	ctx, ok := c.Contexts[ctxName]
	if !ok {
		return nil, ctxName, fmt.Errorf("%w: %s", ErrContextNotFound, ctxName)
	}
	return ctx, ctxName, nil
}

// TransportOptions turns the dokku section into executor options. Key
// material and known_hosts default to files under the config directory.
func (d Dokku) TransportOptions() (transport.Options, error) {
	keyPath, err := pathOr(d.KeyPath, DefaultKeyPath())
	if err != nil {
		return transport.Options{}, err
	}
	knownHosts, err := pathOr(d.KnownHostsPath, DefaultKnownHostsPath())
	if err != nil {
		return transport.Options{}, err
	}
	socket := d.DaemonSocket
	if socket != "" {
		if socket, err = expandPath(socket); err != nil {
			return transport.Options{}, err
		}
	}
	return transport.Options{
		SSH: transport.SSHConfig{
			Host:           d.Host,
			Port:           d.Port,
			User:           d.User,
			KeyPath:        keyPath,
			KnownHostsPath: knownHosts,
		},
		DaemonSocket: socket,
	}, nil
}

// ApplyEnv fills empty fields from WHARF_* variables.
func (d *Dokku) ApplyEnv() {
	ApplyEnvFallback(&d.Host, "WHARF_DOKKU_HOST")
	ApplyEnvFallback(&d.User, "WHARF_DOKKU_USER")
	ApplyEnvFallback(&d.KeyPath, "WHARF_SSH_KEY")
	ApplyEnvFallback(&d.KnownHostsPath, "WHARF_KNOWN_HOSTS")
	ApplyEnvFallback(&d.DaemonSocket, "WHARF_DAEMON_SOCKET")
	if d.Port == 0 {
		if port, err := strconv.Atoi(os.Getenv("WHARF_DOKKU_SSH_PORT")); err == nil {
			d.Port = port
		}
	}
}

// ApplyEnvFallback sets *target from envKey when it is still empty.
func ApplyEnvFallback(target *string, envKey string) {
	if target == nil || *target != "" {
		return
	}
	if val := os.Getenv(envKey); val != "" {
		*target = val
	}
}

func pathOr(path, fallback string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return fallback, nil
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		return os.UserHomeDir()
	case filepath.IsAbs(path):
		return path, nil
	default:
		return filepath.Abs(path)
	}
}
