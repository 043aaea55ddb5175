// Package config loads the server configuration from a YAML file and
// LINUX_MCP_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"linuxdiag/pkg/define"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("configuration file not found")
)

// Host is a named remote target. Name is the alias tools pass as host.
type Host struct {
	Name        string   `yaml:"name"`
	Host        string   `yaml:"host"`
	Username    string   `yaml:"username"`
	Port        uint16   `yaml:"port,omitempty"`
	KeyPath     string   `yaml:"ssh_key_path,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

type SSH struct {
	User              string        `yaml:"user"`
	Port              uint16        `yaml:"port"`
	KeyPath           string        `yaml:"key_path"`
	KeyPassphrase     string        `yaml:"key_passphrase"`
	SearchForKey      bool          `yaml:"search_for_ssh_key"`
	UseAgent          bool          `yaml:"use_agent"`
	GSSAPI            bool          `yaml:"gssapi"`
	VerifyHostKeys    bool          `yaml:"verify_host_keys"`
	KnownHostsPath    string        `yaml:"known_hosts_path"`
	ConfigPath        string        `yaml:"ssh_config_path"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxConnections    int           `yaml:"max_connections"`
	DialInterval      time.Duration `yaml:"dial_interval"`
	DialBurst         int           `yaml:"dial_burst"`

	// ResolveRemoteBinaries looks up a bare command name on the remote host,
	// including the sbin directories, before running it.
	ResolveRemoteBinaries bool `yaml:"resolve_remote_binaries"`
}

type Audit struct {
	File string `yaml:"file"`
}

type Gatekeeper struct {
	PolicyURL      string        `yaml:"policy_url"`
	PolicyTimeout  time.Duration `yaml:"policy_timeout"`
	ScriptTimeout  time.Duration `yaml:"script_timeout"`
	// NotifyEndpoint receives every script transition, see package event.
	NotifyEndpoint string        `yaml:"notify_endpoint"`
}

type Server struct {
	ListenUnix                    string `yaml:"listen_unix"`
	DisallowLocalExecInContainers bool   `yaml:"disallow_local_execution_in_containers"`
}

type Config struct {
	LogLevel       string        `yaml:"log_level"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	Toolset        string        `yaml:"toolset"`

	SSH        SSH        `yaml:"ssh"`
	Hosts      []Host     `yaml:"hosts"`
	Audit      Audit      `yaml:"audit"`
	Gatekeeper Gatekeeper `yaml:"gatekeeper"`
	Server     Server     `yaml:"server"`

	// Path is the file the configuration was read from, empty for defaults.
	Path string `yaml:"-"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		LogLevel:       "INFO",
		CommandTimeout: define.DefaultCommandTimeout,
		Toolset:        define.ToolsetFixed,
		SSH: SSH{
			Port:              define.DefaultSSHPort,
			UseAgent:          true,
			VerifyHostKeys:    true,
			KnownHostsPath:    define.DefaultKnownHostsFile,
			ConfigPath:        define.DefaultSSHConfigFile,
			ConnectTimeout:    define.DefaultDialTimeout,
			KeepaliveInterval: define.DefaultKeepaliveInterval,
			IdleTimeout:       define.DefaultIdleTimeout,
			MaxConnections:    define.DefaultMaxConnections,
			DialInterval:      define.DefaultDialInterval,
			DialBurst:         define.DefaultDialBurst,

			ResolveRemoteBinaries: true,
		},
		Gatekeeper: Gatekeeper{
			PolicyTimeout: define.DefaultPolicyTimeout,
			ScriptTimeout: define.DefaultScriptTimeout,
		},
		Server: Server{
			ListenUnix: define.DefaultListenUnixFile,
		},
	}
}

// Find returns the first config file that exists, in order: explicit, the
// LINUX_MCP_CONFIG_FILE variable, the container path and ./hosts.yaml. An
// explicit path that does not exist is an error, the others are optional.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicit)
		}
		return explicit, nil
	}
	candidates := []string{
		os.Getenv(define.EnvConfigFile),
		define.DefaultConfigFileInContainer,
		define.DefaultConfigFile,
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Load reads the config from the located file (if any), applies environment
// overrides and validates the result.
func Load(explicit string) (*Config, error) {
	path, err := Find(explicit)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if err := cfg.ReadFile(path); err != nil {
			return nil, err
		}
	} else {
		logrus.Debugf("no configuration file found, using defaults and environment")
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile decodes path over the current values. Keys absent from the file
// keep their defaults.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	logrus.Infof("loading configuration from %s", path)
	if len(strings.TrimSpace(string(data))) == 0 {
		logrus.Warnf("configuration file %s is empty, using defaults", path)
		c.Path = path
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	c.Path = path
	return nil
}

// ApplyEnv overlays LINUX_MCP_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(define.EnvLogLevel, &c.LogLevel)
	str(define.EnvUser, &c.SSH.User)
	str(define.EnvSSHKeyPath, &c.SSH.KeyPath)
	str(define.EnvKeyPassphrase, &c.SSH.KeyPassphrase)
	boolean(define.EnvSearchForSSHKey, &c.SSH.SearchForKey)
	boolean(define.EnvVerifyHostKeys, &c.SSH.VerifyHostKeys)
	str(define.EnvKnownHostsPath, &c.SSH.KnownHostsPath)
	duration(define.EnvCommandTimeout, &c.CommandTimeout)
	str(define.EnvToolset, &c.Toolset)
	str(define.EnvPolicyURL, &c.Gatekeeper.PolicyURL)
	str(define.EnvNotifyEndpoint, &c.Gatekeeper.NotifyEndpoint)
	str(define.EnvListenUnixFile, &c.Server.ListenUnix)
	str(define.EnvAuditFile, &c.Audit.File)
	boolean(define.EnvDisallowLocalCtr, &c.Server.DisallowLocalExecInContainers)

	if len(errs) > 0 {
		return errors.Join(ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// parseDuration accepts Go durations and bare integers of seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (c *Config) Validate() error {
	if c.CommandTimeout <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("command_timeout must be positive"))
	}
	switch c.Toolset {
	case define.ToolsetFixed, define.ToolsetRunScript, define.ToolsetBoth:
	default:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("unknown toolset %q", c.Toolset))
	}
	if c.SSH.Port == 0 {
		return errors.Join(ErrInvalidConfig, errors.New("ssh.port cannot be zero"))
	}
	if c.SSH.MaxConnections < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("ssh.max_connections cannot be negative"))
	}
	if c.SSH.VerifyHostKeys && c.SSH.KnownHostsPath == "" {
		return errors.Join(ErrInvalidConfig, errors.New("ssh.known_hosts_path is required when verify_host_keys is enabled"))
	}

	seen := make(map[string]struct{}, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.Name == "" || h.Host == "" {
			return errors.Join(ErrInvalidConfig, fmt.Errorf("hosts[%d]: name and host are required", i))
		}
		if _, dup := seen[h.Name]; dup {
			return errors.Join(ErrInvalidConfig, fmt.Errorf("hosts[%d]: duplicate name %q", i, h.Name))
		}
		seen[h.Name] = struct{}{}
	}

	if c.GatekeeperEnabled() && c.Gatekeeper.ScriptTimeout <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("gatekeeper.script_timeout must be positive"))
	}
	return nil
}

// GatekeeperEnabled reports whether the script approval workflow is exposed.
func (c *Config) GatekeeperEnabled() bool {
	return c.Toolset == define.ToolsetRunScript || c.Toolset == define.ToolsetBoth
}

func (c *Config) HostByName(name string) (Host, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

func (c *Config) HostsByTag(tag string) []Host {
	var out []Host
	for _, h := range c.Hosts {
		for _, t := range h.Tags {
			if t == tag {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// ExpandHome replaces a leading "~/" with home.
func ExpandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
