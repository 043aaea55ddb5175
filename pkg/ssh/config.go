package ssh

import (
	"errors"
	"net"
	"strconv"
	"time"

	"linuxdiag/pkg/audit"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrInvalidConfig is returned when the configuration is invalid
	ErrInvalidConfig = errors.New("invalid SSH configuration")
)

// Default configuration values
const (
	DefaultPort              uint16 = 22
	DefaultDialTimeout              = 10 * time.Second
	DefaultKeepaliveInterval        = 30 * time.Second
)

// ClientConfig contains all the information needed to establish an SSH connection
type ClientConfig struct {
	// Connection details
	Host string
	Port uint16
	User string

	// Authentication, usually filled from resolved Credentials
	Auth            []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback
	// KeyPath is only reported to the auditor
	KeyPath string

	// Network configuration
	DialTimeout       time.Duration
	KeepaliveInterval time.Duration

	Auditor audit.Auditor
}

// NewClientConfig creates a new ClientConfig with default values
func NewClientConfig(host string, port uint16, user string) *ClientConfig {
	if port == 0 {
		port = DefaultPort
	}
	return &ClientConfig{
		Host:              host,
		Port:              port,
		User:              user,
		DialTimeout:       DefaultDialTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
	}
}

// WithCredentials takes the auth methods, host key policy and key path from creds
func (c *ClientConfig) WithCredentials(creds *Credentials) *ClientConfig {
	c.Auth = creds.Methods
	c.HostKeyCallback = creds.HostKeyCallback
	c.KeyPath = creds.KeyPath
	return c
}

// WithAuth sets the authentication methods
func (c *ClientConfig) WithAuth(methods ...ssh.AuthMethod) *ClientConfig {
	c.Auth = methods
	return c
}

// WithHostKeyCallback sets the host key verification callback
func (c *ClientConfig) WithHostKeyCallback(cb ssh.HostKeyCallback) *ClientConfig {
	c.HostKeyCallback = cb
	return c
}

// WithDialTimeout sets the connection timeout
func (c *ClientConfig) WithDialTimeout(timeout time.Duration) *ClientConfig {
	c.DialTimeout = timeout
	return c
}

// WithKeepaliveInterval sets the keepalive interval, zero disables keepalives
func (c *ClientConfig) WithKeepaliveInterval(interval time.Duration) *ClientConfig {
	c.KeepaliveInterval = interval
	return c
}

func (c *ClientConfig) WithAuditor(a audit.Auditor) *ClientConfig {
	c.Auditor = a
	return c
}

func (c *ClientConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Validate checks if the configuration is valid
func (c *ClientConfig) Validate() error {
	if c.Host == "" {
		return errors.Join(ErrInvalidConfig, errors.New("host cannot be empty"))
	}
	if c.User == "" {
		return errors.Join(ErrInvalidConfig, errors.New("user cannot be empty"))
	}
	if len(c.Auth) == 0 {
		return errors.Join(ErrInvalidConfig, errors.New("no authentication method configured"))
	}
	if c.HostKeyCallback == nil {
		return errors.Join(ErrInvalidConfig, errors.New("host key callback cannot be nil"))
	}
	if c.Port == 0 {
		return errors.Join(ErrInvalidConfig, errors.New("port must be greater than 0"))
	}
	if c.DialTimeout <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("dial timeout must be positive"))
	}
	return nil
}
