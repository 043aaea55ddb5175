package ssh

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"

	"linuxdiag/pkg/command"
	"linuxdiag/pkg/config"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// defaultKeyNames are tried in order under ~/.ssh when key discovery is on.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

var ErrNoAuthMethod = errors.New("no usable SSH authentication method")

// AuthSource says where the credential material came from.
type AuthSource string

const (
	SourceKeyFile       AuthSource = "key-file"
	SourceDiscoveredKey AuthSource = "discovered-key"
	SourceAgent         AuthSource = "agent"
	SourceGSSAPI        AuthSource = "gssapi"
)

// AuthConfig is the credential configuration shared by every target.
type AuthConfig struct {
	KeyPath      string
	Passphrase   string
	SearchForKey bool
	UseAgent     bool
	// AgentSocket overrides $SSH_AUTH_SOCK.
	AgentSocket string
	GSSAPI      bool
	HostKeys    HostKeyPolicy
	// HomeDir overrides the user's home directory for ~ expansion and
	// key discovery.
	HomeDir string
}

// AuthConfigFromConfig maps the ssh section of the server configuration.
func AuthConfigFromConfig(c config.SSH) AuthConfig {
	return AuthConfig{
		KeyPath:      c.KeyPath,
		Passphrase:   c.KeyPassphrase,
		SearchForKey: c.SearchForKey,
		UseAgent:     c.UseAgent,
		GSSAPI:       c.GSSAPI,
		HostKeys: HostKeyPolicy{
			Verify:         c.VerifyHostKeys,
			KnownHostsPath: c.KnownHostsPath,
		},
	}
}

// Credentials is the resolved authentication for one (host, user).
type Credentials struct {
	Host            string
	User            string
	Source          AuthSource
	KeyPath         string
	Methods         []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback

	closers []io.Closer
}

// Close releases agent connections held by the credentials. Call it once
// the handshake that used them is over.
func (c *Credentials) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

// IdentitySource supplies a per-host private key path, such as a hosts
// entry's ssh_key_path or an IdentityFile from ~/.ssh/config.
type IdentitySource interface {
	IdentityFile(host string) string
}

// AuthResolver picks the credential material for a target. The first source
// that yields something wins: the explicit key (per host, then global),
// discovered default keys, the ssh-agent, then GSSAPI.
type AuthResolver struct {
	cfg        AuthConfig
	identities IdentitySource
	gssapi     ssh.GSSAPIClient
}

func NewAuthResolver(cfg AuthConfig) *AuthResolver {
	if cfg.HomeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.HomeDir = home
		}
	}
	if cfg.AgentSocket == "" {
		cfg.AgentSocket = os.Getenv("SSH_AUTH_SOCK")
	}
	cfg.KeyPath = config.ExpandHome(cfg.KeyPath, cfg.HomeDir)
	cfg.HostKeys.KnownHostsPath = config.ExpandHome(cfg.HostKeys.KnownHostsPath, cfg.HomeDir)
	return &AuthResolver{cfg: cfg}
}

// WithIdentities sets the per-host key lookup.
func (r *AuthResolver) WithIdentities(src IdentitySource) *AuthResolver {
	r.identities = src
	return r
}

// WithGSSAPIClient provides the Kerberos client used when GSSAPI is enabled.
func (r *AuthResolver) WithGSSAPIClient(c ssh.GSSAPIClient) *AuthResolver {
	r.gssapi = c
	return r
}

func (r *AuthResolver) fail(host, user string, err error) error {
	return command.NewError(command.KindAuthFailed, host, user, err)
}

// Resolve returns fresh credentials for (host, user). Nothing is cached, so
// two users on the same host never share credential state.
func (r *AuthResolver) Resolve(ctx context.Context, host, user string) (*Credentials, error) {
	if user == "" {
		return nil, r.fail(host, user, errors.New("no SSH user given"))
	}

	hostKeyCallback, err := r.cfg.HostKeys.Callback()
	if err != nil {
		return nil, command.NewError(command.KindHostKeyMismatch, host, user, err)
	}

	creds := &Credentials{
		Host:            host,
		User:            user,
		HostKeyCallback: hostKeyCallback,
	}

	explicit := r.cfg.KeyPath
	if r.identities != nil {
		if p := r.identities.IdentityFile(host); p != "" {
			explicit = config.ExpandHome(p, r.cfg.HomeDir)
		}
	}

	explicitMissing := false
	if explicit != "" {
		signer, err := r.loadKey(explicit)
		switch {
		case err == nil:
			creds.Source, creds.KeyPath = SourceKeyFile, explicit
			creds.Methods = []ssh.AuthMethod{ssh.PublicKeys(signer)}
			return creds, nil
		case os.IsNotExist(errors.Cause(err)):
			logrus.Warnf("configured SSH key %s does not exist", explicit)
			explicitMissing = true
		default:
			return nil, r.fail(host, user, err)
		}
	}

	if r.cfg.SearchForKey && !explicitMissing {
		if path, signer := r.discoverKey(); signer != nil {
			creds.Source, creds.KeyPath = SourceDiscoveredKey, path
			creds.Methods = []ssh.AuthMethod{ssh.PublicKeys(signer)}
			return creds, nil
		}
	}

	if r.cfg.UseAgent && r.cfg.AgentSocket != "" {
		err := r.useAgent(ctx, creds)
		if err == nil {
			return creds, nil
		}
		logrus.Debugf("ssh-agent not usable: %v", err)
	}

	if r.cfg.GSSAPI {
		if r.gssapi == nil {
			logrus.Warnf("GSSAPI authentication is enabled but no Kerberos client is available")
		} else {
			creds.Source = SourceGSSAPI
			creds.Methods = []ssh.AuthMethod{ssh.GSSAPIWithMICAuthMethod(r.gssapi, host)}
			return creds, nil
		}
	}

	return nil, r.fail(host, user, ErrNoAuthMethod)
}

// loadKey reads and parses a private key, decrypting it with the configured
// passphrase when it is protected.
func (r *AuthResolver) loadKey(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read private key %s", path)
	}

	signer, err := ssh.ParsePrivateKey(pem)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, errors.Wrapf(err, "failed to parse private key %s", path)
	}
	if r.cfg.Passphrase == "" {
		return nil, errors.Errorf("private key %s is encrypted and no passphrase is configured", path)
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(r.cfg.Passphrase))
	if err != nil {
		// the cause may echo key material, keep it out of the message
		return nil, errors.Errorf("failed to decrypt private key %s", path)
	}
	return signer, nil
}

func (r *AuthResolver) discoverKey() (string, ssh.Signer) {
	if r.cfg.HomeDir == "" {
		return "", nil
	}
	for _, name := range defaultKeyNames {
		path := filepath.Join(r.cfg.HomeDir, ".ssh", name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		signer, err := r.loadKey(path)
		if err != nil {
			logrus.Warnf("skipping SSH key %s: %v", path, err)
			continue
		}
		logrus.Debugf("using discovered SSH key %s", path)
		return path, signer
	}
	return "", nil
}

func (r *AuthResolver) useAgent(ctx context.Context, creds *Credentials) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", r.cfg.AgentSocket)
	if err != nil {
		return errors.Wrap(err, "failed to connect to ssh-agent")
	}

	client := agent.NewClient(conn)
	signers, err := client.Signers()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to list ssh-agent keys")
	}
	if len(signers) == 0 {
		conn.Close()
		return errors.New("ssh-agent holds no keys")
	}

	creds.Source = SourceAgent
	creds.Methods = []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}
	creds.closers = append(creds.closers, conn)
	return nil
}
