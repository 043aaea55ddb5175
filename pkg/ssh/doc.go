/*
Package ssh runs commands on remote hosts over pooled, authenticated SSH
connections.

# Architecture

The package is organized into layers:

  - auth.go: credential resolution (explicit key, discovered keys, agent, GSSAPI)
  - hostkey.go: known hosts verification policy
  - sshconfig.go: host aliases from the hosts list and ~/.ssh/config
  - config.go: ClientConfig
  - client.go: connection, handshake and keepalive
  - session.go: SSH session lifecycle
  - executor.go: one buffered command per session, with cancellation
  - dialer.go: Dialer used by the pool
  - pool.go: connection pool keyed by (host, user, port)
  - keygen.go: SSH key pair generation

# Basic Usage

	resolver := ssh.NewAuthResolver(ssh.AuthConfig{
		KeyPath:  "~/.ssh/id_ed25519",
		UseAgent: true,
		HostKeys: ssh.HostKeyPolicy{Verify: true, KnownHostsPath: "~/.ssh/known_hosts"},
	})
	pool := ssh.NewPool(ssh.NewSSHDialer(resolver), ssh.WithIdleTimeout(5*time.Minute))
	defer pool.Shutdown()

	pc, err := pool.Acquire(ctx, ssh.ConnectionKey{Host: "web1", User: "admin"})
	if err != nil {
		return err
	}
	res, err := pc.Exec(ctx, []string{"uname", "-r"})

Connection failures are returned as *command.Error values tagged
ConnectFailed, AuthFailed or HostKeyMismatch. A command that ran and exited
non-zero is a Result, not an error.

# Key Generation

	keyPair, err := ssh.GenerateKeyPair("/path/to/keyfile", ssh.DefaultKeyGenOptions())
*/
package ssh
