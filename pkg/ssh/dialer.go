package ssh

import (
	"context"
	"time"

	"linuxdiag/pkg/audit"
)

// SSHDialer opens authenticated connections for the pool.
type SSHDialer struct {
	auth              *AuthResolver
	dialTimeout       time.Duration
	keepaliveInterval time.Duration
	auditor           audit.Auditor
}

func NewSSHDialer(auth *AuthResolver) *SSHDialer {
	return &SSHDialer{
		auth:              auth,
		dialTimeout:       DefaultDialTimeout,
		keepaliveInterval: DefaultKeepaliveInterval,
	}
}

func (d *SSHDialer) WithDialTimeout(t time.Duration) *SSHDialer {
	d.dialTimeout = t
	return d
}

func (d *SSHDialer) WithKeepaliveInterval(t time.Duration) *SSHDialer {
	d.keepaliveInterval = t
	return d
}

func (d *SSHDialer) WithAuditor(a audit.Auditor) *SSHDialer {
	d.auditor = a
	return d
}

// Dial resolves credentials for key and connects. Errors are *command.Error.
func (d *SSHDialer) Dial(ctx context.Context, key ConnectionKey) (Conn, error) {
	creds, err := d.auth.Resolve(ctx, key.Host, key.User)
	if err != nil {
		audit.Emit(d.auditor, audit.Event{
			Type:    audit.EventAuthEnd,
			Host:    key.Host,
			User:    key.User,
			Port:    key.Port,
			Outcome: audit.OutcomeFailure,
			Error:   err.Error(),
		})
		return nil, err
	}
	defer creds.Close()

	cfg := NewClientConfig(key.Host, key.Port, key.User).
		WithCredentials(creds).
		WithDialTimeout(d.dialTimeout).
		WithKeepaliveInterval(d.keepaliveInterval).
		WithAuditor(d.auditor)

	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}
