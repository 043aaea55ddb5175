package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var insecureWarning sync.Once

// HostKeyPolicy decides how server host keys are checked.
type HostKeyPolicy struct {
	Verify         bool
	KnownHostsPath string
}

// Callback builds the host key callback. The known hosts file is reread on
// every call so entries added while the server runs take effect on the next
// dial. With Verify off every key is accepted and a warning is logged once.
func (p HostKeyPolicy) Callback() (ssh.HostKeyCallback, error) {
	if !p.Verify {
		insecureWarning.Do(func() {
			logrus.Warn("SSH host key verification is disabled, any server identity will be accepted")
		})
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if _, err := os.Stat(p.KnownHostsPath); err != nil {
		return nil, fmt.Errorf("known hosts file %q: %w", p.KnownHostsPath, err)
	}
	cb, err := knownhosts.New(p.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %q: %w", p.KnownHostsPath, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		if IsHostKeyChanged(err) {
			logrus.Warnf("host key for %s does not match %s", hostname, p.KnownHostsPath)
		} else if IsUnknownHost(err) {
			logrus.Warnf("host %s is not present in %s", hostname, p.KnownHostsPath)
		}
		return err
	}, nil
}

// IsHostKeyChanged reports whether err means the host is known under a
// different key.
func IsHostKeyChanged(err error) bool {
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr) && len(keyErr.Want) > 0
}

// IsUnknownHost reports whether err means the host has no known hosts entry.
func IsUnknownHost(err error) bool {
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr) && len(keyErr.Want) == 0
}

// KnownHostsLine formats a known hosts entry for host:port and key.
func KnownHostsLine(host string, port uint16, key ssh.PublicKey) string {
	addr := knownhosts.Normalize(net.JoinHostPort(host, fmt.Sprint(port)))
	return knownhosts.Line([]string{addr}, key)
}
