package ssh

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"linuxdiag/pkg/config"

	"github.com/kevinburke/ssh_config"
	"github.com/sirupsen/logrus"
)

// Target is a fully resolved remote endpoint.
type Target struct {
	Alias        string
	Host         string
	User         string
	Port         uint16
	IdentityFile string
}

func (t Target) Key() ConnectionKey {
	return ConnectionKey{Host: t.Host, User: t.User, Port: t.Port}
}

// TargetResolver turns the host names tools pass in into endpoints. A name
// is looked up in the configured hosts list first, then in ~/.ssh/config.
// Values given on the request always win.
type TargetResolver struct {
	hosts       map[string]config.Host
	sshConfig   *ssh_config.Config
	defaultUser string
	defaultPort uint16
	home        string

	// identities remembers the key chosen for each resolved hostname,
	// so the dialer finds it without knowing the alias.
	identities sync.Map
}

// NewTargetResolver falls back to the local login name when defaultUser is
// empty, the way ssh does without -l.
func NewTargetResolver(hosts []config.Host, defaultUser string, defaultPort uint16) *TargetResolver {
	if defaultUser == "" {
		defaultUser = LocalUser()
	}
	if defaultPort == 0 {
		defaultPort = DefaultPort
	}
	home, _ := os.UserHomeDir()
	r := &TargetResolver{
		hosts:       make(map[string]config.Host, len(hosts)),
		defaultUser: defaultUser,
		defaultPort: defaultPort,
		home:        home,
	}
	for _, h := range hosts {
		r.hosts[h.Name] = h
	}
	return r
}

// LoadSSHConfig parses an OpenSSH client config. A missing file is not an
// error. Match blocks are skipped, and a file that still fails to parse is
// ignored with a warning so host aliases from the hosts list keep working.
func (r *TargetResolver) LoadSSHConfig(path string) error {
	path = config.ExpandHome(path, r.home)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.Debugf("no ssh config at %s", path)
			return nil
		}
		return fmt.Errorf("failed to read ssh config %q: %w", path, err)
	}

	data, skipped := stripMatchBlocks(data)
	if skipped > 0 {
		logrus.Warnf("ssh config %s: ignoring %d Match block(s)", path, skipped)
	}
	cfg, err := ssh_config.Decode(bytes.NewReader(data))
	if err != nil {
		logrus.Warnf("ignoring ssh config %s: %v", path, err)
		return nil
	}
	r.sshConfig = cfg
	return nil
}

// stripMatchBlocks drops every Match block, up to the next Host line.
func stripMatchBlocks(data []byte) ([]byte, int) {
	var out bytes.Buffer
	skipped := 0
	inMatch := false
	for _, line := range bytes.SplitAfter(data, []byte("\n")) {
		switch strings.ToLower(keyword(line)) {
		case "match":
			inMatch = true
			skipped++
			continue
		case "host":
			inMatch = false
		}
		if !inMatch {
			out.Write(line)
		}
	}
	return out.Bytes(), skipped
}

// keyword returns the first token of a config line, which may be separated
// from its value by whitespace or '='.
func keyword(line []byte) string {
	s := strings.TrimSpace(string(line))
	if i := strings.IndexAny(s, " \t="); i >= 0 {
		s = s[:i]
	}
	return s
}

func (r *TargetResolver) lookup(alias, key string) string {
	if r.sshConfig == nil {
		return ""
	}
	v, err := r.sshConfig.Get(alias, key)
	if err != nil {
		logrus.Debugf("ssh config lookup %s %s: %v", alias, key, err)
		return ""
	}
	return v
}

// Resolve fills in host, user, port and identity for alias. Explicit user
// and port arguments take precedence over any configuration.
func (r *TargetResolver) Resolve(alias, user string, port uint16) Target {
	t := Target{Alias: alias, Host: alias, User: user, Port: port}

	if h, ok := r.hosts[alias]; ok {
		t.Host = h.Host
		if t.User == "" {
			t.User = h.Username
		}
		if t.Port == 0 {
			t.Port = h.Port
		}
		t.IdentityFile = h.KeyPath
	}

	if hn := r.lookup(alias, "HostName"); hn != "" && t.Host == alias {
		t.Host = hn
	}
	if t.User == "" {
		t.User = r.lookup(alias, "User")
	}
	if t.Port == 0 {
		if p, err := strconv.ParseUint(r.lookup(alias, "Port"), 10, 16); err == nil {
			t.Port = uint16(p)
		}
	}
	if t.IdentityFile == "" {
		t.IdentityFile = r.lookup(alias, "IdentityFile")
	}

	if t.User == "" {
		t.User = r.defaultUser
	}
	if t.Port == 0 {
		t.Port = r.defaultPort
	}
	if t.IdentityFile != "" {
		t.IdentityFile = config.ExpandHome(t.IdentityFile, r.home)
		r.identities.Store(t.Host, t.IdentityFile)
	}
	return t
}

// LocalUser is the name of the user running this process, or "" when it
// cannot be determined.
func LocalUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	for _, env := range []string{"USER", "LOGNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return ""
}

// IdentityFile returns the key path learned for host by Resolve, or one
// configured directly for it.
func (r *TargetResolver) IdentityFile(host string) string {
	if v, ok := r.identities.Load(host); ok {
		return v.(string)
	}
	for _, h := range r.hosts {
		if (h.Host == host || h.Name == host) && h.KeyPath != "" {
			return config.ExpandHome(h.KeyPath, r.home)
		}
	}
	if p := r.lookup(host, "IdentityFile"); p != "" {
		return config.ExpandHome(p, r.home)
	}
	return ""
}
