package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/keygen"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is a minimal in-process SSH server. It understands a handful
// of commands: "echo ARGS", "exit N", "sleep DURATION" and "whoami".
type testServer struct {
	t          *testing.T
	ln         net.Listener
	host       string
	port       uint16
	hostSigner ssh.Signer
	authorized []byte

	accepted atomic.Int32
	execs    atomic.Int32

	mu    sync.Mutex
	conns []*ssh.ServerConn
}

func newTestServer(t *testing.T, authorized ssh.PublicKey) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	s := &testServer{t: t, hostSigner: hostSigner}
	if authorized != nil {
		s.authorized = authorized.Marshal()
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.authorized != nil && bytes.Equal(key.Marshal(), s.authorized) {
				return nil, nil
			}
			return nil, fmt.Errorf("key not authorized for %q", meta.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.ln = ln
	addr := ln.Addr().(*net.TCPAddr)
	s.host = "127.0.0.1"
	s.port = uint16(addr.Port)

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(nc, cfg)
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		s.dropAll()
	})
	return s
}

func (s *testServer) key() ConnectionKey {
	return ConnectionKey{Host: s.host, User: "tester", Port: s.port}
}

func (s *testServer) handle(nc net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	s.accepted.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, sconn)
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.session(sconn.User(), ch, creqs)
	}
}

// dropAll closes every server side connection, simulating a dead peer.
func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testServer) session(user string, ch ssh.Channel, reqs <-chan *ssh.Request) {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	defer stop()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.execs.Add(1)
			go s.exec(user, ch, payload.Command, done)
		case "signal":
			stop()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) exec(user string, ch ssh.Channel, cmdline string, done <-chan struct{}) {
	defer ch.Close()

	fields := strings.Fields(cmdline)
	status := 0
	switch {
	case len(fields) == 0:
		status = 127
	case fields[0] == "echo":
		fmt.Fprintln(ch, strings.Join(fields[1:], " "))
	case fields[0] == "whoami":
		fmt.Fprintln(ch, user)
	case fields[0] == "exit" && len(fields) == 2:
		n, _ := strconv.Atoi(fields[1])
		fmt.Fprintf(ch.Stderr(), "exiting with %d\n", n)
		status = n
	case fields[0] == "sleep" && len(fields) == 2:
		d, _ := time.ParseDuration(fields[1])
		select {
		case <-time.After(d):
		case <-done:
			return
		}
	default:
		fmt.Fprintf(ch.Stderr(), "%s: command not found\n", fields[0])
		status = 127
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}

// knownHosts writes a known_hosts file trusting the server's host key.
func (s *testServer) knownHosts(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := KnownHostsLine(s.host, s.port, s.hostSigner.PublicKey())
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))
	return path
}

type testKey struct {
	path   string
	signer ssh.Signer
	public ssh.PublicKey
}

// newTestKey writes an ed25519 key pair under dir/name.
func newTestKey(t *testing.T, dir, name, passphrase string) testKey {
	t.Helper()
	path := filepath.Join(dir, name)
	opts := []keygen.Option{keygen.WithKeyType(keygen.Ed25519)}
	if passphrase != "" {
		opts = append(opts, keygen.WithPassphrase(passphrase))
	}
	kp, err := keygen.New(path, opts...)
	require.NoError(t, err)
	require.NoError(t, kp.WriteKeys())

	signer, err := ssh.ParsePrivateKey(kp.RawPrivateKey())
	require.NoError(t, err)
	return testKey{path: path, signer: signer, public: signer.PublicKey()}
}
