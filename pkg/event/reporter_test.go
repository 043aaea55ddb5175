package event

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"linuxdiag/pkg/gatekeeper"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilReporter(t *testing.T) {
	r, err := NewReporter("")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, r.Report(context.Background(), gatekeeper.Execution{}))
	r.Hook()(gatekeeper.Execution{})
	assert.NoError(t, r.Close())
}

func TestReporterOverUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "ev")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "notify.sock")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	got := make(chan *url.URL, 4)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL
	})}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	r, err := NewReporter("unix://" + sock)
	require.NoError(t, err)
	defer r.Close()

	r.Hook()(gatekeeper.Execution{
		ID:          "abc",
		State:       gatekeeper.StateWaitingApproval,
		Host:        "web1",
		Description: "count accounts",
	})

	select {
	case u := <-got:
		assert.Equal(t, "/notify", u.Path)
		q := u.Query()
		assert.Equal(t, "abc", q.Get("id"))
		assert.Equal(t, "waiting-approval", q.Get("state"))
		assert.Equal(t, "web1", q.Get("host"))
		assert.Equal(t, "count accounts", q.Get("description"))
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestReporterOverTCP(t *testing.T) {
	got := make(chan *url.URL, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL
	}))
	defer srv.Close()

	r, err := NewReporter("tcp://" + srv.Listener.Addr().String())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Report(context.Background(), gatekeeper.Execution{ID: "xyz", State: gatekeeper.StateSuccess}))
	select {
	case u := <-got:
		assert.Equal(t, "/notify", u.Path)
		assert.Equal(t, "success", u.Query().Get("state"))
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestNewReporterInvalid(t *testing.T) {
	_, err := NewReporter("notify.sock")
	assert.Error(t, err)
	_, err = NewReporter("tcp://no-port")
	assert.Error(t, err)
	_, err = NewReporter("http://")
	assert.Error(t, err)
}
