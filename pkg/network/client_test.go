package network

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoBody struct {
	Path  string `json:"path"`
	Query string `json:"query"`
	Name  string `json:"name"`
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/fail" {
		http.Error(w, "nope", http.StatusTeapot)
		return
	}
	var in echoBody
	_ = json.NewDecoder(r.Body).Decode(&in)
	in.Path = r.URL.Path
	in.Query = r.URL.RawQuery
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(in)
}

func TestURLClientDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()

	c, err := NewURLClient(srv.URL + "/v1/check/")
	require.NoError(t, err)
	defer c.Close()

	var out echoBody
	require.NoError(t, c.Post("").JSONBody(echoBody{Name: "x"}).DoJSON(context.Background(), &out))
	assert.Equal(t, "/v1/check", out.Path)
	assert.Equal(t, "x", out.Name)

	require.NoError(t, c.Get("sub/../items").Query("id", "7").DoJSON(context.Background(), &out))
	assert.Equal(t, "/v1/check/items", out.Path)
	assert.Equal(t, "id=7", out.Query)
}

func TestDoJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()

	c, err := NewURLClient(srv.URL)
	require.NoError(t, err)

	err = c.Get("/fail").DoJSON(context.Background(), nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTeapot, se.Code)
	assert.Equal(t, "nope", se.Body)
}

func TestNewURLClientRejectsBadURLs(t *testing.T) {
	for _, u := range []string{"ftp://x", "http://", "::bad"} {
		_, err := NewURLClient(u)
		assert.Error(t, err, u)
	}
}

func TestUnixClient(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "api.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(echoHandler)}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	c := NewUnixClient(sock)
	var out echoBody
	require.NoError(t, c.Get("/scripts").DoJSON(context.Background(), &out))
	assert.Equal(t, "/scripts", out.Path)
}

func TestTCPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()

	c := NewTCPClient(srv.Listener.Addr().String())
	defer c.Close()
	var out echoBody
	require.NoError(t, c.Post("/notify").JSONBody(echoBody{Name: "y"}).DoJSON(context.Background(), &out))
	assert.Equal(t, "/notify", out.Path)
	assert.Equal(t, "y", out.Name)
}

func TestKeepAliveReusesConnections(t *testing.T) {
	var opened atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(echoHandler))
	srv.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			opened.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	count := func(opts ...ClientOption) int32 {
		opened.Store(0)
		c, err := NewURLClient(srv.URL, opts...)
		require.NoError(t, err)
		defer c.Close()
		for i := 0; i < 3; i++ {
			var out echoBody
			require.NoError(t, c.Get("/x").DoJSON(context.Background(), &out))
		}
		return opened.Load()
	}

	assert.EqualValues(t, 1, count(WithKeepAlive(true)))
	assert.EqualValues(t, 3, count())
}
