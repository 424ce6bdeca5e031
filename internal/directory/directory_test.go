package directory

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "alice\nbob\n")
	})
	mux.HandleFunc("/peers/alice/addresses", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "10.0.0.1:9000\n10.0.0.2:9000\n")
	})
	mux.HandleFunc("/peers/alice/key", func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	})
	mux.HandleFunc("/peers/alice/root", func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 32))
	})
	mux.HandleFunc("/peers/ghost/addresses", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPeersList(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL)
	peers, err := c.Peers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, peers)
}

func TestAddressesForKnownPeer(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL)
	addrs, err := c.Addresses("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:9000", "10.0.0.2:9000"}, addrs)
}

func TestNoContentYieldsEmptyResult(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL)
	addrs, err := c.Addresses("ghost")
	require.NoError(t, err)
	assert.Nil(t, addrs)
}

func TestPublicKeyAndRoot(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL)
	key, err := c.PublicKey("alice")
	require.NoError(t, err)
	assert.Len(t, key, 64)

	root, err := c.Root("alice")
	require.NoError(t, err)
	assert.Len(t, root, 32)
}
