package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: port}
}

func TestObserveHelloThenGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.ObserveHello(addr(1), "bob", []byte{0, 0, 0, 0}))
	p, ok := r.Get(addr(1))
	require.True(t, ok)
	assert.Equal(t, "bob", p.Name)
	assert.WithinDuration(t, time.Now(), p.LastSeen, time.Second)
}

func TestObserveHelloRejectsNameChange(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.ObserveHello(addr(1), "bob", nil))
	err := r.ObserveHello(addr(1), "eve", nil)
	assert.ErrorIs(t, err, ErrNameChanged)
}

func TestObserveHelloRejectsInvalidUTF8Name(t *testing.T) {
	r := NewRegistry()
	err := r.ObserveHello(addr(1), string([]byte{0xFF, 0xFE}), nil)
	assert.ErrorIs(t, err, ErrInvalidUTF8Name)
	_, ok := r.Get(addr(1))
	assert.False(t, ok)
}

func TestSetRootUnknownPeer(t *testing.T) {
	r := NewRegistry()
	err := r.SetRoot(addr(99), []byte("root"))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSetRootAfterHello(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.ObserveHello(addr(1), "bob", nil))
	require.NoError(t, r.SetRoot(addr(1), []byte("deadbeef")))
	p, ok := r.Get(addr(1))
	require.True(t, ok)
	assert.Equal(t, []byte("deadbeef"), p.Root)
}

func TestLivenessExpiryOnAccess(t *testing.T) {
	now := time.Now()
	r := NewRegistry().WithClock(func() time.Time { return now })
	require.NoError(t, r.ObserveHello(addr(1), "bob", nil))

	now = now.Add(31 * time.Second)
	err := r.SetRoot(addr(1), []byte("x"))
	assert.ErrorIs(t, err, ErrTimedOut)

	_, ok := r.Get(addr(1))
	assert.False(t, ok)
}

func TestLivenessWithinTimeoutSurvives(t *testing.T) {
	now := time.Now()
	r := NewRegistry().WithClock(func() time.Time { return now })
	require.NoError(t, r.ObserveHello(addr(1), "bob", nil))

	now = now.Add(29 * time.Second)
	require.NoError(t, r.Touch(addr(1)))
	_, ok := r.Get(addr(1))
	assert.True(t, ok)
}

func TestAddressNameConsistencyInvariant(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.ObserveHello(addr(1), "bob", nil))
	require.NoError(t, r.ObserveHello(addr(2), "bob", nil))
	assert.True(t, r.CheckConsistency())
	p, ok := r.GetByName("bob")
	require.True(t, ok)
	assert.Len(t, p.Addrs, 2)
}

func TestLenSweepsExpired(t *testing.T) {
	now := time.Now()
	r := NewRegistry().WithClock(func() time.Time { return now })
	require.NoError(t, r.ObserveHello(addr(1), "bob", nil))
	assert.Equal(t, 1, r.Len())
	now = now.Add(31 * time.Second)
	assert.Equal(t, 0, r.Len())
}
