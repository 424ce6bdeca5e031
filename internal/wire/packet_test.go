package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	cases := []*Packet{
		{ID: 1, Type: Hello, Body: []byte{0, 0, 0, 0, 'a', 'l', 'i', 'c', 'e'}},
		{ID: 0xdeadbeef, Type: GetDatum, Body: make([]byte, 32)},
		{ID: 2, Type: NoDatum, Body: nil},
		{ID: 3, Type: Datum, Body: make([]byte, 1024)},
		{ID: 4, Type: RootReply, Body: make([]byte, 32), Signature: make([]byte, SignatureSize)},
	}
	for _, p := range cases {
		raw, err := Encode(p)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, p.Type, got.Type)
		assert.Equal(t, p.Body, got.Body)
		assert.Equal(t, p.Signature, got.Signature)
	}
}

func TestEncodeRejectsOversizeBody(t *testing.T) {
	_, err := Encode(&Packet{ID: 1, Type: GetDatum, Body: make([]byte, MaxBodyLength+1)})
	require.Error(t, err)
}

func TestEncodeRejectsBadSignatureLength(t *testing.T) {
	_, err := Encode(&Packet{ID: 1, Type: GetDatum, Signature: make([]byte, 10)})
	require.Error(t, err)
}

func TestDecodeRejectsShortRaw(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsLengthOverflow(t *testing.T) {
	raw := []byte{0, 0, 0, 1, byte(GetDatum), 0xFF, 0xFF}
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsLengthExceedingRemaining(t *testing.T) {
	raw := []byte{0, 0, 0, 1, byte(GetDatum), 0, 10, 'a', 'b'}
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsBadTrailerLength(t *testing.T) {
	raw := []byte{0, 0, 0, 1, byte(GetDatum), 0, 1, 'a'}
	raw = append(raw, make([]byte, 10)...)
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	raw := []byte{0, 0, 0, 1, 0x42, 0, 0}
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestPacketTypeIsReply(t *testing.T) {
	assert.False(t, Hello.IsReply())
	assert.True(t, HelloReply.IsReply())
	assert.True(t, Datum.IsReply())
	assert.False(t, GetDatum.IsReply())
}

func TestAddrRoundTripV4(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.7").To4(), Port: 6881}
	b, err := EncodeAddr(addr)
	require.NoError(t, err)
	require.Len(t, b, 6)
	got, err := DecodeAddr(b)
	require.NoError(t, err)
	assert.True(t, got.IP.Equal(addr.IP))
	assert.Equal(t, addr.Port, got.Port)
}

func TestAddrRoundTripV6(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("2001:660:3301:9200::51c2:1b9b"), Port: 8443}
	b, err := EncodeAddr(addr)
	require.NoError(t, err)
	require.Len(t, b, 18)
	got, err := DecodeAddr(b)
	require.NoError(t, err)
	assert.True(t, got.IP.Equal(addr.IP))
	assert.Equal(t, addr.Port, got.Port)
}

func TestDecodeAddrRejectsBadLength(t *testing.T) {
	_, err := DecodeAddr(make([]byte, 5))
	require.ErrorIs(t, err, ErrMalformed)
}
