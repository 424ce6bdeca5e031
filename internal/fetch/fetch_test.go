package fetch

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/udp2p/internal/action"
	"github.com/cenkalti/udp2p/internal/engine"
	"github.com/cenkalti/udp2p/internal/logger"
	"github.com/cenkalti/udp2p/internal/merkle"
	"github.com/cenkalti/udp2p/internal/pending"
	"github.com/cenkalti/udp2p/internal/registry"
	"github.com/cenkalti/udp2p/internal/store"
	"github.com/cenkalti/udp2p/internal/waiters"
	"github.com/cenkalti/udp2p/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

// fakePeer answers SendGetDatum actions out of an in-memory store, by
// delivering directly to the Fetcher's waiter table as if the classifier
// and process worker had already run. It is a stand-in for the engine's
// process worker when a test only cares about fetch orchestration, not the
// wire pipeline.
type fakePeer struct {
	wt    *waiters.Table
	addr  *net.UDPAddr
	nodes map[merkle.Hash][]byte

	mu   sync.Mutex
	seen map[merkle.Hash]int
}

func newFakePeer(wt *waiters.Table, addr *net.UDPAddr) *fakePeer {
	return &fakePeer{wt: wt, addr: addr, nodes: make(map[merkle.Hash][]byte), seen: make(map[merkle.Hash]int)}
}

func (p *fakePeer) serve(nodes []*merkle.Node) {
	for _, n := range nodes {
		body, err := merkle.EncodeDatumBody(n)
		if err != nil {
			panic(err)
		}
		p.nodes[n.Hash] = body
	}
}

func (p *fakePeer) Push(act action.Action) {
	if act.Kind != action.KindSendGetDatum {
		return
	}
	var h merkle.Hash
	copy(h[:], act.Hash)
	p.mu.Lock()
	p.seen[h]++
	p.mu.Unlock()

	body, ok := p.nodes[h]
	k := waiters.Key{Type: wire.Datum, Src: p.addr.String(), Payload: h.String()}
	if !ok {
		noDatumKey := waiters.Key{Type: wire.NoDatum, Src: p.addr.String(), Payload: h.String()}
		p.wt.Deliver(noDatumKey, action.Action{Kind: action.KindProcessNoDatum, CorrelationKey: h.String()})
		return
	}
	p.wt.Deliver(k, action.Action{Kind: action.KindProcessDatum, Body: body})
}

func newFetcher(actions interface{ Push(action.Action) }, wt *waiters.Table) *Fetcher {
	return New(actions, wt, logger.New("test/fetch"), "tester", [4]byte{}, 200*time.Millisecond, 200*time.Millisecond, time.Second, 3)
}

// TestFetchSmallFile fetches a tree that is a single 3-byte chunk.
func TestFetchSmallFile(t *testing.T) {
	wt := waiters.New()
	peerAddr := testAddr(21001)
	peer := newFakePeer(wt, peerAddr)

	b := merkle.NewBuilder(32)
	root, all, err := b.BuildFileNode([]byte("abc"))
	require.NoError(t, err)
	peer.serve(all)

	f := newFetcher(peer, wt)
	maps := NewTreeMaps()

	err = f.FetchSubtree(context.Background(), maps, root.Hash, peerAddr)
	require.NoError(t, err)

	leaves := maps.Leaves("/")
	require.Len(t, leaves, 1)
	assert.Equal(t, root.Hash, leaves[0])
	children := maps.Children(root.Hash)
	assert.Empty(t, children)
}

// TestFetchBigfile: an 18-byte file chunked
// at 4 bytes with max_children=2 must come back as exactly 5 chunks that
// reassemble in a depth-first walk order.
func TestFetchBigfile(t *testing.T) {
	wt := waiters.New()
	peerAddr := testAddr(21002)
	peer := newFakePeer(wt, peerAddr)

	b := &merkle.Builder{ChunkSize: 4, MaxChildren: 2}
	data := []byte("abcdefghijklmabcde")
	root, all, err := b.BuildFileNode(data)
	require.NoError(t, err)
	require.Equal(t, merkle.KindBigfile, root.Kind)
	peer.serve(all)

	f := newFetcher(peer, wt)
	maps := NewTreeMaps()

	err = f.FetchSubtree(context.Background(), maps, root.Hash, peerAddr)
	require.NoError(t, err)

	var leafCount int
	for _, n := range all {
		if n.Kind == merkle.KindChunk {
			leafCount++
		}
	}
	require.Equal(t, 5, leafCount)

	reassembled := walkAndConcat(t, maps, root.Hash, all)
	assert.Equal(t, data, reassembled)
}

// walkAndConcat performs the depth-first walk over the fetched tree maps
// and concatenates leaf chunk bytes in order, using the original node set
// (keyed by hash) to recover chunk payloads.
func walkAndConcat(t *testing.T, maps *TreeMaps, h merkle.Hash, nodes []*merkle.Node) []byte {
	t.Helper()
	byHash := make(map[merkle.Hash]*merkle.Node, len(nodes))
	for _, n := range nodes {
		byHash[n.Hash] = n
	}
	var out []byte
	var walk func(h merkle.Hash)
	walk = func(h merkle.Hash) {
		n := byHash[h]
		require.NotNil(t, n)
		if n.Kind == merkle.KindChunk {
			out = append(out, n.Chunk...)
			return
		}
		for _, c := range maps.Children(h) {
			walk(c)
		}
	}
	walk(h)
	return out
}

// TestFetchMissingHashReturnsNoDatumSignal: a peer that actively replies
// NoDatum must abort the fetch immediately with ErrNoDatum, not merely
// time out.
func TestFetchMissingHashReturnsNoDatumSignal(t *testing.T) {
	wt := waiters.New()
	peerAddr := testAddr(21003)
	peer := newFakePeer(wt, peerAddr)

	f := newFetcher(peer, wt)
	maps := NewTreeMaps()

	var h merkle.Hash
	h[0] = 0xFF
	start := time.Now()
	err := f.FetchSubtree(context.Background(), maps, h, peerAddr)
	assert.ErrorIs(t, err, ErrNoDatum)
	assert.Less(t, time.Since(start), f.GetDatumTimeout, "NoDatum must abort before the response timeout elapses")
}

// TestFetchUnservedHashTimesOut covers a peer that never answers at all
// (as opposed to actively replying NoDatum): FetchSubtree must time out
// with ErrResponseTimeout rather than hang.
func TestFetchUnservedHashTimesOut(t *testing.T) {
	wt := waiters.New()
	peerAddr := testAddr(21013)

	f := newFetcher(pushFunc(func(action.Action) {}), wt)
	maps := NewTreeMaps()

	var h merkle.Hash
	h[0] = 0xFF
	err := f.FetchSubtree(context.Background(), maps, h, peerAddr)
	assert.ErrorIs(t, err, ErrResponseTimeout)
}

// TestRegisterRetriesThenSucceeds exercises register's retry loop: the
// first attempt's Hello is dropped and never answered, the second succeeds.
func TestRegisterRetriesThenSucceeds(t *testing.T) {
	wt := waiters.New()
	serverAddr := testAddr(21004)

	var attempts int
	var mu sync.Mutex
	sink := pushFunc(func(act action.Action) {
		if act.Kind != action.KindSendHello {
			return
		}
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return // drop the first Hello silently
		}
		wt.Deliver(waiters.Key{Type: wire.HelloReply, Src: serverAddr.String(), Payload: ""},
			action.Action{Kind: action.KindProcessHelloReply, Name: "directory"})
	})

	f := New(sink, wt, logger.New("test/register"), "tester", [4]byte{}, 50*time.Millisecond, 200*time.Millisecond, time.Hour, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := f.Register(ctx, serverAddr)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 2)
}

type pushFunc func(action.Action)

func (f pushFunc) Push(act action.Action) { f(act) }

// TestFetchRecoversFromDroppedRequests wires a real *engine.Engine pair:
// the requester's socket silently drops its first 2 outbound writes (the
// original GetDatum and its first resend), so the retransmit ticker must
// resend again before the fetch succeeds.
func TestFetchRecoversFromDroppedRequests(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises real multi-second retransmit timing")
	}

	net := newFakeNet()
	addrA, addrB := testAddr(21101), testAddr(21102)
	sockA := newFakeConn(net, addrA)
	sockA.dropN = 2 // drop first two GetDatum packets A tries to send
	sockB := newFakeConn(net, addrB)

	dbPath := filepath.Join(t.TempDir(), "store.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	b := merkle.NewBuilder(32)
	root, all, err := b.BuildFileNode([]byte("xyz"))
	require.NoError(t, err)
	for _, n := range all {
		body, err := merkle.EncodeDatumBody(n)
		require.NoError(t, err)
		require.NoError(t, st.Put(n.Hash, body))
	}

	wtA := waiters.New()
	engA := engine.New(sockA, nil, registry.NewRegistry(), pending.NewTable(), nil, wtA, logger.New("test/A"), "alice", [4]byte{}, nil, merkle.HashOfEmpty[:], nil, 250*time.Millisecond)
	engB := engine.New(sockB, nil, registry.NewRegistry(), pending.NewTable(), st, waiters.New(), logger.New("test/B"), "bob", [4]byte{}, nil, merkle.HashOfEmpty[:], nil, 250*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engA.Start(ctx)
	engB.Start(ctx)

	f := newFetcher(engA.Actions, wtA)
	f.GetDatumTimeout = 6 * time.Second
	maps := NewTreeMaps()

	err = f.FetchSubtree(ctx, maps, root.Hash, addrB)
	require.NoError(t, err)
	assert.Equal(t, []merkle.Hash{root.Hash}, maps.Leaves("/"))
}

// --- minimal fake UDP transport for the cross-package engine integration test ---

type fakeNet struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeNet() *fakeNet { return &fakeNet{conns: make(map[string]*fakeConn)} }

type fakeDatagram struct {
	data []byte
	src  *net.UDPAddr
}

type fakeConn struct {
	addr   *net.UDPAddr
	net    *fakeNet
	inbox  chan fakeDatagram
	closed chan struct{}

	mu      sync.Mutex
	dropped int
	dropN   int
}

func newFakeConn(n *fakeNet, addr *net.UDPAddr) *fakeConn {
	c := &fakeConn{addr: addr, net: n, inbox: make(chan fakeDatagram, 64), closed: make(chan struct{})}
	n.mu.Lock()
	n.conns[addr.String()] = c
	n.mu.Unlock()
	return c
}

func (c *fakeConn) ReadFrom(buf []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbox:
		return copy(buf, d.data), d.src, nil
	case <-c.closed:
		return 0, nil, fmt.Errorf("fakeConn: closed")
	}
}

func (c *fakeConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	c.mu.Lock()
	if c.dropped < c.dropN {
		c.dropped++
		c.mu.Unlock()
		return len(b), nil
	}
	c.mu.Unlock()

	u, ok := dst.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("fakeConn: bad destination %v", dst)
	}
	c.net.mu.Lock()
	target, ok := c.net.conns[u.String()]
	c.net.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("fakeConn: no listener at %s", u)
	}
	cp := append([]byte(nil), b...)
	select {
	case target.inbox <- fakeDatagram{data: cp, src: c.addr}:
	default:
	}
	return len(b), nil
}

func (c *fakeConn) Close() error {
	close(c.closed)
	return nil
}
