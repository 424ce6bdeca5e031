// Package fetch implements the engine's two client-facing operations:
// Register (a peer's handshake + keep-alive with the directory server) and
// FetchSubtree (the recursive, concurrent Merkle tree download). Reply
// correlation uses the per-request one-shot waiter table in
// internal/waiters.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/udp2p/internal/action"
	"github.com/cenkalti/udp2p/internal/logger"
	"github.com/cenkalti/udp2p/internal/merkle"
	"github.com/cenkalti/udp2p/internal/waiters"
	"github.com/cenkalti/udp2p/internal/wire"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Errors returned by fetch operations.
var (
	ErrResponseTimeout = errors.New("fetch: response timeout")
	ErrNoDatum         = errors.New("fetch: peer has no datum for this hash")
	ErrInvalidPacket   = errors.New("fetch: reply did not parse as a tree node")
)

// Fetcher drives Register/FetchSubtree against a running engine's action
// queue and waiter table. It holds no engine-internal state of its own;
// the tree maps a fetch fills in are passed in by the caller.
type Fetcher struct {
	Actions interface {
		Push(action.Action)
	}
	Waiters *waiters.Table
	Log     logger.Logger

	OwnName       string
	OwnExtensions [4]byte

	HelloTimeout      time.Duration
	GetDatumTimeout   time.Duration
	KeepAliveInterval time.Duration
	RegisterAttempts  int
}

// New returns a Fetcher wired to actions (typically an *engine.Engine's
// Actions queue) and wt (the same waiter table the engine's process worker
// delivers replies to).
func New(actions interface{ Push(action.Action) }, wt *waiters.Table, log logger.Logger, ownName string, ownExt [4]byte, helloTimeout, getDatumTimeout, keepAlive time.Duration, registerAttempts int) *Fetcher {
	return &Fetcher{
		Actions:           actions,
		Waiters:           wt,
		Log:               log,
		OwnName:           ownName,
		OwnExtensions:     ownExt,
		HelloTimeout:      helloTimeout,
		GetDatumTimeout:   getDatumTimeout,
		KeepAliveInterval: keepAlive,
		RegisterAttempts:  registerAttempts,
	}
}

// Register announces this peer to serverAddr: up to RegisterAttempts
// Hello attempts, each awaiting a HelloReply within
// HelloTimeout. On success it spawns a keep-alive goroutine (cancelled when
// ctx is done) that sends a Hello every KeepAliveInterval and returns nil.
// On exhausting every attempt it returns the last timeout error.
func (f *Fetcher) Register(ctx context.Context, serverAddr *net.UDPAddr) error {
	var lastErr error
	for attempt := 1; attempt <= f.RegisterAttempts; attempt++ {
		k := waiters.Key{Type: wire.HelloReply, Src: serverAddr.String(), Payload: ""}
		ch, cancel := f.Waiters.Register(k)

		f.Actions.Push(action.Action{Kind: action.KindSendHello, Dest: serverAddr})

		select {
		case <-ch:
			cancel()
			go f.keepAlive(ctx, serverAddr)
			return nil
		case <-time.After(f.HelloTimeout):
			cancel()
			lastErr = fmt.Errorf("%w: attempt %d/%d registering with %s", ErrResponseTimeout, attempt, f.RegisterAttempts, serverAddr)
			f.Log.Warningln("fetch: register", lastErr)
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
	}
	return lastErr
}

func (f *Fetcher) keepAlive(ctx context.Context, serverAddr *net.UDPAddr) {
	ticker := time.NewTicker(f.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Actions.Push(action.Action{Kind: action.KindSendHello, Dest: serverAddr})
		}
	}
}

// TreeMaps is the per-fetch state: four hash-keyed mappings
// guarded by a single lock, built up as FetchSubtree walks a remote tree.
type TreeMaps struct {
	mu sync.Mutex

	childToParent map[merkle.Hash]merkle.Hash
	parentToChild map[merkle.Hash][]merkle.Hash
	hashToPath    map[merkle.Hash]string
	pathToLeaves  map[string][]merkle.Hash
}

// NewTreeMaps returns an empty TreeMaps.
func NewTreeMaps() *TreeMaps {
	return &TreeMaps{
		childToParent: make(map[merkle.Hash]merkle.Hash),
		parentToChild: make(map[merkle.Hash][]merkle.Hash),
		hashToPath:    make(map[merkle.Hash]string),
		pathToLeaves:  make(map[string][]merkle.Hash),
	}
}

func (m *TreeMaps) recordRoot(h merkle.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hashToPath[h]; !ok {
		m.hashToPath[h] = "/"
	}
}

func (m *TreeMaps) recordChild(parent merkle.Hash, child merkle.Hash, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.childToParent[child] = parent
	m.parentToChild[parent] = append(m.parentToChild[parent], child)
	parentPath := m.hashToPath[parent]
	childPath := joinPath(parentPath, name)
	m.hashToPath[child] = childPath
}

func (m *TreeMaps) recordLeaf(h merkle.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.hashToPath[h]
	m.pathToLeaves[path] = append(m.pathToLeaves[path], h)
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Parent returns child's recorded parent hash, if any.
func (m *TreeMaps) Parent(child merkle.Hash) (merkle.Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.childToParent[child]
	return p, ok
}

// Children returns parent's recorded children, in discovery order.
func (m *TreeMaps) Children(parent merkle.Hash) []merkle.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]merkle.Hash(nil), m.parentToChild[parent]...)
}

// Path returns the filesystem path recorded for hash h.
func (m *TreeMaps) Path(h merkle.Hash) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.hashToPath[h]
	return p, ok
}

// Leaves returns the leaf chunk hashes recorded under path, in the order
// they were received.
func (m *TreeMaps) Leaves(path string) []merkle.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]merkle.Hash(nil), m.pathToLeaves[path]...)
}

// FetchSubtree downloads the node at h from peer, updates maps, and
// recursively fetches every child
// concurrently, joining with errgroup so any child's error aborts the
// whole subtree.
func (f *Fetcher) FetchSubtree(ctx context.Context, maps *TreeMaps, h merkle.Hash, peer *net.UDPAddr) error {
	maps.recordRoot(h)
	return f.fetchSubtree(ctx, maps, h, peer)
}

func (f *Fetcher) fetchSubtree(ctx context.Context, maps *TreeMaps, h merkle.Hash, peer *net.UDPAddr) error {
	corrID := uuid.New().String()
	payloadKey := h.String()
	k := waiters.Key{Type: wire.Datum, Src: peer.String(), Payload: payloadKey}
	ch, cancel := f.Waiters.Register(k)
	defer cancel()

	// A peer that does not have the hash replies NoDatum instead of
	// Datum; its body is empty, so the engine correlates it back to
	// this request's hash via the pending table's tag and delivers it
	// under the same payload key, letting this abort immediately with
	// ErrNoDatum instead of waiting out the full timeout.
	noDatumKey := waiters.Key{Type: wire.NoDatum, Src: peer.String(), Payload: payloadKey}
	noDatumCh, cancelNoDatum := f.Waiters.Register(noDatumKey)
	defer cancelNoDatum()

	f.Actions.Push(action.Action{Kind: action.KindSendGetDatum, Hash: h[:], Dest: peer})
	f.Log.Debugln("fetch", corrID, ": GetDatum", payloadKey, "->", peer)

	var body []byte
	select {
	case act := <-ch:
		body = act.Body
	case <-noDatumCh:
		return fmt.Errorf("%w: hash %s from %s", ErrNoDatum, payloadKey, peer)
	case <-time.After(f.GetDatumTimeout):
		return fmt.Errorf("%w: hash %s from %s", ErrResponseTimeout, payloadKey, peer)
	case <-ctx.Done():
		return ctx.Err()
	}

	node, err := merkle.DecodeDatumBody(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}

	switch node.Kind {
	case merkle.KindChunk:
		maps.recordLeaf(h)
		return nil
	case merkle.KindBigfile:
		return f.joinChildren(ctx, maps, h, peer, anonymousChildren(node.Children))
	case merkle.KindDirectory:
		named := make([]namedChild, len(node.Entries))
		for i, e := range node.Entries {
			named[i] = namedChild{name: e.Name, hash: e.Hash}
		}
		return f.joinChildren(ctx, maps, h, peer, named)
	default:
		return fmt.Errorf("%w: unknown node kind %d", ErrInvalidPacket, node.Kind)
	}
}

type namedChild struct {
	name string
	hash merkle.Hash
}

func anonymousChildren(hashes []merkle.Hash) []namedChild {
	out := make([]namedChild, len(hashes))
	for i, h := range hashes {
		out[i] = namedChild{name: fmt.Sprintf("%d", i), hash: h}
	}
	return out
}

func (f *Fetcher) joinChildren(ctx context.Context, maps *TreeMaps, parent merkle.Hash, peer *net.UDPAddr, children []namedChild) error {
	for _, c := range children {
		maps.recordChild(parent, c.hash, c.name)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range children {
		child := c
		g.Go(func() error {
			return f.fetchSubtree(gctx, maps, child.hash, peer)
		})
	}
	return g.Wait()
}
