// Package registry implements the peer registry: a name <-> set
// of socket addresses index, per-peer root hash / public key / extension
// bitfield, and the 30-second liveness timer that governs every access.
package registry

import (
	"errors"
	"net"
	"sync"
	"time"
	"unicode/utf8"
)

// LivenessTimeout is the duration after which a peer not heard from is
// considered gone.
const LivenessTimeout = 30 * time.Second

// Errors returned by registry operations.
var (
	ErrUnknownPeer     = errors.New("registry: unknown peer")
	ErrTimedOut        = errors.New("registry: peer timed out")
	ErrNameChanged     = errors.New("registry: address already bound to a different name")
	ErrInvalidUTF8Name = errors.New("registry: peer name is not valid UTF-8")
)

// Peer is a snapshot of one peer's registry state.
type Peer struct {
	Name       string
	Addrs      []*net.UDPAddr
	Root       []byte
	PublicKey  []byte
	Extensions []byte
	LastSeen   time.Time
}

type peerState struct {
	name       string
	addrs      map[string]*net.UDPAddr
	root       []byte
	publicKey  []byte
	extensions []byte
	lastSeen   time.Time
}

func (p *peerState) snapshot() *Peer {
	addrs := make([]*net.UDPAddr, 0, len(p.addrs))
	for _, a := range p.addrs {
		addrs = append(addrs, a)
	}
	return &Peer{
		Name:       p.name,
		Addrs:      addrs,
		Root:       append([]byte(nil), p.root...),
		PublicKey:  append([]byte(nil), p.publicKey...),
		Extensions: append([]byte(nil), p.extensions...),
		LastSeen:   p.lastSeen,
	}
}

// Registry is the process-wide peer table, locked under a single mutex.
// Construct with NewRegistry; the zero value is not usable.
type Registry struct {
	mu         sync.Mutex
	byName     map[string]*peerState
	byAddr     map[string]*peerState
	livenessTO time.Duration
	now        func() time.Time
}

// NewRegistry returns an empty Registry using the default liveness
// timeout. The clock defaults to time.Now; tests may override it with
// WithClock.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]*peerState),
		byAddr:     make(map[string]*peerState),
		livenessTO: LivenessTimeout,
		now:        time.Now,
	}
}

// WithClock overrides the time source, for deterministic liveness tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithTimeout overrides the liveness timeout; non-positive values keep
// the default.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.livenessTO = d
	}
	return r
}

func key(addr *net.UDPAddr) string { return addr.String() }

// expireLocked removes p if it has exceeded the liveness timeout, reporting
// whether it was removed. Caller must hold r.mu.
func (r *Registry) expireLocked(p *peerState) bool {
	if r.now().Sub(p.lastSeen) <= r.livenessTO {
		return false
	}
	delete(r.byName, p.name)
	for a := range p.addrs {
		delete(r.byAddr, a)
	}
	return true
}

// ObserveHello creates or refreshes the peer advertised by a Hello/HelloReply
// from src. If src is already bound to a different name, it fails with
// ErrNameChanged and the registry is left unmodified (caller drops the
// packet).
func (r *Registry) ObserveHello(src *net.UDPAddr, name string, extensions []byte) error {
	if !utf8.ValidString(name) {
		return ErrInvalidUTF8Name
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(src)
	if existing, ok := r.byAddr[k]; ok {
		if r.expireLocked(existing) {
			delete(r.byAddr, k)
		} else if existing.name != name {
			return ErrNameChanged
		}
	}

	p, ok := r.byName[name]
	if !ok {
		p = &peerState{name: name, addrs: make(map[string]*net.UDPAddr)}
		r.byName[name] = p
	}
	p.addrs[k] = src
	p.extensions = append([]byte(nil), extensions...)
	p.lastSeen = r.now()
	r.byAddr[k] = p
	return nil
}

// lookupLocked resolves src to its peer, expiring it first if it has timed
// out. Caller must hold r.mu.
func (r *Registry) lookupLocked(src *net.UDPAddr) (*peerState, error) {
	p, ok := r.byAddr[key(src)]
	if !ok {
		return nil, ErrUnknownPeer
	}
	if r.expireLocked(p) {
		return nil, ErrTimedOut
	}
	return p, nil
}

// SetRoot sets the peer's advertised root hash, refreshing liveness.
func (r *Registry) SetRoot(src *net.UDPAddr, root []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookupLocked(src)
	if err != nil {
		return err
	}
	p.root = append([]byte(nil), root...)
	p.lastSeen = r.now()
	return nil
}

// SetPublicKey sets the peer's advertised public key, refreshing liveness.
func (r *Registry) SetPublicKey(src *net.UDPAddr, key []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookupLocked(src)
	if err != nil {
		return err
	}
	p.publicKey = append([]byte(nil), key...)
	p.lastSeen = r.now()
	return nil
}

// Touch refreshes liveness with no payload change, applying the same
// lifecycle rules as every other access.
func (r *Registry) Touch(src *net.UDPAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookupLocked(src)
	if err != nil {
		return err
	}
	p.lastSeen = r.now()
	return nil
}

// Get returns a snapshot of the peer bound to src, or ok=false if unknown or
// just-expired (an expired peer is removed as a side effect).
func (r *Registry) Get(src *net.UDPAddr) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookupLocked(src)
	if err != nil {
		return nil, false
	}
	return p.snapshot(), true
}

// GetByName returns a snapshot of the named peer, expiring it first if
// necessary.
func (r *Registry) GetByName(name string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	if r.expireLocked(p) {
		return nil, false
	}
	return p.snapshot(), true
}

// Len reports the number of live peers (sweeping expired ones first), for
// metrics and the peer-consistency testable property.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byName {
		r.expireLocked(p)
	}
	return len(r.byName)
}

// CheckConsistency verifies the address->name index invariant:
// every address in a peer's address set must map back to that peer in
// the index. It is exported for tests; the registry otherwise maintains the
// invariant internally by construction.
func (r *Registry) CheckConsistency() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byName {
		for a := range p.addrs {
			if r.byAddr[a] != p {
				return false
			}
		}
	}
	return true
}
