package engine

import (
	"fmt"
	"net"
	"sync"
)

// fakeNetwork routes WriteTo calls between fakeSockets registered under
// their address, so engine_test.go can exercise the full five-task pipeline
// without binding a real UDP port.
type fakeNetwork struct {
	mu      sync.Mutex
	sockets map[string]*fakeSocket
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{sockets: make(map[string]*fakeSocket)}
}

func (n *fakeNetwork) register(s *fakeSocket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sockets[s.addr.String()] = s
}

type fakeDatagram struct {
	data []byte
	src  *net.UDPAddr
}

// fakeSocket implements Socket over in-process channels.
type fakeSocket struct {
	addr   *net.UDPAddr
	net    *fakeNetwork
	inbox  chan fakeDatagram
	closed chan struct{}

	mu      sync.Mutex
	dropped int
	dropN   int // drop this many outbound writes from this socket before delivering
}

func newFakeSocket(net *fakeNetwork, addr *net.UDPAddr) *fakeSocket {
	s := &fakeSocket{addr: addr, net: net, inbox: make(chan fakeDatagram, 64), closed: make(chan struct{})}
	net.register(s)
	return s
}

func (s *fakeSocket) ReadFrom(buf []byte) (int, net.Addr, error) {
	select {
	case d := <-s.inbox:
		n := copy(buf, d.data)
		return n, d.src, nil
	case <-s.closed:
		return 0, nil, fmt.Errorf("fakeSocket: closed")
	}
}

func (s *fakeSocket) WriteTo(b []byte, dst net.Addr) (int, error) {
	s.mu.Lock()
	if s.dropped < s.dropN {
		s.dropped++
		s.mu.Unlock()
		return len(b), nil
	}
	s.mu.Unlock()

	u, ok := dst.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("fakeSocket: destination %v is not a *net.UDPAddr", dst)
	}
	s.net.mu.Lock()
	target, ok := s.net.sockets[u.String()]
	s.net.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("fakeSocket: no listener at %s", u)
	}
	cp := append([]byte(nil), b...)
	select {
	case target.inbox <- fakeDatagram{data: cp, src: s.addr}:
	default:
	}
	return len(b), nil
}

func (s *fakeSocket) Close() error {
	close(s.closed)
	return nil
}
