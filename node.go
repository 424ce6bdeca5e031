package udp2p

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/cenkalti/udp2p/internal/directory"
	"github.com/cenkalti/udp2p/internal/engine"
	"github.com/cenkalti/udp2p/internal/fetch"
	"github.com/cenkalti/udp2p/internal/logger"
	"github.com/cenkalti/udp2p/internal/merkle"
	"github.com/cenkalti/udp2p/internal/metrics"
	"github.com/cenkalti/udp2p/internal/pending"
	"github.com/cenkalti/udp2p/internal/registry"
	"github.com/cenkalti/udp2p/internal/store"
	"github.com/cenkalti/udp2p/internal/waiters"
	"github.com/prometheus/client_golang/prometheus"
)

// Node is the root object of a running peer: it owns the UDP sockets, the
// engine's five tasks, the local datum store, and the fetch/directory front
// ends.
type Node struct {
	Config    Config
	Log       logger.Logger
	Engine    *engine.Engine
	Fetcher   *fetch.Fetcher
	Store     *store.Store
	Directory *directory.Client
	Metrics   *metrics.Metrics

	cancel context.CancelFunc
}

// New builds a Node from cfg but does not start it: call Start to launch the
// engine's tasks and RegisterWithDirectory to register with the directory
// server.
func New(cfg Config) (*Node, error) {
	log := logger.New("node")

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("udp2p: create data dir: %w", err)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "store.db")
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("udp2p: open store: %w", err)
	}
	if snaps, err := st.PeerSnapshots(); err == nil && len(snaps) > 0 {
		log.Infof("loaded %d cached peer snapshots from %s", len(snaps), cfg.DatabasePath)
	}

	var sock4, sock6 engine.Socket
	if cfg.ListenAddr4 != "" {
		conn, err := net.ListenPacket("udp4", cfg.ListenAddr4)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("udp2p: listen udp4: %w", err)
		}
		sock4 = engine.NewSocket4(conn)
	}
	if cfg.ListenAddr6 != "" {
		conn, err := net.ListenPacket("udp6", cfg.ListenAddr6)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("udp2p: listen udp6: %w", err)
		}
		sock6 = engine.NewSocket6(conn)
	}

	reg := registry.NewRegistry().WithTimeout(cfg.LivenessTimeout)
	pend := pending.NewTableWithSchedule(cfg.RetryBaseInterval, cfg.RetryCap, cfg.RetryMax)
	wt := waiters.New()

	var directoryAddr net.Addr
	if cfg.DirectoryAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.DirectoryAddr)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("udp2p: resolve directory address: %w", err)
		}
		directoryAddr = addr
	}
	dirClient := directory.New(cfg.DirectoryURL)

	localRoot := merkle.HashOfEmpty[:]

	m := metrics.New()

	eng := engine.New(sock4, sock6, reg, pend, st, wt, logger.New("engine"), cfg.PeerName, [4]byte{}, nil, localRoot, directoryAddr, cfg.RetransmitTick)
	eng.RequireSignature = cfg.SignaturePolicy == SignatureRequire
	eng.Metrics = m

	f := fetch.New(eng.Actions, wt, logger.New("fetch"), cfg.PeerName, [4]byte{}, cfg.HelloTimeout, cfg.GetDatumTimeout, cfg.KeepAliveInterval, cfg.RegisterAttempts)

	return &Node{
		Config:    cfg,
		Log:       log,
		Engine:    eng,
		Fetcher:   f,
		Store:     st,
		Directory: dirClient,
		Metrics:   m,
	}, nil
}

// RegisterMetrics adds every collector to reg, so a caller can wire a
// single registry at startup.
func (n *Node) RegisterMetrics(reg *prometheus.Registry) error {
	for _, c := range n.Metrics.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the engine's tasks under a context derived from ctx.
// Cancelling ctx stops every task and closes the sockets; call Stop for a
// clean shutdown that also closes the local store.
func (n *Node) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.Engine.Start(ctx)
}

// Stop cancels the engine's context, triggering the queue/socket cleanup
// engine.Start registers on ctx.Done, and closes the local store.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.Store.Close()
}

// RegisterWithDirectory runs Fetcher.Register against the directory
// server's already resolved UDP address.
func (n *Node) RegisterWithDirectory(ctx context.Context, directoryAddr *net.UDPAddr) error {
	return n.Fetcher.Register(ctx, directoryAddr)
}

// ShareDirectory builds a Merkle tree out of path using the configured
// chunk size and fan-out bound, stores every node so GetDatum can re-serve
// it, and sets it as the engine's advertised root.
func (n *Node) ShareDirectory(path string) (merkle.Hash, error) {
	b := &merkle.Builder{ChunkSize: n.Config.ChunkSize, MaxChildren: n.Config.MaxChildren}
	root, all, err := b.BuildPath(path)
	if err != nil {
		return merkle.Hash{}, fmt.Errorf("udp2p: build tree from %s: %w", path, err)
	}
	for _, node := range all {
		body, err := merkle.EncodeDatumBody(node)
		if err != nil {
			return merkle.Hash{}, fmt.Errorf("udp2p: encode node %s: %w", node.Hash, err)
		}
		if err := n.Store.Put(node.Hash, body); err != nil {
			return merkle.Hash{}, fmt.Errorf("udp2p: store node %s: %w", node.Hash, err)
		}
	}
	n.Engine.LocalRoot = root.Hash[:]
	return root.Hash, nil
}
