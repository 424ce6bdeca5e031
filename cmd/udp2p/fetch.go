package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	udp2p "github.com/cenkalti/udp2p"
	"github.com/cenkalti/udp2p/internal/directory"
	"github.com/cenkalti/udp2p/internal/engine"
	"github.com/cenkalti/udp2p/internal/fetch"
	"github.com/cenkalti/udp2p/internal/logger"
	"github.com/cenkalti/udp2p/internal/merkle"
	"github.com/cenkalti/udp2p/internal/pending"
	"github.com/cenkalti/udp2p/internal/registry"
	"github.com/cenkalti/udp2p/internal/store"
	"github.com/cenkalti/udp2p/internal/waiters"
	"github.com/spf13/cobra"
)

var (
	fetchHost string
	fetchPeer string
	fetchHash string
	fetchOut  string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch a peer's tree by hash and reconstruct it locally",
	RunE:  runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchHost, "host", "", "directory server base URL")
	fetchCmd.Flags().StringVar(&fetchPeer, "peer", "", "name of the peer to fetch from")
	fetchCmd.Flags().StringVar(&fetchHash, "hash", "", "hex-encoded root hash to fetch")
	fetchCmd.Flags().StringVar(&fetchOut, "out", "", "output path to write the reconstructed tree to")
	for _, name := range []string{"host", "peer", "hash", "out"} {
		fetchCmd.MarkFlagRequired(name)
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	log := logger.New("cmd/fetch")

	hashBytes, err := hex.DecodeString(fetchHash)
	if err != nil || len(hashBytes) != merkle.HashSize {
		return fmt.Errorf("invalid --hash: must be %d hex-encoded bytes", merkle.HashSize)
	}
	var root merkle.Hash
	copy(root[:], hashBytes)

	dir := directory.New(fetchHost)
	addrs, err := dir.Addresses(fetchPeer)
	if err != nil {
		return fmt.Errorf("look up peer addresses: %w", err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("directory has no addresses for peer %q", fetchPeer)
	}
	peerAddr, err := net.ResolveUDPAddr("udp", addrs[0])
	if err != nil {
		return fmt.Errorf("resolve peer address %q: %w", addrs[0], err)
	}

	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("udp2p-fetch-%d.db", time.Now().UnixNano()))
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open scratch store: %w", err)
	}
	defer func() {
		st.Close()
		os.Remove(dbPath)
	}()

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("open udp socket: %w", err)
	}
	sock := engine.NewSocket4(conn)

	cfg := udp2p.DefaultConfig
	wt := waiters.New()
	eng := engine.New(sock, nil, registry.NewRegistry(), pending.NewTable(), st, wt, logger.New("engine"), "udp2p-fetch", [4]byte{}, nil, merkle.HashOfEmpty[:], nil, cfg.RetransmitTick)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	f := fetch.New(eng.Actions, wt, logger.New("fetch"), "udp2p-fetch", [4]byte{}, cfg.HelloTimeout, cfg.GetDatumTimeout, cfg.KeepAliveInterval, cfg.RegisterAttempts)
	if err := f.Register(ctx, peerAddr); err != nil {
		return fmt.Errorf("register with peer: %w", err)
	}

	maps := fetch.NewTreeMaps()
	if err := f.FetchSubtree(ctx, maps, root, peerAddr); err != nil {
		return fmt.Errorf("fetch subtree: %w", err)
	}

	if err := reconstruct(st, maps, root, fetchOut); err != nil {
		return fmt.Errorf("reconstruct tree at %s: %w", fetchOut, err)
	}
	log.Infoln("fetched", fetchHash, "from", fetchPeer, "into", fetchOut)
	return nil
}

// reconstruct walks maps depth-first starting at h, writing chunk payloads
// from the scratch store to disk at out (a single file for a
// chunk/bigfile root, a directory tree for a directory root).
func reconstruct(st *store.Store, maps *fetch.TreeMaps, h merkle.Hash, out string) error {
	node, err := loadNode(st, h)
	if err != nil {
		return err
	}
	switch node.Kind {
	case merkle.KindChunk:
		return writeFile(st, maps, h, out)
	case merkle.KindBigfile:
		return writeFile(st, maps, h, out)
	case merkle.KindDirectory:
		if err := os.MkdirAll(out, 0750); err != nil {
			return err
		}
		for _, e := range node.Entries {
			if err := reconstruct(st, maps, e.Hash, filepath.Join(out, e.Name)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown node kind %d", node.Kind)
	}
}

func writeFile(st *store.Store, maps *fetch.TreeMaps, h merkle.Hash, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeChunks(st, maps, h, f)
}

func writeChunks(st *store.Store, maps *fetch.TreeMaps, h merkle.Hash, f *os.File) error {
	node, err := loadNode(st, h)
	if err != nil {
		return err
	}
	if node.Kind == merkle.KindChunk {
		_, err := f.Write(node.Chunk)
		return err
	}
	for _, child := range maps.Children(h) {
		if err := writeChunks(st, maps, child, f); err != nil {
			return err
		}
	}
	return nil
}

func loadNode(st *store.Store, h merkle.Hash) (*merkle.Node, error) {
	body, err := st.Get(h)
	if err != nil {
		return nil, err
	}
	return merkle.DecodeDatumBody(body)
}
