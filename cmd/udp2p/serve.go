package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	udp2p "github.com/cenkalti/udp2p"
	"github.com/cenkalti/udp2p/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath string
	serveShareDir   string
	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a peer node: listen on UDP, register with the directory, and serve GetDatum",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to a YAML config file (defaults to built-in defaults)")
	serveCmd.Flags().StringVar(&serveShareDir, "share", "", "local directory to build a Merkle tree from and serve")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.New("cmd/serve")

	var cfg *udp2p.Config
	if serveConfigPath != "" {
		c, err := udp2p.LoadConfig(serveConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
	} else {
		c := udp2p.DefaultConfig
		cfg = &c
	}

	node, err := udp2p.New(*cfg)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	if serveShareDir != "" {
		root, err := node.ShareDirectory(serveShareDir)
		if err != nil {
			return fmt.Errorf("share directory: %w", err)
		}
		log.Infoln("sharing", serveShareDir, "as root", root.String())
	}

	if serveMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := node.RegisterMetrics(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(serveMetricsAddr, mux); err != nil {
				log.Errorln("metrics server:", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.Start(ctx)

	if cfg.DirectoryAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.DirectoryAddr)
		if err != nil {
			return fmt.Errorf("resolve directory address: %w", err)
		}
		if err := node.RegisterWithDirectory(ctx, addr); err != nil {
			log.Warningln("register with directory:", err)
		} else {
			log.Infoln("registered with directory at", addr)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infoln("shutting down")
	node.Stop()
	return nil
}
