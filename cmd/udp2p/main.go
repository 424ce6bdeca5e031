// Command udp2p is the CLI front end of the peer engine: a thin wrapper
// that drives internal/engine, internal/fetch, and internal/directory
// from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/cenkalti/udp2p/internal/logger"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "udp2p",
	Short: "A content-addressed peer-to-peer file sharing node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.SetLevel(logLevel)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warning, error")
	rootCmd.AddCommand(serveCmd, fetchPeersCmd, fetchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
