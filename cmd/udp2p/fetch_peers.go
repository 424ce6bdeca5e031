package main

import (
	"fmt"

	"github.com/cenkalti/udp2p/internal/directory"
	"github.com/spf13/cobra"
)

var fetchPeersHost string

var fetchPeersCmd = &cobra.Command{
	Use:   "fetch-peers",
	Short: "Print the directory server's peer list",
	RunE:  runFetchPeers,
}

func init() {
	fetchPeersCmd.Flags().StringVar(&fetchPeersHost, "host", "", "directory server base URL")
	fetchPeersCmd.MarkFlagRequired("host")
}

func runFetchPeers(cmd *cobra.Command, args []string) error {
	c := directory.New(fetchPeersHost)
	peers, err := c.Peers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Println(p)
	}
	return nil
}
