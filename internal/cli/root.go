// Package cli wires the session client to a terminal: an interactive
// chat mode, one-shot file sends, and the peer history listing.
package cli

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

const defaultBeaconPort = 42424

var (
	displayName string
	beaconPort  int
	historyPath string
)

var rootCmd = &cobra.Command{
	Use:  `nearby`,
	Long: `nearby discovers peers on the local network and exchanges messages, structured data and files with them`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "nearby"
	}
	rootCmd.PersistentFlags().StringVar(&displayName, "name", hostname, "display name shown to other peers")
	rootCmd.PersistentFlags().IntVar(&beaconPort, "port", defaultBeaconPort, "UDP discovery port")
	rootCmd.PersistentFlags().StringVar(&historyPath, "db", "nearby.db", "path to the peer history database")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(peersCmd)
}
