package cli

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/proximitylab/nearby/internal/store"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "list every peer seen on this machine",
	Run: func(cmd *cobra.Command, args []string) {
		history, err := store.Open(historyPath)
		if err != nil {
			log.Fatal(err)
		}
		peers, err := history.Peers()
		if err != nil {
			log.Fatal(err)
		}
		if len(peers) == 0 {
			fmt.Println("no peers seen yet")
			return
		}
		for _, p := range peers {
			fmt.Printf("%s  %s  last seen %s\n",
				p.PeerID[:8], p.DisplayName, time.Unix(p.LastSeen, 0).Format(time.RFC822))
		}
	},
}
