package cli

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/protocol"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "chat with every peer on the local network",
	Long: `advertises on the local network, connects to every peer it finds,
			and relays lines typed on stdin to all of them as text messages`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runChat(); err != nil {
			log.Fatal(err)
		}
	},
}

func runChat() error {
	client, err := startClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Shutdown() }()
	self := client.Self()

	if err := client.StartAdvertising(); err != nil {
		return err
	}
	if err := client.StartBrowsing(); err != nil {
		return err
	}

	// Both sides see each other, so only the lexicographically smaller
	// ID invites. That keeps every pair to a single handshake.
	go func() {
		invited := make(map[identity.PeerID]bool)
		sub := client.NearbyPeers()
		defer sub.Cancel()
		for peers := range sub.C {
			for _, p := range peers {
				if invited[p.Peer.ID] || self.ID >= p.Peer.ID {
					continue
				}
				invited[p.Peer.ID] = true
				client.Connect(p.Peer)
			}
		}
	}()

	go func() {
		sub := client.IncomingConnections()
		defer sub.Cancel()
		for inv := range sub.C {
			inv.Respond(true)
		}
	}()

	var mu sync.Mutex
	connected := make(map[identity.PeerID]identity.Peer)

	go func() {
		sub := client.ConnectedPeer()
		defer sub.Cancel()
		for peer := range sub.C {
			mu.Lock()
			connected[peer.ID] = peer
			mu.Unlock()
			fmt.Printf("* %s joined\n", peer.DisplayName)
		}
	}()
	go func() {
		sub := client.DisconnectedPeer()
		defer sub.Cancel()
		for peer := range sub.C {
			mu.Lock()
			delete(connected, peer.ID)
			mu.Unlock()
			fmt.Printf("* %s left\n", peer.DisplayName)
		}
	}()

	go func() {
		sub := client.Receive()
		defer sub.Cancel()
		for msg := range sub.C {
			switch p := msg.Payload.(type) {
			case *protocol.Text:
				fmt.Printf("<%s> %s\n", msg.From.DisplayName, p.Value)
			case *protocol.Resource:
				fmt.Printf("* %s sent %s (%d bytes)\n", msg.From.DisplayName, p.Name, p.Size())
			case *protocol.StructuredData:
				fmt.Printf("* %s sent data: %v\n", msg.From.DisplayName, p.Fields)
			}
		}
	}()

	fmt.Printf("chatting as %s, press ctrl-c to quit\n", displayName)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-interrupt:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			mu.Lock()
			peers := make([]identity.Peer, 0, len(connected))
			for _, p := range connected {
				peers = append(peers, p)
			}
			mu.Unlock()
			for _, p := range peers {
				if err := <-client.Send(p, &protocol.Text{Value: line}); err != nil {
					log.Printf("failed to send to %s: %v", p.DisplayName, err)
				}
			}
		}
	}
}
