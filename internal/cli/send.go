package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/pubsub"
	"github.com/proximitylab/nearby/internal/session"
	"github.com/proximitylab/nearby/internal/transport"
)

const (
	discoverTimeout = 30 * time.Second
	connectTimeout  = 30 * time.Second
)

var sendCmd = &cobra.Command{
	Use:   "send peer-name path/to/file",
	Short: "send a file to a named peer on the local network",
	Long: `browses the local network for a peer advertising the given display
			name, connects to it, and streams the file's contents`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSend(args[0], args[1]); err != nil {
			log.Fatal(err)
		}
	},
}

func runSend(peerName, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}

	client, err := startClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Shutdown() }()

	if err := client.StartBrowsing(); err != nil {
		return err
	}

	fmt.Printf("looking for %s...\n", peerName)
	peer, err := waitForPeer(client.NearbyPeers(), peerName)
	if err != nil {
		return err
	}

	connected := client.ConnectedPeer()
	defer connected.Cancel()
	client.Connect(peer)
	if err := waitUntilConnected(connected, peer); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	write, err := client.SendStream(ctx, peer, filepath.Base(filePath))
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(info.Size(), "sending")
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, bar), file); err != nil {
		return err
	}
	if err := write(buf.Bytes()); err != nil {
		return fmt.Errorf("streaming %s: %w", filePath, err)
	}
	fmt.Printf("sent %s to %s\n", filepath.Base(filePath), peer.DisplayName)
	return nil
}

func waitForPeer(sub *pubsub.Subscription[[]session.DiscoveredPeer], name string) (identity.Peer, error) {
	defer sub.Cancel()
	timeout := time.After(discoverTimeout)
	for {
		select {
		case peers, ok := <-sub.C:
			if !ok {
				return identity.Peer{}, transport.ErrSessionClosed
			}
			for _, p := range peers {
				if p.Peer.DisplayName == name {
					return p.Peer, nil
				}
			}
		case <-timeout:
			return identity.Peer{}, fmt.Errorf("no peer named %q found within %s", name, discoverTimeout)
		}
	}
}

func waitUntilConnected(sub *pubsub.Subscription[identity.Peer], peer identity.Peer) error {
	timeout := time.After(connectTimeout)
	for {
		select {
		case p, ok := <-sub.C:
			if !ok {
				return transport.ErrSessionClosed
			}
			if p.ID == peer.ID {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("connecting to %s timed out", peer.DisplayName)
		}
	}
}
