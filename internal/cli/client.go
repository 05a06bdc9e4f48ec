package cli

import (
	"fmt"

	"github.com/proximitylab/nearby/internal/identity"
	"github.com/proximitylab/nearby/internal/logger"
	"github.com/proximitylab/nearby/internal/session"
	"github.com/proximitylab/nearby/internal/store"
	"github.com/proximitylab/nearby/internal/transport/quic"
)

// startClient builds a session client on the LAN transport from the
// global flags. History is best effort.
func startClient() (*session.Client, error) {
	slogger := logger.NewLogger()
	self := identity.New(displayName)

	sess, err := quic.NewSession(quic.Config{
		Self:       self,
		Metadata:   map[string]string{"name": displayName},
		Addr:       ":0",
		BeaconPort: beaconPort,
		Logger:     slogger,
	})
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}

	history, err := store.Open(historyPath)
	if err != nil {
		slogger.Warn("Running without peer history", "error", err)
	}

	return session.NewClient(session.Config{
		Self:    self,
		Session: sess,
		Logger:  slogger,
		History: history,
	}), nil
}
