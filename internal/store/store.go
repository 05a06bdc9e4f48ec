// Package store persists peer history: which peers have been seen
// nearby and which transfers completed. The session core keeps no state
// on disk; this is opt-in bookkeeping used by the CLI.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/proximitylab/nearby/internal/identity"
)

type KnownPeer struct {
	ID          uint   `gorm:"primaryKey"`
	PeerID      string `gorm:"uniqueIndex"`
	DisplayName string
	LastSeen    int64
}

type Transfer struct {
	ID        uint `gorm:"primaryKey"`
	PeerID    string
	Kind      string
	Name      string
	Size      int64
	CreatedAt int64
}

// PeerLog is the history database handle.
type PeerLog struct {
	db *gorm.DB
}

// Open opens (or creates) the history database at path. Use ":memory:"
// for an ephemeral log.
func Open(path string) (*PeerLog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening peer log: %w", err)
	}
	if err := db.AutoMigrate(&KnownPeer{}, &Transfer{}); err != nil {
		return nil, fmt.Errorf("migrating peer log: %w", err)
	}
	return &PeerLog{db: db}, nil
}

// RecordPeer upserts a sighting of p, refreshing its display name and
// last-seen time.
func (l *PeerLog) RecordPeer(p identity.Peer) error {
	peer := KnownPeer{
		PeerID:      string(p.ID),
		DisplayName: p.DisplayName,
		LastSeen:    time.Now().Unix(),
	}
	return l.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "peer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "last_seen"}),
	}).Create(&peer).Error
}

func (l *PeerLog) RecordTransfer(p identity.Peer, kind, name string, size int64) error {
	return l.db.Create(&Transfer{
		PeerID:    string(p.ID),
		Kind:      kind,
		Name:      name,
		Size:      size,
		CreatedAt: time.Now().Unix(),
	}).Error
}

// Peers returns every known peer, most recently seen first.
func (l *PeerLog) Peers() ([]KnownPeer, error) {
	var peers []KnownPeer
	if err := l.db.Order("last_seen desc").Find(&peers).Error; err != nil {
		return nil, err
	}
	return peers, nil
}

func (l *PeerLog) Transfers() ([]Transfer, error) {
	var transfers []Transfer
	if err := l.db.Order("created_at desc").Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}
