// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_archive

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/rapidaai/voicewire/pkg/commons"
)

// Utterance is one finalized transcript entry persisted per session.
type Utterance struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	SegmentID string
	Ordinal   int
	Text      string
	CreatedAt time.Time
}

// SessionArchive receives finalized (segment, text) pairs. The transcript
// pipeline only depends on this contract; the sqlite implementation below
// is the default collaborator.
type SessionArchive interface {
	SaveUtterance(ctx context.Context, utterance *Utterance) error
	Close() error
}

type sqliteArchive struct {
	db     *gorm.DB
	logger commons.Logger
}

// NewSQLiteArchive opens (and migrates) the archive database at path.
func NewSQLiteArchive(path string, logger commons.Logger) (SessionArchive, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: failed to open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Utterance{}); err != nil {
		return nil, fmt.Errorf("archive: migration failed: %w", err)
	}
	return &sqliteArchive{db: db, logger: logger}, nil
}

func (a *sqliteArchive) SaveUtterance(ctx context.Context, utterance *Utterance) error {
	if err := a.db.WithContext(ctx).Create(utterance).Error; err != nil {
		return fmt.Errorf("archive: failed to save utterance: %w", err)
	}
	return nil
}

func (a *sqliteArchive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
