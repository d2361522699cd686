package model

import (
	"time"

	"gorm.io/gorm"
)

type SyncStatus string

const (
	StatusSuccess SyncStatus = "SUCCESS"
	StatusFailed  SyncStatus = "FAILED"
	StatusSkipped SyncStatus = "SKIPPED"
)

type History struct {
	gorm.Model
	Status     SyncStatus `gorm:"not null;index"`
	Operation  EventType  `gorm:"not null"`
	LocalPath  string     `gorm:"not null"`
	FromPath   string
	RemotePath string
	Bytes      int64
	DurationMs int64
	ErrMsg     string
	SyncedAt   time.Time `gorm:"not null;index"`
}
