package models

import (
	"time"
)

// SnapshotStatus is the outcome of one fetch attempt
type SnapshotStatus string

const (
	SnapshotSuccess SnapshotStatus = "SUCCESS"
	SnapshotFailed  SnapshotStatus = "FAILED"
)

// Snapshot is one append-only history entry for a promoter. Successful rows
// carry metrics, failed rows carry FailedMessage.
type Snapshot struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	PromoterID    string         `gorm:"index;size:36;not null" json:"promoterId"`
	Status        SnapshotStatus `gorm:"size:10;not null;default:'SUCCESS'" json:"status"`
	Clicks        int64          `json:"clicks"`
	Referral      int64          `json:"referral"`
	Unpaid        int64          `json:"unpaid"` // minor currency units
	Customers     int64          `json:"customers"`
	FailedMessage *string        `json:"failedMessage"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index" json:"createdAt"`
}

// TableName keeps the historical table name
func (Snapshot) TableName() string {
	return "promoter_data"
}

// Stats are the metrics fetched from the affiliate API
type Stats struct {
	Clicks    int64
	Referral  int64
	Unpaid    int64
	Customers int64
}

// NewSuccessSnapshot builds a SUCCESS row from fetched stats
func NewSuccessSnapshot(promoterID string, stats Stats) *Snapshot {
	return &Snapshot{
		PromoterID: promoterID,
		Status:     SnapshotSuccess,
		Clicks:     stats.Clicks,
		Referral:   stats.Referral,
		Unpaid:     stats.Unpaid,
		Customers:  stats.Customers,
	}
}

// NewFailedSnapshot builds a FAILED row with a reason
func NewFailedSnapshot(promoterID, reason string) *Snapshot {
	if reason == "" {
		reason = "Unknown error"
	}
	return &Snapshot{
		PromoterID:    promoterID,
		Status:        SnapshotFailed,
		FailedMessage: &reason,
	}
}

// IsSuccess returns true for SUCCESS rows
func (s *Snapshot) IsSuccess() bool {
	return s.Status == SnapshotSuccess
}
