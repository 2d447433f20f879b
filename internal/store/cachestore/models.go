package cachestore

import (
	"time"

	"gorm.io/datatypes"
)

// WalletRecord is the single key-value row holding the device wallet: the
// current balance plus the append-only history as a JSON payload.
type WalletRecord struct {
	Key       string         `gorm:"column:record_key;primaryKey"`
	Balance   int64          `gorm:"not null"`
	History   datatypes.JSON `gorm:"not null"`
	IsPro     bool           `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (WalletRecord) TableName() string { return "wallet_records" }

// AppliedTransaction records a remote ledger transaction id already merged
// into the wallet, so reconciliation never double-applies.
type AppliedTransaction struct {
	TransactionID  string    `gorm:"primaryKey"`
	CreatedUnixUTC int64     `gorm:"not null;index:idx_applied_created"`
	AppliedAt      time.Time `gorm:"not null"`
}

func (AppliedTransaction) TableName() string { return "applied_transactions" }
