package ledgerstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransactionRow mirrors the transactions table.
type TransactionRow struct {
	TransactionID string    `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Type          string    `gorm:"not null"`
	Amount        int64     `gorm:"not null"`
	Description   string    `gorm:""`
	AdminID       string    `gorm:""`
	CreatedAt     time.Time `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (TransactionRow) TableName() string { return "transactions" }

func (row *TransactionRow) BeforeCreate(tx *gorm.DB) error {
	if row.TransactionID == "" {
		row.TransactionID = uuid.NewString()
	}
	return nil
}

// NotificationRow mirrors the notifications table.
type NotificationRow struct {
	NotificationID string    `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;index:idx_notifications_user"`
	Title          string    `gorm:"not null"`
	Message        string    `gorm:"not null"`
	Type           string    `gorm:"not null"`
	IsRead         bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (NotificationRow) TableName() string { return "notifications" }

func (row *NotificationRow) BeforeCreate(tx *gorm.DB) error {
	if row.NotificationID == "" {
		row.NotificationID = uuid.NewString()
	}
	return nil
}
