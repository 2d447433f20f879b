// Package ledgerstore persists the authoritative transaction ledger and its
// notifications using GORM, against SQLite or Postgres.
package ledgerstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/kolayodeme/matchpoints/internal/ledgerwire"
	"github.com/kolayodeme/matchpoints/pkg/wallet"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore      = "store"
	errorSubjectTransaction  = "transaction"
	errorSubjectNotification = "notification"
	errorCodeDuplicate       = "duplicate"
	errorCodeInsert          = "insert"
	errorCodeList            = "list"
	errorCodeUpdate          = "update"
	errorCodeUnknown         = "unknown"
)

// Sentinel store errors.
var (
	ErrDuplicateTransaction = errors.New("transaction id already recorded")
	ErrUnknownNotification  = errors.New("unknown notification")
)

// Store implements the ledger persistence surface over gorm.DB.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema. Production Postgres deployments run
// managed migrations instead; this covers SQLite and tests.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&TransactionRow{}, &NotificationRow{})
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore *Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// InsertTransaction records one ledger row. A duplicate id reports
// ErrDuplicateTransaction so replayed submissions stay idempotent.
func (store *Store) InsertTransaction(ctx context.Context, transaction ledgerwire.Transaction) (ledgerwire.Transaction, error) {
	row := TransactionRow{
		TransactionID: transaction.ID,
		UserID:        transaction.UserID,
		Type:          transaction.Type,
		Amount:        transaction.Amount,
		Description:   transaction.Description,
		AdminID:       transaction.AdminID,
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if transaction.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return ledgerwire.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ErrDuplicateTransaction)
	}
	if err != nil {
		return ledgerwire.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return mapTransaction(row), nil
}

// ListTransactionsSince returns a user's rows created strictly after
// sinceUnixUTC, oldest first.
func (store *Store) ListTransactionsSince(ctx context.Context, userID string, sinceUnixUTC int64, limit int) ([]ledgerwire.Transaction, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	query := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at > ?", userID, since).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []TransactionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledgerwire.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, nil
}

// InsertNotification records a user-facing message.
func (store *Store) InsertNotification(ctx context.Context, notification ledgerwire.Notification) (ledgerwire.Notification, error) {
	row := NotificationRow{
		NotificationID: notification.ID,
		UserID:         notification.UserID,
		Title:          notification.Title,
		Message:        notification.Message,
		Type:           notification.Type,
		IsRead:         notification.IsRead,
		CreatedAt:      time.Unix(notification.CreatedUnixUTC, 0).UTC(),
	}
	if notification.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ledgerwire.Notification{}, wrapStoreError(errorSubjectNotification, errorCodeInsert, err)
	}
	return mapNotification(row), nil
}

// ListNotifications returns a user's notifications, newest first.
func (store *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]ledgerwire.Notification, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []NotificationRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectNotification, errorCodeList, err)
	}
	notifications := make([]ledgerwire.Notification, 0, len(rows))
	for _, row := range rows {
		notifications = append(notifications, mapNotification(row))
	}
	return notifications, nil
}

// MarkNotificationRead flags one of the user's notifications as read.
func (store *Store) MarkNotificationRead(ctx context.Context, userID string, notificationID string) error {
	result := store.db.WithContext(ctx).
		Model(&NotificationRow{}).
		Where("notification_id = ? AND user_id = ?", notificationID, userID).
		Update("is_read", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectNotification, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectNotification, errorCodeUnknown, ErrUnknownNotification)
	}
	return nil
}

func mapTransaction(row TransactionRow) ledgerwire.Transaction {
	return ledgerwire.Transaction{
		ID:             row.TransactionID,
		UserID:         row.UserID,
		Type:           row.Type,
		Amount:         row.Amount,
		Description:    row.Description,
		AdminID:        row.AdminID,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func mapNotification(row NotificationRow) ledgerwire.Notification {
	return ledgerwire.Notification{
		ID:             row.NotificationID,
		UserID:         row.UserID,
		Title:          row.Title,
		Message:        row.Message,
		Type:           row.Type,
		IsRead:         row.IsRead,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
