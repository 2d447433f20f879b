// Package cachestore persists the device-local balance cache. Corrupt
// persisted state is never fatal: an unparseable history resets the wallet
// to empty and reports the anomaly, so a damaged cache file cannot brick the
// reward flow.
package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kolayodeme/matchpoints/pkg/wallet"
)

const (
	// walletRecordKey is the fixed key of the single wallet row, kept from
	// the original client's storage key for migration friendliness.
	walletRecordKey = "user_points_data"

	errorOperationStore    = "store"
	errorSubjectWallet     = "wallet"
	errorSubjectHistory    = "history"
	errorSubjectApplied    = "applied"
	errorCodeLoad          = "load"
	errorCodeSave          = "save"
	errorCodeDecode        = "decode"
	errorCodeEncode        = "encode"
	errorCodeMarkApplied   = "mark_applied"
	errorCodeCursor        = "cursor"
	errorCodeReset         = "reset"
	errorCodeMarkReconcile = "mark_reconciled"

	emptyHistoryJSON = "[]"
)

// Store implements wallet.Store using GORM over the device sqlite file.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Open opens (or creates) the cache database at path and migrates its schema.
// Pass ":memory:" for an ephemeral cache.
func Open(path string, logger *zap.Logger) (*Store, func() error, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, nil, wrapStoreError(errorSubjectWallet, errorCodeLoad, err)
	}
	if err := db.AutoMigrate(&WalletRecord{}, &AppliedTransaction{}); err != nil {
		return nil, nil, wrapStoreError(errorSubjectWallet, errorCodeLoad, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, wrapStoreError(errorSubjectWallet, errorCodeLoad, err)
	}
	return New(db, logger), sqlDB.Close, nil
}

// Snapshot returns the stored balance and decoded history. A missing record
// reads as an empty wallet; a corrupt one is reset in place.
func (store *Store) Snapshot(ctx context.Context) (int64, []wallet.RewardEntry, error) {
	record, err := store.loadRecord(ctx)
	if err != nil {
		return 0, nil, err
	}
	if record == nil {
		return 0, nil, nil
	}
	history, decodeErr := decodeHistory(record.History)
	if decodeErr != nil {
		if healErr := store.healCorruptRecord(ctx, decodeErr); healErr != nil {
			return 0, nil, healErr
		}
		return 0, nil, nil
	}
	return record.Balance, history, nil
}

// AppendEntry appends one history line and stores the new balance in a
// single transaction.
func (store *Store) AppendEntry(ctx context.Context, entry wallet.RewardEntry, newBalance int64) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := loadRecordTx(tx)
		if err != nil {
			return err
		}
		var history []wallet.RewardEntry
		if record != nil {
			history, err = decodeHistory(record.History)
			if err != nil {
				store.logger.Warn("wallet history corrupt, resetting before append", zap.Error(err))
				history = nil
			}
		}
		history = append(history, entry)
		return saveRecord(tx, history, newBalance, record)
	})
}

// MarkReconciled sets the reconciled flag on one history entry.
func (store *Store) MarkReconciled(ctx context.Context, entryID string) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return markReconciledTx(tx, entryID)
	})
}

func markReconciledTx(tx *gorm.DB, entryID string) error {
	record, err := loadRecordTx(tx)
	if err != nil {
		return err
	}
	if record == nil {
		return wrapStoreError(errorSubjectHistory, errorCodeMarkReconcile, wallet.ErrUnknownEntry)
	}
	history, err := decodeHistory(record.History)
	if err != nil {
		return wrapStoreError(errorSubjectHistory, errorCodeDecode, err)
	}
	found := false
	for index := range history {
		if history[index].EntryID == entryID {
			history[index].Reconciled = true
			found = true
			break
		}
	}
	if !found {
		return wrapStoreError(errorSubjectHistory, errorCodeMarkReconcile, wallet.ErrUnknownEntry)
	}
	return saveRecord(tx, history, record.Balance, record)
}

// IsApplied reports whether the transaction id is in the applied set.
func (store *Store) IsApplied(ctx context.Context, transactionID wallet.TransactionID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&AppliedTransaction{}).
		Where("transaction_id = ?", transactionID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectApplied, errorCodeLoad, err)
	}
	return count > 0, nil
}

// MarkApplied inserts the transaction id into the applied set. Re-marking an
// already applied id is a no-op.
func (store *Store) MarkApplied(ctx context.Context, transactionID wallet.TransactionID, createdUnixUTC int64) error {
	return markAppliedTx(store.db.WithContext(ctx), transactionID, createdUnixUTC)
}

func markAppliedTx(tx *gorm.DB, transactionID wallet.TransactionID, createdUnixUTC int64) error {
	row := AppliedTransaction{
		TransactionID:  transactionID.String(),
		CreatedUnixUTC: createdUnixUTC,
		AppliedAt:      time.Now().UTC(),
	}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectApplied, errorCodeMarkApplied, err)
	}
	return nil
}

// AppendRemoteEntry appends a history line, stores the new balance, and
// records the remote transaction id in one transaction. A crash between the
// credit and the applied mark cannot leave one without the other, so a
// refetched transaction is either fully absent or fully applied.
func (store *Store) AppendRemoteEntry(ctx context.Context, entry wallet.RewardEntry, newBalance int64, transactionID wallet.TransactionID, createdUnixUTC int64) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := loadRecordTx(tx)
		if err != nil {
			return err
		}
		var history []wallet.RewardEntry
		if record != nil {
			history, err = decodeHistory(record.History)
			if err != nil {
				store.logger.Warn("wallet history corrupt, resetting before append", zap.Error(err))
				history = nil
			}
		}
		history = append(history, entry)
		if err := saveRecord(tx, history, newBalance, record); err != nil {
			return err
		}
		return markAppliedTx(tx, transactionID, createdUnixUTC)
	})
}

// ReconcileEntry flags one history entry as reconciled and records the remote
// transaction id that superseded it in the same transaction.
func (store *Store) ReconcileEntry(ctx context.Context, entryID string, transactionID wallet.TransactionID, createdUnixUTC int64) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markReconciledTx(tx, entryID); err != nil {
			return err
		}
		return markAppliedTx(tx, transactionID, createdUnixUTC)
	})
}

// AppliedCursor returns the newest created time among applied transactions.
func (store *Store) AppliedCursor(ctx context.Context) (int64, error) {
	var cursor sqlCursor
	err := store.db.WithContext(ctx).
		Model(&AppliedTransaction{}).
		Select("coalesce(max(created_unix_utc),0) as cursor").
		Scan(&cursor).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectApplied, errorCodeCursor, err)
	}
	return cursor.Cursor, nil
}

// ProStatus reads the cached Pro flag.
func (store *Store) ProStatus(ctx context.Context) (bool, error) {
	record, err := store.loadRecord(ctx)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	return record.IsPro, nil
}

// SetProStatus writes the cached Pro flag.
func (store *Store) SetProStatus(ctx context.Context, enabled bool) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := loadRecordTx(tx)
		if err != nil {
			return err
		}
		if record == nil {
			fresh := WalletRecord{
				Key:       walletRecordKey,
				Balance:   0,
				History:   datatypes.JSON([]byte(emptyHistoryJSON)),
				IsPro:     enabled,
				UpdatedAt: time.Now().UTC(),
			}
			if err := tx.Create(&fresh).Error; err != nil {
				return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
			}
			return nil
		}
		record.IsPro = enabled
		record.UpdatedAt = time.Now().UTC()
		if err := tx.Save(record).Error; err != nil {
			return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
		}
		return nil
	})
}

// Reset wipes the wallet record and applied set. Used on logout so a new
// session cannot observe the previous user's balance.
func (store *Store) Reset(ctx context.Context) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("record_key = ?", walletRecordKey).Delete(&WalletRecord{}).Error; err != nil {
			return wrapStoreError(errorSubjectWallet, errorCodeReset, err)
		}
		if err := tx.Where("1 = 1").Delete(&AppliedTransaction{}).Error; err != nil {
			return wrapStoreError(errorSubjectApplied, errorCodeReset, err)
		}
		return nil
	})
}

func (store *Store) loadRecord(ctx context.Context) (*WalletRecord, error) {
	return loadRecordTx(store.db.WithContext(ctx))
}

func loadRecordTx(tx *gorm.DB) (*WalletRecord, error) {
	var record WalletRecord
	err := tx.Where("record_key = ?", walletRecordKey).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeLoad, err)
	}
	return &record, nil
}

func saveRecord(tx *gorm.DB, history []wallet.RewardEntry, balance int64, existing *WalletRecord) error {
	encoded, err := json.Marshal(history)
	if err != nil {
		return wrapStoreError(errorSubjectHistory, errorCodeEncode, err)
	}
	record := WalletRecord{
		Key:       walletRecordKey,
		Balance:   balance,
		History:   datatypes.JSON(encoded),
		UpdatedAt: time.Now().UTC(),
	}
	if existing != nil {
		record.IsPro = existing.IsPro
	}
	if err := tx.Save(&record).Error; err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	return nil
}

// healCorruptRecord replaces an unparseable wallet row with an empty one.
func (store *Store) healCorruptRecord(ctx context.Context, cause error) error {
	store.logger.Warn("wallet record corrupt, resetting to empty state", zap.Error(cause))
	err := store.db.WithContext(ctx).Save(&WalletRecord{
		Key:       walletRecordKey,
		Balance:   0,
		History:   datatypes.JSON([]byte(emptyHistoryJSON)),
		UpdatedAt: time.Now().UTC(),
	}).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	return nil
}

func decodeHistory(raw datatypes.JSON) ([]wallet.RewardEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var history []wallet.RewardEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeDecode, wallet.ErrCorruptState)
	}
	return history, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

type sqlCursor struct {
	Cursor int64
}
