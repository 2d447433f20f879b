package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract used by Service.
// (cachestore implements this already.)
type Store interface {
	// Snapshot returns the stored balance and the full history.
	Snapshot(ctx context.Context) (int64, []RewardEntry, error)
	// AppendEntry atomically appends a history line and updates the balance.
	AppendEntry(ctx context.Context, entry RewardEntry, newBalance int64) error
	// MarkReconciled flags a local entry as superseded by a remote transaction.
	MarkReconciled(ctx context.Context, entryID string) error
	// IsApplied reports whether a remote transaction id was already applied.
	IsApplied(ctx context.Context, transactionID TransactionID) (bool, error)
	// MarkApplied records a remote transaction id in the applied set.
	MarkApplied(ctx context.Context, transactionID TransactionID, createdUnixUTC int64) error
	// AppendRemoteEntry appends a history line, updates the balance, and
	// records the remote transaction id in one transaction.
	AppendRemoteEntry(ctx context.Context, entry RewardEntry, newBalance int64, transactionID TransactionID, createdUnixUTC int64) error
	// ReconcileEntry flags a local entry as superseded and records the remote
	// transaction id that superseded it in one transaction.
	ReconcileEntry(ctx context.Context, entryID string, transactionID TransactionID, createdUnixUTC int64) error
	// AppliedCursor returns the newest created time among applied transactions.
	AppliedCursor(ctx context.Context) (int64, error)
	// ProStatus reads the cached Pro subscription flag.
	ProStatus(ctx context.Context) (bool, error)
	// SetProStatus updates the cached Pro subscription flag.
	SetProStatus(ctx context.Context, enabled bool) error
	// Reset clears all device-local wallet state (logout).
	Reset(ctx context.Context) error
}

// Service contains the wallet domain logic over a Store.
//
// Mutations are serialized through a mutex: the design assumes a single
// logical writer per device, but callers on goroutines must not be able to
// break the balance == sum(history) invariant.
type Service struct {
	store  Store
	nowFn  func() int64
	newID  func() string
	logger OperationLogger

	mutations sync.Mutex
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current spendable balance. It never fails: an
// unreadable store reports zero, and the anomaly goes to the operation log.
func (service *Service) Balance(ctx context.Context) Credits {
	balance, history, err := service.store.Snapshot(ctx)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationBalance, Error: err})
		return 0
	}
	if sum := SumHistory(history); sum != balance {
		service.logOperation(ctx, OperationLog{
			Operation: operationBalance,
			Balance:   Credits(sum),
			Error:     fmt.Errorf("%w: balance=%d sum=%d", ErrBalanceIntegrity, balance, sum),
		})
		return creditsOrZero(sum)
	}
	return creditsOrZero(balance)
}

// AddCredits appends a positive history entry and returns the new balance.
func (service *Service) AddCredits(ctx context.Context, amount PositiveCredits, reason RewardReason) (Credits, error) {
	service.mutations.Lock()
	defer service.mutations.Unlock()

	balance, _, err := service.snapshotHealed(ctx)
	if err != nil {
		return 0, service.logged(ctx, operationAdd, amount.Int64(), reason, 0, err)
	}
	entry, err := NewRewardEntry(service.newID(), amount.Int64(), reason, service.nowFn())
	if err != nil {
		return 0, service.logged(ctx, operationAdd, amount.Int64(), reason, 0, err)
	}
	newBalance := balance + amount.Int64()
	if err := service.store.AppendEntry(ctx, entry, newBalance); err != nil {
		return 0, service.logged(ctx, operationAdd, amount.Int64(), reason, 0, err)
	}
	result := Credits(newBalance)
	service.logged(ctx, operationAdd, amount.Int64(), reason, result, nil)
	return result, nil
}

// DeductCredits removes up to amount credits, clamping the balance at zero.
// It returns the new balance and the effective deduction, which may be
// smaller than requested. The history records the effective amount so the
// balance/history invariant holds.
func (service *Service) DeductCredits(ctx context.Context, amount PositiveCredits) (Credits, Credits, error) {
	service.mutations.Lock()
	defer service.mutations.Unlock()

	balance, _, err := service.snapshotHealed(ctx)
	if err != nil {
		return 0, 0, service.logged(ctx, operationDeduct, amount.Int64(), ReasonDeduction, 0, err)
	}
	effective := amount.Int64()
	if effective > balance {
		effective = balance
	}
	if effective == 0 {
		service.logged(ctx, operationDeduct, 0, ReasonDeduction, Credits(balance), nil)
		return Credits(balance), 0, nil
	}
	entry, err := NewRewardEntry(service.newID(), -effective, ReasonDeduction, service.nowFn())
	if err != nil {
		return 0, 0, service.logged(ctx, operationDeduct, amount.Int64(), ReasonDeduction, 0, err)
	}
	newBalance := balance - effective
	if err := service.store.AppendEntry(ctx, entry, newBalance); err != nil {
		return 0, 0, service.logged(ctx, operationDeduct, amount.Int64(), ReasonDeduction, 0, err)
	}
	service.logged(ctx, operationDeduct, -effective, ReasonDeduction, Credits(newBalance), nil)
	return Credits(newBalance), Credits(effective), nil
}

// Spend removes exactly amount credits or rejects with
// ErrInsufficientBalance. Unlike DeductCredits it never clamps: a spend the
// user cannot afford is a policy rejection, not a partial deduction.
func (service *Service) Spend(ctx context.Context, amount PositiveCredits) (Credits, error) {
	service.mutations.Lock()
	defer service.mutations.Unlock()

	balance, _, err := service.snapshotHealed(ctx)
	if err != nil {
		return 0, service.logged(ctx, operationSpend, amount.Int64(), ReasonDeduction, 0, err)
	}
	if balance < amount.Int64() {
		return Credits(balance), service.logged(ctx, operationSpend, amount.Int64(), ReasonDeduction, Credits(balance), ErrInsufficientBalance)
	}
	entry, err := NewRewardEntry(service.newID(), -amount.Int64(), ReasonDeduction, service.nowFn())
	if err != nil {
		return 0, service.logged(ctx, operationSpend, amount.Int64(), ReasonDeduction, 0, err)
	}
	newBalance := balance - amount.Int64()
	if err := service.store.AppendEntry(ctx, entry, newBalance); err != nil {
		return 0, service.logged(ctx, operationSpend, amount.Int64(), ReasonDeduction, 0, err)
	}
	service.logged(ctx, operationSpend, -amount.Int64(), ReasonDeduction, Credits(newBalance), nil)
	return Credits(newBalance), nil
}

// History returns all history entries ordered by timestamp ascending.
func (service *Service) History(ctx context.Context) ([]RewardEntry, error) {
	_, history, err := service.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	SortHistoryAscending(history)
	return history, nil
}

// Claimable recomputes the cooldown gate from current history.
func (service *Service) Claimable(ctx context.Context, cooldown time.Duration) (CooldownState, error) {
	_, history, err := service.store.Snapshot(ctx)
	if err != nil {
		return CooldownState{}, err
	}
	return Claimability(history, service.nowFn(), cooldown), nil
}

// VerifyIntegrity checks the balance/history invariant.
func (service *Service) VerifyIntegrity(ctx context.Context) error {
	balance, history, err := service.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	if sum := SumHistory(history); sum != balance {
		return fmt.Errorf("%w: balance=%d sum=%d", ErrBalanceIntegrity, balance, sum)
	}
	return nil
}

// MarkReconciled flags a local reward placeholder as superseded.
func (service *Service) MarkReconciled(ctx context.Context, entryID string) error {
	service.mutations.Lock()
	defer service.mutations.Unlock()
	err := service.store.MarkReconciled(ctx, entryID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationReconcile, Error: err})
	}
	return err
}

// ApplyRemoteCredit credits a remote transaction and records its id through
// one store transaction. Either both effects land or neither does, so a
// retry after a partial failure can never apply the amount twice. The entry
// is born reconciled: it mirrors a remote row, not an optimistic local grant.
func (service *Service) ApplyRemoteCredit(ctx context.Context, transactionID TransactionID, amount PositiveCredits, reason RewardReason, createdUnixUTC int64) (Credits, error) {
	service.mutations.Lock()
	defer service.mutations.Unlock()

	balance, _, err := service.snapshotHealed(ctx)
	if err != nil {
		return 0, service.logged(ctx, operationApplyRemote, amount.Int64(), reason, 0, err)
	}
	entry, err := NewRewardEntry(service.newID(), amount.Int64(), reason, service.nowFn())
	if err != nil {
		return 0, service.logged(ctx, operationApplyRemote, amount.Int64(), reason, 0, err)
	}
	entry.Reconciled = true
	newBalance := balance + amount.Int64()
	if err := service.store.AppendRemoteEntry(ctx, entry, newBalance, transactionID, createdUnixUTC); err != nil {
		return 0, service.logged(ctx, operationApplyRemote, amount.Int64(), reason, 0, err)
	}
	result := Credits(newBalance)
	service.logged(ctx, operationApplyRemote, amount.Int64(), reason, result, nil)
	return result, nil
}

// ReconcileRemoteTransaction marks a local placeholder as superseded by a
// remote transaction and records that transaction id, atomically.
func (service *Service) ReconcileRemoteTransaction(ctx context.Context, entryID string, transactionID TransactionID, createdUnixUTC int64) error {
	service.mutations.Lock()
	defer service.mutations.Unlock()
	err := service.store.ReconcileEntry(ctx, entryID, transactionID, createdUnixUTC)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationReconcile, Error: err})
	}
	return err
}

// AppliedTransaction reports whether a remote transaction id was applied.
func (service *Service) AppliedTransaction(ctx context.Context, transactionID TransactionID) (bool, error) {
	return service.store.IsApplied(ctx, transactionID)
}

// MarkTransactionApplied records a remote transaction id as applied.
func (service *Service) MarkTransactionApplied(ctx context.Context, transactionID TransactionID, createdUnixUTC int64) error {
	service.mutations.Lock()
	defer service.mutations.Unlock()
	return service.store.MarkApplied(ctx, transactionID, createdUnixUTC)
}

// SyncCursor returns the reconciliation cursor derived from applied ids.
func (service *Service) SyncCursor(ctx context.Context) (int64, error) {
	return service.store.AppliedCursor(ctx)
}

// ProStatus reads the cached Pro flag.
func (service *Service) ProStatus(ctx context.Context) (bool, error) {
	return service.store.ProStatus(ctx)
}

// SetProStatus updates the cached Pro flag.
func (service *Service) SetProStatus(ctx context.Context, enabled bool) error {
	service.mutations.Lock()
	defer service.mutations.Unlock()
	return service.store.SetProStatus(ctx, enabled)
}

// Reset clears the device-local wallet so a later login cannot observe a
// previous user's balance.
func (service *Service) Reset(ctx context.Context) error {
	service.mutations.Lock()
	defer service.mutations.Unlock()
	err := service.store.Reset(ctx)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationReset, Error: err})
	}
	return err
}

// snapshotHealed loads the stored balance, repairing it from the history sum
// when the two disagree. The repaired value is used as the mutation base so
// the invariant holds by construction after the append.
func (service *Service) snapshotHealed(ctx context.Context) (int64, []RewardEntry, error) {
	balance, history, err := service.store.Snapshot(ctx)
	if err != nil {
		return 0, nil, err
	}
	if sum := SumHistory(history); sum != balance {
		service.logOperation(ctx, OperationLog{
			Operation: operationBalance,
			Balance:   Credits(sum),
			Error:     fmt.Errorf("%w: balance=%d sum=%d", ErrBalanceIntegrity, balance, sum),
		})
		balance = sum
	}
	return balance, history, nil
}

func (service *Service) logged(ctx context.Context, operation string, amount int64, reason RewardReason, balance Credits, err error) error {
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		Amount:    amount,
		Reason:    reason,
		Balance:   balance,
		Error:     err,
	})
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func creditsOrZero(raw int64) Credits {
	if raw < 0 {
		return 0
	}
	return Credits(raw)
}
