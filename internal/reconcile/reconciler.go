// Package reconcile repairs the device-local wallet against the
// authoritative remote ledger. It pulls transactions the device has not seen,
// applies the ones with local effect exactly once, and matches optimistic
// local placeholders so a grant recorded on both sides is never counted
// twice.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kolayodeme/matchpoints/internal/ledgerwire"
	"github.com/kolayodeme/matchpoints/pkg/eventbus"
	"github.com/kolayodeme/matchpoints/pkg/wallet"
)

const (
	// DefaultInterval is how often the background loop pulls the remote
	// ledger when nothing triggers an earlier run.
	DefaultInterval = 15 * time.Minute
	// DefaultMatchWindow bounds how far apart a local placeholder and its
	// remote counterpart may be recorded and still count as the same grant.
	DefaultMatchWindow = 5 * time.Minute
)

// RemoteLedger is the read surface the reconciler needs from the
// authoritative store.
type RemoteLedger interface {
	// TransactionsSince returns the user's transactions created strictly
	// after sinceUnixUTC, any order.
	TransactionsSince(ctx context.Context, userID wallet.UserID, sinceUnixUTC int64) ([]ledgerwire.Transaction, error)
}

// Recorder counts reconciliation outcomes for monitoring.
type Recorder interface {
	ReconcileRun()
	ReconcileFailure()
}

// Report summarizes one reconciliation pass.
type Report struct {
	Fetched int
	Applied int
	Deduped int
	Skipped int
}

// Reconciler drives periodic and on-demand reconciliation passes.
type Reconciler struct {
	cache    *wallet.Service
	remote   RemoteLedger
	bus      *eventbus.Bus
	logger   *zap.Logger
	recorder Recorder

	userID      wallet.UserID
	interval    time.Duration
	matchWindow time.Duration

	trigger chan struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInterval overrides the background pull interval.
func WithInterval(interval time.Duration) Option {
	return func(reconciler *Reconciler) {
		if interval > 0 {
			reconciler.interval = interval
		}
	}
}

// WithMatchWindow overrides the placeholder match window.
func WithMatchWindow(window time.Duration) Option {
	return func(reconciler *Reconciler) {
		if window > 0 {
			reconciler.matchWindow = window
		}
	}
}

// WithLogger wires a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(reconciler *Reconciler) {
		if logger != nil {
			reconciler.logger = logger
		}
	}
}

// WithRecorder wires outcome counters.
func WithRecorder(recorder Recorder) Option {
	return func(reconciler *Reconciler) {
		reconciler.recorder = recorder
	}
}

// NewReconciler wires a Reconciler for one user's wallet.
func NewReconciler(cache *wallet.Service, remote RemoteLedger, bus *eventbus.Bus, userID wallet.UserID, options ...Option) (*Reconciler, error) {
	if cache == nil {
		return nil, fmt.Errorf("%w: cache dependency is nil", wallet.ErrInvalidServiceConfig)
	}
	if remote == nil {
		return nil, fmt.Errorf("%w: remote ledger dependency is nil", wallet.ErrInvalidServiceConfig)
	}
	if bus == nil {
		return nil, fmt.Errorf("%w: bus dependency is nil", wallet.ErrInvalidServiceConfig)
	}
	reconciler := &Reconciler{
		cache:       cache,
		remote:      remote,
		bus:         bus,
		logger:      zap.NewNop(),
		userID:      userID,
		interval:    DefaultInterval,
		matchWindow: DefaultMatchWindow,
		trigger:     make(chan struct{}, 1),
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// Trigger requests an out-of-band pass. It never blocks; a pass already
// pending absorbs the request.
func (reconciler *Reconciler) Trigger() {
	select {
	case reconciler.trigger <- struct{}{}:
	default:
	}
}

// Run executes an immediate pass and then loops until ctx is cancelled,
// waking on the interval ticker or on Trigger. A failing pass is logged and
// retried on the next wakeup; it never stops the loop.
func (reconciler *Reconciler) Run(ctx context.Context) error {
	if _, err := reconciler.SyncOnce(ctx); err != nil {
		reconciler.logger.Warn("initial reconciliation failed", zap.Error(err))
	}
	ticker := time.NewTicker(reconciler.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-reconciler.trigger:
		}
		if _, err := reconciler.SyncOnce(ctx); err != nil {
			reconciler.logger.Warn("reconciliation failed", zap.Error(err))
		}
	}
}

// SyncOnce runs a single reconciliation pass: pull remote transactions past
// the applied cursor, apply them oldest first, and record each id so a rerun
// is a no-op.
func (reconciler *Reconciler) SyncOnce(ctx context.Context) (Report, error) {
	if reconciler.recorder != nil {
		reconciler.recorder.ReconcileRun()
	}
	report := Report{}

	cursor, err := reconciler.cache.SyncCursor(ctx)
	if err != nil {
		return report, reconciler.failed(err)
	}
	transactions, err := reconciler.remote.TransactionsSince(ctx, reconciler.userID, cursor)
	if err != nil {
		return report, reconciler.failed(err)
	}
	report.Fetched = len(transactions)
	sort.SliceStable(transactions, func(left, right int) bool {
		return transactions[left].CreatedUnixUTC < transactions[right].CreatedUnixUTC
	})

	for _, transaction := range transactions {
		outcome, err := reconciler.apply(ctx, transaction)
		if err != nil {
			// Stop the pass here so the cursor does not advance past the
			// failed transaction; the next pass retries it.
			return report, reconciler.failed(err)
		}
		switch outcome {
		case outcomeApplied:
			report.Applied++
		case outcomeDeduped:
			report.Deduped++
		case outcomeSkipped:
			report.Skipped++
		}
	}
	reconciler.logger.Info("reconciliation pass complete",
		zap.Int("fetched", report.Fetched),
		zap.Int("applied", report.Applied),
		zap.Int("deduped", report.Deduped),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

type applyOutcome int

const (
	outcomeApplied applyOutcome = iota
	outcomeDeduped
	outcomeSkipped
)

func (reconciler *Reconciler) apply(ctx context.Context, transaction ledgerwire.Transaction) (applyOutcome, error) {
	transactionID, err := wallet.NewTransactionID(transaction.ID)
	if err != nil {
		reconciler.logger.Warn("remote transaction without id, ignoring",
			zap.String("type", transaction.Type))
		return outcomeSkipped, nil
	}
	alreadyApplied, err := reconciler.cache.AppliedTransaction(ctx, transactionID)
	if err != nil {
		return outcomeSkipped, err
	}
	if alreadyApplied {
		return outcomeSkipped, nil
	}

	if reason, ok := ledgerwire.CreditEffect(transaction.Type); ok {
		return reconciler.applyCredit(ctx, transactionID, transaction, reason)
	}
	if enabled, ok := ledgerwire.ProEffect(transaction.Type); ok {
		// Setting the flag twice is harmless, so the toggle and the applied
		// mark do not need a shared transaction.
		if err := reconciler.cache.SetProStatus(ctx, enabled); err != nil {
			return outcomeSkipped, err
		}
		if err := reconciler.cache.MarkTransactionApplied(ctx, transactionID, transaction.CreatedUnixUTC); err != nil {
			return outcomeSkipped, err
		}
		return outcomeApplied, nil
	}

	if ledgerwire.KnownType(transaction.Type) {
		// Only CREDIT_USE reaches here. Spends originate on a device and are
		// already in its local history; replaying them would double-deduct.
	} else {
		reconciler.logger.Warn("unknown remote transaction type, recording without effect",
			zap.String("transaction_id", transactionID.String()),
			zap.String("type", transaction.Type))
	}
	if err := reconciler.cache.MarkTransactionApplied(ctx, transactionID, transaction.CreatedUnixUTC); err != nil {
		return outcomeSkipped, err
	}
	return outcomeSkipped, nil
}

// applyCredit adds a remote credit to the local wallet, unless an optimistic
// local placeholder already covers it. Both paths write the wallet change and
// the applied-id mark through one store transaction, so a partial failure
// retries cleanly instead of crediting or reconciling twice.
func (reconciler *Reconciler) applyCredit(ctx context.Context, transactionID wallet.TransactionID, transaction ledgerwire.Transaction, reason wallet.RewardReason) (applyOutcome, error) {
	if transaction.Amount <= 0 {
		reconciler.logger.Warn("credit transaction with non-positive amount, ignoring",
			zap.String("transaction_id", transaction.ID),
			zap.Int64("amount", transaction.Amount))
		if err := reconciler.cache.MarkTransactionApplied(ctx, transactionID, transaction.CreatedUnixUTC); err != nil {
			return outcomeSkipped, err
		}
		return outcomeSkipped, nil
	}

	if entryID, found, err := reconciler.matchPlaceholder(ctx, transaction); err != nil {
		return outcomeSkipped, err
	} else if found {
		if err := reconciler.cache.ReconcileRemoteTransaction(ctx, entryID, transactionID, transaction.CreatedUnixUTC); err != nil {
			return outcomeSkipped, err
		}
		reconciler.logger.Info("remote credit matched local placeholder",
			zap.String("transaction_id", transaction.ID),
			zap.String("entry_id", entryID))
		return outcomeDeduped, nil
	}

	amount, err := wallet.NewPositiveCredits(transaction.Amount)
	if err != nil {
		return outcomeSkipped, err
	}
	balance, err := reconciler.cache.ApplyRemoteCredit(ctx, transactionID, amount, reason, transaction.CreatedUnixUTC)
	if err != nil {
		return outcomeSkipped, err
	}
	reconciler.bus.Publish(eventbus.TopicCreditAdded, eventbus.CreditAddedEvent{
		Amount:  transaction.Amount,
		Balance: balance.Int64(),
	})
	reconciler.bus.Publish(eventbus.TopicBalanceChanged, eventbus.BalanceChangedEvent{
		Balance: balance.Int64(),
	})
	return outcomeApplied, nil
}

// matchPlaceholder looks for the optimistic local ad-reward entry a remote
// credit duplicates. Only unreconciled reward entries qualify: they are the
// one kind of grant recorded on both sides without a shared id. Entries from
// other reasons, including ones this reconciler wrote itself, never absorb a
// remote transaction.
func (reconciler *Reconciler) matchPlaceholder(ctx context.Context, transaction ledgerwire.Transaction) (string, bool, error) {
	history, err := reconciler.cache.History(ctx)
	if err != nil {
		return "", false, err
	}
	window := int64(reconciler.matchWindow / time.Second)
	for _, entry := range history {
		if entry.Reconciled || entry.Reason != wallet.ReasonReward || entry.Amount != transaction.Amount {
			continue
		}
		delta := entry.UnixUTC - transaction.CreatedUnixUTC
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return entry.EntryID, true, nil
		}
	}
	return "", false, nil
}

func (reconciler *Reconciler) failed(err error) error {
	if reconciler.recorder != nil {
		reconciler.recorder.ReconcileFailure()
	}
	return err
}
