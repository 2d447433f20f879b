package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kolayodeme/matchpoints/internal/ledgerwire"
	"github.com/kolayodeme/matchpoints/internal/store/cachestore"
	"github.com/kolayodeme/matchpoints/pkg/eventbus"
	"github.com/kolayodeme/matchpoints/pkg/wallet"
)

type stubRemote struct {
	mutex        sync.Mutex
	transactions []ledgerwire.Transaction
	err          error
	sinceSeen    []int64
}

func (remote *stubRemote) TransactionsSince(ctx context.Context, userID wallet.UserID, sinceUnixUTC int64) ([]ledgerwire.Transaction, error) {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	remote.sinceSeen = append(remote.sinceSeen, sinceUnixUTC)
	if remote.err != nil {
		return nil, remote.err
	}
	var matched []ledgerwire.Transaction
	for _, transaction := range remote.transactions {
		if transaction.CreatedUnixUTC > sinceUnixUTC {
			matched = append(matched, transaction)
		}
	}
	return matched, nil
}

func (remote *stubRemote) setError(err error) {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	remote.err = err
}

func (remote *stubRemote) lastSince(test *testing.T) int64 {
	test.Helper()
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	if len(remote.sinceSeen) == 0 {
		test.Fatalf("remote was never queried")
	}
	return remote.sinceSeen[len(remote.sinceSeen)-1]
}

func newTestWallet(test *testing.T, now int64) *wallet.Service {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&cachestore.WalletRecord{}, &cachestore.AppliedTransaction{}); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	cache, err := wallet.NewService(cachestore.New(db, zap.NewNop()), func() int64 { return now })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return cache
}

func mustReconciler(test *testing.T, cache *wallet.Service, remote RemoteLedger, bus *eventbus.Bus, options ...Option) *Reconciler {
	test.Helper()
	userID, err := wallet.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	reconciler, err := NewReconciler(cache, remote, bus, userID, options...)
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	return reconciler
}

func TestAdminCreditAppliedExactlyOnce(test *testing.T) {
	test.Parallel()
	cache := newTestWallet(test, 1_000_000)
	remote := &stubRemote{transactions: []ledgerwire.Transaction{{
		ID:             "tx-1",
		UserID:         "user-1",
		Type:           ledgerwire.TypeAdminCredit,
		Amount:         50,
		CreatedUnixUTC: 900,
	}}}
	reconciler := mustReconciler(test, cache, remote, eventbus.New())

	report, err := reconciler.SyncOnce(context.Background())
	if err != nil {
		test.Fatalf("sync: %v", err)
	}
	if report.Applied != 1 {
		test.Fatalf("expected 1 applied, got %+v", report)
	}
	if balance := cache.Balance(context.Background()); balance != 50 {
		test.Fatalf("expected balance 50, got %d", balance)
	}

	// Rerun must be a no-op: the id is in the applied set and the cursor
	// moved past it.
	report, err = reconciler.SyncOnce(context.Background())
	if err != nil {
		test.Fatalf("second sync: %v", err)
	}
	if report.Applied != 0 || report.Fetched != 0 {
		test.Fatalf("expected no-op rerun, got %+v", report)
	}
	if balance := cache.Balance(context.Background()); balance != 50 {
		test.Fatalf("rerun must not change balance, got %d", balance)
	}
	if since := remote.lastSince(test); since != 900 {
		test.Fatalf("expected cursor 900, got %d", since)
	}
	if err := cache.VerifyIntegrity(context.Background()); err != nil {
		test.Fatalf("integrity: %v", err)
	}
}

func TestPlaceholderMatchedInsteadOfDoubleCredit(test *testing.T) {
	test.Parallel()
	cache := newTestWallet(test, 1_000_000)
	ctx := context.Background()

	amount, _ := wallet.NewPositiveCredits(1)
	if _, err := cache.AddCredits(ctx, amount, wallet.ReasonReward); err != nil {
		test.Fatalf("seed placeholder: %v", err)
	}

	// Remote recorded the same grant two minutes later.
	remote := &stubRemote{transactions: []ledgerwire.Transaction{{
		ID:             "tx-7",
		UserID:         "user-1",
		Type:           ledgerwire.TypeAdminCredit,
		Amount:         1,
		CreatedUnixUTC: 1_000_000 + 120,
	}}}
	reconciler := mustReconciler(test, cache, remote, eventbus.New())

	report, err := reconciler.SyncOnce(ctx)
	if err != nil {
		test.Fatalf("sync: %v", err)
	}
	if report.Deduped != 1 || report.Applied != 0 {
		test.Fatalf("expected dedupe, got %+v", report)
	}
	if balance := cache.Balance(ctx); balance != 1 {
		test.Fatalf("matched grant must not credit again, got %d", balance)
	}
	history, err := cache.History(ctx)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 1 || !history[0].Reconciled {
		test.Fatalf("expected reconciled placeholder, got %+v", history)
	}
}

func TestPlaceholderOutsideWindowStillCredits(test *testing.T) {
	test.Parallel()
	cache := newTestWallet(test, 1_000_000)
	ctx := context.Background()

	amount, _ := wallet.NewPositiveCredits(1)
	if _, err := cache.AddCredits(ctx, amount, wallet.ReasonReward); err != nil {
		test.Fatalf("seed entry: %v", err)
	}

	// Same amount but ten minutes apart: a different grant, not the
	// placeholder's remote counterpart.
	remote := &stubRemote{transactions: []ledgerwire.Transaction{{
		ID:             "tx-8",
		UserID:         "user-1",
		Type:           ledgerwire.TypeAdminCredit,
		Amount:         1,
		CreatedUnixUTC: 1_000_000 + 600,
	}}}
	reconciler := mustReconciler(test, cache, remote, eventbus.New())

	report, err := reconciler.SyncOnce(ctx)
	if err != nil {
		test.Fatalf("sync: %v", err)
	}
	if report.Applied != 1 || report.Deduped != 0 {
		test.Fatalf("expected apply, got %+v", report)
	}
	if balance := cache.Balance(ctx); balance != 2 {
		test.Fatalf("expected balance 2, got %d", balance)
	}
}

func TestBackToBackEqualAdminCreditsBothApply(test *testing.T) {
	test.Parallel()
	cache := newTestWallet(test, 1_000_000)
	ctx := context.Background()

	// Two distinct grants of the same amount, a minute apart and close to the
	// device clock. Neither is an ad reward, so neither may absorb the other.
	remote := &stubRemote{transactions: []ledgerwire.Transaction{
		{ID: "tx-1", UserID: "user-1", Type: ledgerwire.TypeAdminCredit, Amount: 50, CreatedUnixUTC: 999_900},
		{ID: "tx-2", UserID: "user-1", Type: ledgerwire.TypeAdminCredit, Amount: 50, CreatedUnixUTC: 999_960},
	}}
	reconciler := mustReconciler(test, cache, remote, eventbus.New())

	report, err := reconciler.SyncOnce(ctx)
	if err != nil {
		test.Fatalf("sync: %v", err)
	}
	if report.Applied != 2 || report.Deduped != 0 {
		test.Fatalf("expected both grants applied, got %+v", report)
	}
	if balance := cache.Balance(ctx); balance != 100 {
		test.Fatalf("expected balance 100, got %d", balance)
	}
	if err := cache.VerifyIntegrity(ctx); err != nil {
		test.Fatalf("integrity: %v", err)
	}
}

func TestNonRewardLocalEntriesNeverAbsorbRemoteCredits(test *testing.T) {
	test.Parallel()
	cache := newTestWallet(test, 1_000_000)
	ctx := context.Background()

	amount, _ := wallet.NewPositiveCredits(5)
	if _, err := cache.AddCredits(ctx, amount, wallet.ReasonPurchase); err != nil {
		test.Fatalf("seed purchase: %v", err)
	}

	// Equal amount inside the window, but a purchase entry is no ad-reward
	// placeholder: the remote credit must land on top of it.
	remote := &stubRemote{transactions: []ledgerwire.Transaction{{
		ID:             "tx-3",
		UserID:         "user-1",
		Type:           ledgerwire.TypeCreditPurchase,
		Amount:         5,
		CreatedUnixUTC: 1_000_000 + 60,
	}}}
	reconciler := mustReconciler(test, cache, remote, eventbus.New())

	report, err := reconciler.SyncOnce(ctx)
	if err != nil {
		test.Fatalf("sync: %v", err)
	}
	if report.Applied != 1 || report.Deduped != 0 {
		test.Fatalf("expected apply, got %+v", report)
	}
	if balance := cache.Balance(ctx); balance != 10 {
		test.Fatalf("expected balance 10, got %d", balance)
	}
}

type flakyStore struct {
	*cachestore.Store
	mutex     sync.Mutex
	remaining int
}

func (store *flakyStore) AppendRemoteEntry(ctx context.Context, entry wallet.RewardEntry, newBalance int64, transactionID wallet.TransactionID, createdUnixUTC int64) error {
	store.mutex.Lock()
	fail := store.remaining > 0
	if fail {
		store.remaining--
	}
	store.mutex.Unlock()
	if fail {
		return errors.New("cache write interrupted")
	}
	return store.Store.AppendRemoteEntry(ctx, entry, newBalance, transactionID, createdUnixUTC)
}

func TestInterruptedApplyDoesNotDoubleCreditOnRetry(test *testing.T) {
	test.Parallel()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&cachestore.WalletRecord{}, &cachestore.AppliedTransaction{}); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	flaky := &flakyStore{Store: cachestore.New(db, zap.NewNop()), remaining: 1}
	cache, err := wallet.NewService(flaky, func() int64 { return 1_000_000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	remote := &stubRemote{transactions: []ledgerwire.Transaction{{
		ID:             "tx-1",
		UserID:         "user-1",
		Type:           ledgerwire.TypeAdminCredit,
		Amount:         50,
		CreatedUnixUTC: 900,
	}}}
	reconciler := mustReconciler(test, cache, remote, eventbus.New())

	// The credit and its applied mark share one store transaction, so the
	// interrupted pass leaves no trace.
	if _, err := reconciler.SyncOnce(ctx); err == nil {
		test.Fatalf("expected failure while the cache write is interrupted")
	}
	if balance := cache.Balance(ctx); balance != 0 {
		test.Fatalf("interrupted pass must not change balance, got %d", balance)
	}

	report, err := reconciler.SyncOnce(ctx)
	if err != nil {
		test.Fatalf("retry sync: %v", err)
	}
	if report.Applied != 1 {
		test.Fatalf("expected retry apply, got %+v", report)
	}
	if balance := cache.Balance(ctx); balance != 50 {
		test.Fatalf("expected balance 50 after retry, got %d", balance)
	}

	report, err = reconciler.SyncOnce(ctx)
	if err != nil {
		test.Fatalf("third sync: %v", err)
	}
	if report.Fetched != 0 {
		test.Fatalf("expected quiet rerun, got %+v", report)
	}
	if balance := cache.Balance(ctx); balance != 50 {
		test.Fatalf("rerun must not change balance, got %d", balance)
	}
	if err := cache.VerifyIntegrity(ctx); err != nil {
		test.Fatalf("integrity: %v", err)
	}
}

func TestProTogglesFollowRemote(test *testing.T) {
	test.Parallel()
	cache := newTestWallet(test, 1_000_000)
	ctx := context.Background()
	remote := &stubRemote{transactions: []ledgerwire.Transaction{
		{ID: "tx-a", UserID: "user-1", Type: ledgerwire.TypeProEnabled, CreatedUnixUTC: 100},
		{ID: "tx-b", UserID: "user-1", Type: ledgerwire.TypeProExpired, CreatedUnixUTC: 200},
	}}
	reconciler := mustReconciler(test, cache, remote, eventbus.New())

	if _, err := reconciler.SyncOnce(ctx); err != nil {
		test.Fatalf("sync: %v", err)
	}
	// Applied oldest first, so the later expiry wins.
	pro, err := cache.ProStatus(ctx)
	if err != nil {
		test.Fatalf("pro status: %v", err)
	}
	if pro {
		test.Fatalf("expected pro disabled after expiry")
	}
}

func TestCreditUseAndUnknownTypesHaveNoLocalEffect(test *testing.T) {
	test.Parallel()
	cache := newTestWallet(test, 1_000_000)
	ctx := context.Background()
	remote := &stubRemote{transactions: []ledgerwire.Transaction{
		{ID: "tx-u", UserID: "user-1", Type: ledgerwire.TypeCreditUse, Amount: -3, CreatedUnixUTC: 100},
		{ID: "tx-x", UserID: "user-1", Type: "MYSTERY", Amount: 9, CreatedUnixUTC: 200},
	}}
	reconciler := mustReconciler(test, cache, remote, eventbus.New())

	report, err := reconciler.SyncOnce(ctx)
	if err != nil {
		test.Fatalf("sync: %v", err)
	}
	if report.Skipped != 2 || report.Applied != 0 {
		test.Fatalf("expected both skipped, got %+v", report)
	}
	if balance := cache.Balance(ctx); balance != 0 {
		test.Fatalf("expected untouched balance, got %d", balance)
	}
	// Both ids are still recorded so reruns stay quiet.
	transactionID, _ := wallet.NewTransactionID("tx-x")
	applied, err := cache.AppliedTransaction(ctx, transactionID)
	if err != nil || !applied {
		test.Fatalf("expected recorded id, got %v/%v", applied, err)
	}
}

type countingRecorder struct {
	mutex    sync.Mutex
	runs     int
	failures int
}

func (recorder *countingRecorder) ReconcileRun() {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.runs++
}

func (recorder *countingRecorder) ReconcileFailure() {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.failures++
}

func TestRemoteFailureIsRetriable(test *testing.T) {
	test.Parallel()
	cache := newTestWallet(test, 1_000_000)
	ctx := context.Background()
	remote := &stubRemote{transactions: []ledgerwire.Transaction{{
		ID:             "tx-1",
		UserID:         "user-1",
		Type:           ledgerwire.TypeAdminCredit,
		Amount:         5,
		CreatedUnixUTC: 100,
	}}}
	remote.setError(errors.New("ledger unreachable"))
	recorder := &countingRecorder{}
	reconciler := mustReconciler(test, cache, remote, eventbus.New(), WithRecorder(recorder))

	if _, err := reconciler.SyncOnce(ctx); err == nil {
		test.Fatalf("expected failure while remote is down")
	}
	if balance := cache.Balance(ctx); balance != 0 {
		test.Fatalf("failed pass must not change balance, got %d", balance)
	}

	remote.setError(nil)
	report, err := reconciler.SyncOnce(ctx)
	if err != nil {
		test.Fatalf("recovery sync: %v", err)
	}
	if report.Applied != 1 {
		test.Fatalf("expected recovery apply, got %+v", report)
	}
	if recorder.runs != 2 || recorder.failures != 1 {
		test.Fatalf("expected 2 runs / 1 failure, got %d/%d", recorder.runs, recorder.failures)
	}
}

func TestRunHonorsCancellation(test *testing.T) {
	test.Parallel()
	cache := newTestWallet(test, 1_000_000)
	remote := &stubRemote{}
	reconciler := mustReconciler(test, cache, remote, eventbus.New(), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reconciler.Run(ctx) }()

	reconciler.Trigger()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			test.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("Run did not stop on cancellation")
	}
}
