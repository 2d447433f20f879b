package ledgerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kolayodeme/matchpoints/internal/ledgerwire"
	"github.com/kolayodeme/matchpoints/internal/store/ledgerstore"
)

func newTestServer(test *testing.T) (*gin.Engine, *Authenticator, *ledgerstore.Store) {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	store := ledgerstore.New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	cfg := Config{TokenSigningKey: "test-signing-key"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	authenticator, err := NewAuthenticator([]byte(cfg.TokenSigningKey), cfg.TokenIssuer)
	if err != nil {
		test.Fatalf("authenticator: %v", err)
	}
	handler := &httpHandler{logger: zap.NewNop(), store: store, cfg: cfg}
	return setupRouter(cfg, handler, authenticator), authenticator, store
}

func mustToken(test *testing.T, authenticator *Authenticator, userID string, roles ...string) string {
	test.Helper()
	token, err := authenticator.IssueToken(userID, roles, time.Hour)
	if err != nil {
		test.Fatalf("issue token: %v", err)
	}
	return token
}

func doJSON(test *testing.T, router *gin.Engine, method string, path string, token string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	request := httptest.NewRequest(method, path, payload)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	router, _, _ := newTestServer(test)
	recorder := doJSON(test, router, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestRequestsWithoutTokenRejected(test *testing.T) {
	test.Parallel()
	router, _, _ := newTestServer(test)
	recorder := doJSON(test, router, http.MethodGet, "/api/transactions", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestOwnerCannotReadStrangersLedger(test *testing.T) {
	test.Parallel()
	router, authenticator, _ := newTestServer(test)
	token := mustToken(test, authenticator, "user-1")
	recorder := doJSON(test, router, http.MethodGet, "/api/transactions?user=user-2", token, nil)
	if recorder.Code != http.StatusForbidden {
		test.Fatalf("expected 403, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestAdminReadsAnyUsersLedger(test *testing.T) {
	test.Parallel()
	router, authenticator, store := newTestServer(test)
	if _, err := store.InsertTransaction(context.Background(), ledgerwire.Transaction{
		UserID:         "user-2",
		Type:           ledgerwire.TypeAdminCredit,
		Amount:         5,
		CreatedUnixUTC: 100,
	}); err != nil {
		test.Fatalf("seed: %v", err)
	}
	token := mustToken(test, authenticator, "admin-1", "admin")
	recorder := doJSON(test, router, http.MethodGet, "/api/transactions?user=user-2", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Transactions []ledgerwire.Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if len(response.Transactions) != 1 || response.Transactions[0].UserID != "user-2" {
		test.Fatalf("unexpected transactions: %+v", response.Transactions)
	}
}

func TestAdminCreditWritesTransactionAndNotification(test *testing.T) {
	test.Parallel()
	router, authenticator, store := newTestServer(test)
	token := mustToken(test, authenticator, "admin-1", "admin")

	recorder := doJSON(test, router, http.MethodPost, "/api/admin/credits", token, adminCreditRequest{
		UserID:      "user-1",
		Amount:      50,
		Description: "welcome grant",
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	transactions, err := store.ListTransactionsSince(context.Background(), "user-1", 0, 0)
	if err != nil || len(transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d/%v", len(transactions), err)
	}
	if transactions[0].Type != ledgerwire.TypeAdminCredit || transactions[0].Amount != 50 {
		test.Fatalf("unexpected transaction: %+v", transactions[0])
	}
	if transactions[0].AdminID != "admin-1" {
		test.Fatalf("expected admin attribution, got %+v", transactions[0])
	}
	notifications, err := store.ListNotifications(context.Background(), "user-1", true, 0)
	if err != nil || len(notifications) != 1 {
		test.Fatalf("expected 1 unread notification, got %d/%v", len(notifications), err)
	}
}

func TestAdminEndpointsRequireAdminRole(test *testing.T) {
	test.Parallel()
	router, authenticator, _ := newTestServer(test)
	token := mustToken(test, authenticator, "user-1")
	recorder := doJSON(test, router, http.MethodPost, "/api/admin/credits", token, adminCreditRequest{
		UserID: "user-1",
		Amount: 10,
	})
	if recorder.Code != http.StatusForbidden {
		test.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestDeviceTransactionUploadIsIdempotent(test *testing.T) {
	test.Parallel()
	router, authenticator, _ := newTestServer(test)
	token := mustToken(test, authenticator, "user-1")
	request := recordTransactionRequest{
		ID:     "22222222-2222-2222-2222-222222222222",
		Type:   ledgerwire.TypeCreditUse,
		Amount: -3,
	}

	recorder := doJSON(test, router, http.MethodPost, "/api/transactions", token, request)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = doJSON(test, router, http.MethodPost, "/api/transactions", token, request)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 on replay, got %d", recorder.Code)
	}
	var response struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if response.Status != "duplicate" {
		test.Fatalf("expected duplicate status, got %q", response.Status)
	}
}

func TestDeviceTransactionTypeRestricted(test *testing.T) {
	test.Parallel()
	router, authenticator, _ := newTestServer(test)
	token := mustToken(test, authenticator, "user-1")
	recorder := doJSON(test, router, http.MethodPost, "/api/transactions", token, recordTransactionRequest{
		ID:     "33333333-3333-3333-3333-333333333333",
		Type:   ledgerwire.TypeAdminCredit,
		Amount: -3,
	})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for forbidden type, got %d", recorder.Code)
	}
}

func TestReferralCreditsCaller(test *testing.T) {
	test.Parallel()
	router, authenticator, store := newTestServer(test)
	token := mustToken(test, authenticator, "user-1")

	recorder := doJSON(test, router, http.MethodPost, "/api/referrals", token, referralRequest{
		ReferredUserID: "user-9",
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	transactions, err := store.ListTransactionsSince(context.Background(), "user-1", 0, 0)
	if err != nil || len(transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d/%v", len(transactions), err)
	}
	if transactions[0].Type != ledgerwire.TypeReferralCredit || transactions[0].Amount != ReferralCreditAmount() {
		test.Fatalf("unexpected transaction: %+v", transactions[0])
	}

	selfReferral := doJSON(test, router, http.MethodPost, "/api/referrals", token, referralRequest{
		ReferredUserID: "user-1",
	})
	if selfReferral.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for self referral, got %d", selfReferral.Code)
	}
}

func TestNotificationReadFlow(test *testing.T) {
	test.Parallel()
	router, authenticator, store := newTestServer(test)
	token := mustToken(test, authenticator, "user-1")

	inserted, err := store.InsertNotification(context.Background(), ledgerwire.Notification{
		UserID:         "user-1",
		Title:          "t",
		Message:        "m",
		Type:           ledgerwire.NotificationInfo,
		CreatedUnixUTC: 100,
	})
	if err != nil {
		test.Fatalf("seed: %v", err)
	}

	recorder := doJSON(test, router, http.MethodGet, "/api/notifications?unread=true", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	var listed struct {
		Notifications []ledgerwire.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if len(listed.Notifications) != 1 {
		test.Fatalf("expected 1 unread, got %d", len(listed.Notifications))
	}

	recorder = doJSON(test, router, http.MethodPatch, "/api/notifications/"+inserted.ID+"/read", token, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	strangerToken := mustToken(test, authenticator, "user-2")
	recorder = doJSON(test, router, http.MethodPatch, "/api/notifications/"+inserted.ID+"/read", strangerToken, nil)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404 for stranger, got %d", recorder.Code)
	}
}

func TestExpiredTokenRejected(test *testing.T) {
	test.Parallel()
	router, authenticator, _ := newTestServer(test)
	token, err := authenticator.IssueToken("user-1", nil, -time.Minute)
	if err != nil {
		test.Fatalf("issue token: %v", err)
	}
	recorder := doJSON(test, router, http.MethodGet, "/api/transactions", token, nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 for expired token, got %d", recorder.Code)
	}
}
