// Package ledgerwire defines the JSON shapes shared by the remote ledger
// server, its HTTP client, and the reconciler.
package ledgerwire

import "github.com/kolayodeme/matchpoints/pkg/wallet"

// Remote transaction types. The values are the wire literals stored by the
// ledger service.
const (
	TypeCreditPurchase = "CREDIT_PURCHASE"
	TypeCreditUse      = "CREDIT_USE"
	TypeProPurchase    = "PRO_PURCHASE"
	TypeAdminCredit    = "ADMIN_CREDIT"
	TypeReferralCredit = "REFERRAL_CREDIT"
	TypeProExpired     = "PRO_EXPIRED"
	TypeProEnabled     = "PRO_ENABLED"
	TypeProDisabled    = "PRO_DISABLED"
)

// Notification severities.
const (
	NotificationInfo    = "info"
	NotificationSuccess = "success"
	NotificationWarning = "warning"
	NotificationError   = "error"
)

// Transaction is one row of the authoritative remote ledger.
type Transaction struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	Description    string `json:"description,omitempty"`
	AdminID        string `json:"adminId,omitempty"`
	CreatedUnixUTC int64  `json:"created"`
}

// Notification is a user-facing message produced by ledger-side actions such
// as admin grants.
type Notification struct {
	ID             string `json:"id"`
	UserID         string `json:"user"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	Type           string `json:"type"`
	IsRead         bool   `json:"isRead"`
	CreatedUnixUTC int64  `json:"createdAt"`
}

// CreditEffect maps a transaction type to the local wallet reason it credits
// under. The second return is false for types that do not add credits.
func CreditEffect(transactionType string) (wallet.RewardReason, bool) {
	switch transactionType {
	case TypeAdminCredit:
		return wallet.ReasonAdminGrant, true
	case TypeReferralCredit:
		return wallet.ReasonReferral, true
	case TypeCreditPurchase:
		return wallet.ReasonPurchase, true
	}
	return "", false
}

// ProEffect maps a transaction type to the Pro flag it sets. The second
// return is false for types that do not touch the Pro subscription.
func ProEffect(transactionType string) (bool, bool) {
	switch transactionType {
	case TypeProEnabled, TypeProPurchase:
		return true, true
	case TypeProDisabled, TypeProExpired:
		return false, true
	}
	return false, false
}

// KnownType reports whether the wire literal is one the reconciler
// understands.
func KnownType(transactionType string) bool {
	if _, ok := CreditEffect(transactionType); ok {
		return true
	}
	if _, ok := ProEffect(transactionType); ok {
		return true
	}
	return transactionType == TypeCreditUse
}
