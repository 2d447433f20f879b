package wallet

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Credits is a non-negative credit balance.
type Credits int64

// PositiveCredits is a strictly positive credit amount.
type PositiveCredits struct {
	value int64
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// TransactionID identifies a remote ledger transaction.
type TransactionID struct {
	value string
}

// RewardReason classifies a wallet history entry.
type RewardReason string

const (
	ReasonReward     RewardReason = "reward"
	ReasonDeduction  RewardReason = "deduction"
	ReasonPurchase   RewardReason = "purchase"
	ReasonAdminGrant RewardReason = "admin_grant"
	ReasonReferral   RewardReason = "referral"
	ReasonPro        RewardReason = "pro"
)

// String returns the reason literal.
func (reason RewardReason) String() string {
	return string(reason)
}

// ParseRewardReason validates a raw reason value.
func ParseRewardReason(raw string) (RewardReason, error) {
	switch RewardReason(raw) {
	case ReasonReward, ReasonDeduction, ReasonPurchase, ReasonAdminGrant, ReasonReferral, ReasonPro:
		return RewardReason(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRewardReason, raw)
}

// RewardEntry is a single immutable line in the local wallet history.
// Amount is signed: positive for credits earned, negative for deductions.
// Reconciled marks a local reward placeholder superseded by a remote
// transaction so reconciliation does not double count it.
type RewardEntry struct {
	EntryID    string       `json:"entry_id"`
	Amount     int64        `json:"amount"`
	Reason     RewardReason `json:"reason"`
	UnixUTC    int64        `json:"unix_utc"`
	Reconciled bool         `json:"reconciled,omitempty"`
}

// CooldownState is the derived claimability decision. It is recomputed on
// demand from history and never persisted.
type CooldownState struct {
	OnCooldown       bool
	MinutesRemaining int64
}

// NewCredits validates a non-negative balance value.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw balance value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates a strictly positive amount.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return PositiveCredits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits{value: raw}, nil
}

// Int64 returns the raw amount.
func (amount PositiveCredits) Int64() int64 {
	return amount.value
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewRewardEntry validates a history line before it is appended.
func NewRewardEntry(entryID string, amount int64, reason RewardReason, unixUTC int64) (RewardEntry, error) {
	if strings.TrimSpace(entryID) == "" {
		return RewardEntry{}, fmt.Errorf("%w: empty entry id", ErrInvalidRewardEntry)
	}
	if amount == 0 {
		return RewardEntry{}, fmt.Errorf("%w: zero amount", ErrInvalidRewardEntry)
	}
	if _, err := ParseRewardReason(reason.String()); err != nil {
		return RewardEntry{}, err
	}
	return RewardEntry{
		EntryID: entryID,
		Amount:  amount,
		Reason:  reason,
		UnixUTC: unixUTC,
	}, nil
}

// Timestamp returns the entry time in UTC.
func (entry RewardEntry) Timestamp() time.Time {
	return time.Unix(entry.UnixUTC, 0).UTC()
}

// SumHistory adds up the signed amounts of a history slice.
func SumHistory(history []RewardEntry) int64 {
	var sum int64
	for _, entry := range history {
		sum += entry.Amount
	}
	return sum
}

// SortHistoryAscending orders entries by timestamp, oldest first. Entries
// with equal timestamps keep their relative (insertion) order.
func SortHistoryAscending(history []RewardEntry) {
	sort.SliceStable(history, func(left, right int) bool {
		return history[left].UnixUTC < history[right].UnixUTC
	})
}
