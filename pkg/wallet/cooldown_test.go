package wallet

import (
	"testing"
	"time"
)

func TestClaimabilityEmptyHistory(test *testing.T) {
	test.Parallel()
	state := Claimability(nil, 1_000_000, DefaultCooldown)
	if state.OnCooldown {
		test.Fatalf("expected claimable with empty history, got %+v", state)
	}
	if state.MinutesRemaining != 0 {
		test.Fatalf("expected 0 minutes remaining, got %d", state.MinutesRemaining)
	}
}

func TestClaimabilityBoundaries(test *testing.T) {
	test.Parallel()
	const rewardAt = int64(100_000)
	history := []RewardEntry{
		{EntryID: "e1", Amount: 1, Reason: ReasonReward, UnixUTC: rewardAt},
	}

	testCases := []struct {
		name             string
		nowUnixUTC       int64
		onCooldown       bool
		minutesRemaining int64
	}{
		{"immediately after reward", rewardAt, true, 60},
		{"59 minutes later", rewardAt + 59*60, true, 1},
		{"59 minutes 59 seconds later", rewardAt + 60*60 - 1, true, 1},
		{"exactly 60 minutes later", rewardAt + 60*60, false, 0},
		{"well past cooldown", rewardAt + 3*60*60, false, 0},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			state := Claimability(history, testCase.nowUnixUTC, DefaultCooldown)
			if state.OnCooldown != testCase.onCooldown {
				test.Fatalf("expected onCooldown=%v, got %+v", testCase.onCooldown, state)
			}
			if state.MinutesRemaining != testCase.minutesRemaining {
				test.Fatalf("expected %d minutes remaining, got %d", testCase.minutesRemaining, state.MinutesRemaining)
			}
		})
	}
}

func TestClaimabilityIgnoresNonRewardEntries(test *testing.T) {
	test.Parallel()
	now := int64(500_000)
	history := []RewardEntry{
		{EntryID: "d1", Amount: -3, Reason: ReasonDeduction, UnixUTC: now - 10},
		{EntryID: "p1", Amount: 50, Reason: ReasonPurchase, UnixUTC: now - 20},
		{EntryID: "a1", Amount: 10, Reason: ReasonAdminGrant, UnixUTC: now - 30},
	}
	state := Claimability(history, now, DefaultCooldown)
	if state.OnCooldown {
		test.Fatalf("only reward entries should arm the cooldown, got %+v", state)
	}
}

func TestClaimabilityUsesMaxTimestampNotInsertionOrder(test *testing.T) {
	test.Parallel()
	now := int64(900_000)
	// Newest reward stored first; the scan must not assume ordering.
	history := []RewardEntry{
		{EntryID: "r2", Amount: 1, Reason: ReasonReward, UnixUTC: now - 5*60},
		{EntryID: "r1", Amount: 1, Reason: ReasonReward, UnixUTC: now - 3*60*60},
	}
	state := Claimability(history, now, DefaultCooldown)
	if !state.OnCooldown {
		test.Fatalf("expected cooldown from newest reward, got %+v", state)
	}
	if state.MinutesRemaining != 55 {
		test.Fatalf("expected 55 minutes remaining, got %d", state.MinutesRemaining)
	}
}

func TestClaimabilityBackwardClockFailsSafe(test *testing.T) {
	test.Parallel()
	now := int64(100_000)
	history := []RewardEntry{
		{EntryID: "r1", Amount: 1, Reason: ReasonReward, UnixUTC: now + 30*60},
	}
	state := Claimability(history, now, DefaultCooldown)
	if !state.OnCooldown {
		test.Fatalf("future reward timestamp must not allow immediate re-claim")
	}
	if state.MinutesRemaining != 60 {
		test.Fatalf("expected full cooldown remaining, got %d", state.MinutesRemaining)
	}
}

func TestClaimabilityShortCooldown(test *testing.T) {
	test.Parallel()
	history := []RewardEntry{
		{EntryID: "r1", Amount: 1, Reason: ReasonReward, UnixUTC: 0},
	}
	state := Claimability(history, 4*60, 5*time.Minute)
	if !state.OnCooldown || state.MinutesRemaining != 1 {
		test.Fatalf("expected 1 minute remaining on 5m cooldown, got %+v", state)
	}
}
