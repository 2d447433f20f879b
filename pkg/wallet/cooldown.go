package wallet

import "time"

// Claimability derives the cooldown decision from history. It is a pure
// function of its inputs; callers pass the current time explicitly.
//
// The most recent reward is found by a max-by-timestamp scan rather than by
// position, because under clock skew insertion order is not guaranteed to
// equal time order. Only positive entries with reason "reward" count; spends,
// purchases, and admin grants never arm the cooldown.
//
// If the latest reward timestamp lies in the future (device clock moved
// backward), the gate fails safe: not claimable, full cooldown remaining.
func Claimability(history []RewardEntry, nowUnixUTC int64, cooldown time.Duration) CooldownState {
	cooldownMinutes := int64(cooldown / time.Minute)

	var lastRewardUnixUTC int64
	found := false
	for _, entry := range history {
		if entry.Reason != ReasonReward || entry.Amount <= 0 {
			continue
		}
		if !found || entry.UnixUTC > lastRewardUnixUTC {
			lastRewardUnixUTC = entry.UnixUTC
			found = true
		}
	}
	if !found {
		return CooldownState{OnCooldown: false, MinutesRemaining: 0}
	}
	if lastRewardUnixUTC > nowUnixUTC {
		return CooldownState{OnCooldown: true, MinutesRemaining: cooldownMinutes}
	}

	elapsedSeconds := nowUnixUTC - lastRewardUnixUTC
	if elapsedSeconds >= int64(cooldown/time.Second) {
		return CooldownState{OnCooldown: false, MinutesRemaining: 0}
	}
	elapsedMinutes := elapsedSeconds / 60
	remaining := cooldownMinutes - elapsedMinutes
	if remaining < 0 {
		remaining = 0
	}
	return CooldownState{OnCooldown: true, MinutesRemaining: remaining}
}
