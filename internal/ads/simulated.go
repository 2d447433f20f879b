package ads

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// RewardOutcome scripts what a simulated rewarded ad reports.
type RewardOutcome int

const (
	OutcomeRewarded RewardOutcome = iota
	OutcomeDismissed
	OutcomeError
)

// SimulatedCapability stands in for the real ad SDK in environments without
// one. Selection is an explicit configuration decision (a "simulate" flag),
// never an environment sniff, so test and production code paths stay
// unambiguous. The default outcome is a completed impression: reward
// issuance must not be blocked purely by absent ad tooling.
type SimulatedCapability struct {
	logger *zap.Logger

	mutex       sync.Mutex
	initialized bool
	outcome     RewardOutcome
	outcomeErr  error
	banner      bool
	rewardedN   int
}

// NewSimulated returns a capability that auto-completes rewarded ads.
func NewSimulated(logger *zap.Logger) *SimulatedCapability {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedCapability{logger: logger, outcome: OutcomeRewarded}
}

// ScriptOutcome sets the result of subsequent ShowRewardedAd calls. Tests use
// it to force dismissals and load failures.
func (capability *SimulatedCapability) ScriptOutcome(outcome RewardOutcome, err error) {
	capability.mutex.Lock()
	defer capability.mutex.Unlock()
	capability.outcome = outcome
	capability.outcomeErr = err
}

// Initialize marks the capability ready.
func (capability *SimulatedCapability) Initialize(ctx context.Context) error {
	capability.mutex.Lock()
	defer capability.mutex.Unlock()
	capability.initialized = true
	capability.logger.Info("simulated ad capability initialized")
	return nil
}

// ShowRewardedAd reports the scripted outcome.
func (capability *SimulatedCapability) ShowRewardedAd(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	capability.mutex.Lock()
	defer capability.mutex.Unlock()
	if !capability.initialized {
		return false, ErrNotInitialized
	}
	capability.rewardedN++
	switch capability.outcome {
	case OutcomeRewarded:
		return true, nil
	case OutcomeDismissed:
		return false, nil
	default:
		if capability.outcomeErr != nil {
			return false, capability.outcomeErr
		}
		return false, ErrAdUnavailable
	}
}

// ShowInterstitialAd always succeeds in simulation.
func (capability *SimulatedCapability) ShowInterstitialAd(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	capability.mutex.Lock()
	defer capability.mutex.Unlock()
	if !capability.initialized {
		return false, ErrNotInitialized
	}
	return true, nil
}

// ShowBanner records a visible banner.
func (capability *SimulatedCapability) ShowBanner(position BannerPosition) error {
	capability.mutex.Lock()
	defer capability.mutex.Unlock()
	if !capability.initialized {
		return ErrNotInitialized
	}
	capability.banner = true
	return nil
}

// HideBanner hides the banner without destroying it.
func (capability *SimulatedCapability) HideBanner() error {
	capability.mutex.Lock()
	defer capability.mutex.Unlock()
	capability.banner = false
	return nil
}

// RemoveBanner destroys the banner.
func (capability *SimulatedCapability) RemoveBanner() error {
	capability.mutex.Lock()
	defer capability.mutex.Unlock()
	capability.banner = false
	return nil
}

// RewardedShown reports how many rewarded impressions were requested.
func (capability *SimulatedCapability) RewardedShown() int {
	capability.mutex.Lock()
	defer capability.mutex.Unlock()
	return capability.rewardedN
}
