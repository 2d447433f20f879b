package ads

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestSimulatedDefaultsToRewarded(test *testing.T) {
	test.Parallel()
	capability := NewSimulated(zap.NewNop())
	if err := capability.Initialize(context.Background()); err != nil {
		test.Fatalf("initialize: %v", err)
	}
	rewarded, err := capability.ShowRewardedAd(context.Background())
	if err != nil {
		test.Fatalf("show rewarded: %v", err)
	}
	if !rewarded {
		test.Fatalf("simulated capability must auto-complete by default")
	}
	if capability.RewardedShown() != 1 {
		test.Fatalf("expected 1 impression, got %d", capability.RewardedShown())
	}
}

func TestSimulatedRequiresInitialize(test *testing.T) {
	test.Parallel()
	capability := NewSimulated(nil)
	if _, err := capability.ShowRewardedAd(context.Background()); !errors.Is(err, ErrNotInitialized) {
		test.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestScriptedDismissalAndError(test *testing.T) {
	test.Parallel()
	capability := NewSimulated(nil)
	if err := capability.Initialize(context.Background()); err != nil {
		test.Fatalf("initialize: %v", err)
	}

	capability.ScriptOutcome(OutcomeDismissed, nil)
	rewarded, err := capability.ShowRewardedAd(context.Background())
	if err != nil || rewarded {
		test.Fatalf("expected dismissed outcome, got %v/%v", rewarded, err)
	}

	capability.ScriptOutcome(OutcomeError, nil)
	if _, err := capability.ShowRewardedAd(context.Background()); !errors.Is(err, ErrAdUnavailable) {
		test.Fatalf("expected ErrAdUnavailable, got %v", err)
	}
}

func TestConfigValidateFillsTestUnits(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	cfg.Validate()
	if cfg.BannerUnitID == "" || cfg.InterstitialUnitID == "" || cfg.RewardedUnitID == "" {
		test.Fatalf("expected test unit ids, got %+v", cfg)
	}
	custom := Config{RewardedUnitID: "unit-1"}
	custom.Validate()
	if custom.RewardedUnitID != "unit-1" {
		test.Fatalf("explicit unit id must be kept, got %q", custom.RewardedUnitID)
	}
}

func TestBannerLifecycle(test *testing.T) {
	test.Parallel()
	capability := NewSimulated(nil)
	if err := capability.ShowBanner(BannerBottomCenter); !errors.Is(err, ErrNotInitialized) {
		test.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := capability.Initialize(context.Background()); err != nil {
		test.Fatalf("initialize: %v", err)
	}
	if err := capability.ShowBanner(BannerBottomCenter); err != nil {
		test.Fatalf("show banner: %v", err)
	}
	if err := capability.HideBanner(); err != nil {
		test.Fatalf("hide banner: %v", err)
	}
	if err := capability.RemoveBanner(); err != nil {
		test.Fatalf("remove banner: %v", err)
	}
}
