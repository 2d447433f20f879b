// Package ads abstracts the rewarded/interstitial/banner ad network behind a
// capability interface so the reward flow never depends on a concrete SDK.
package ads

import (
	"context"
	"errors"
)

// BannerPosition places a banner ad on screen.
type BannerPosition string

const (
	BannerTopCenter    BannerPosition = "top_center"
	BannerBottomCenter BannerPosition = "bottom_center"
)

// Well-known rewarded ad outcomes.
var (
	// ErrAdUnavailable means the network could not load an ad at all.
	ErrAdUnavailable = errors.New("ad unavailable")
	// ErrNotInitialized means Initialize was not called or failed.
	ErrNotInitialized = errors.New("ad capability not initialized")
)

// Capability is the surface the reward engine needs from an ad network.
// ShowRewardedAd returns true only when the user completed the impression
// and earned the reward; false means dismissed without reward.
type Capability interface {
	Initialize(ctx context.Context) error
	ShowRewardedAd(ctx context.Context) (bool, error)
	ShowInterstitialAd(ctx context.Context) (bool, error)
	ShowBanner(position BannerPosition) error
	HideBanner() error
	RemoveBanner() error
}

// Config carries the ad unit wiring. The defaults are Google's published
// test unit ids so a dev build never serves production inventory.
type Config struct {
	BannerUnitID       string
	InterstitialUnitID string
	RewardedUnitID     string
	Testing            bool
}

const (
	testBannerUnitID       = "ca-app-pub-3940256099942544/6300978111"
	testInterstitialUnitID = "ca-app-pub-3940256099942544/1033173712"
	testRewardedUnitID     = "ca-app-pub-3940256099942544/5224354917"
)

// Validate fills missing unit ids with test inventory.
func (cfg *Config) Validate() {
	if cfg.BannerUnitID == "" {
		cfg.BannerUnitID = testBannerUnitID
	}
	if cfg.InterstitialUnitID == "" {
		cfg.InterstitialUnitID = testInterstitialUnitID
	}
	if cfg.RewardedUnitID == "" {
		cfg.RewardedUnitID = testRewardedUnitID
	}
}
