// Package rewards orchestrates one ad-gated reward claim at a time: check
// the cooldown gate, run the rewarded ad, credit the wallet optimistically,
// and notify subscribers.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kolayodeme/matchpoints/internal/ads"
	"github.com/kolayodeme/matchpoints/pkg/eventbus"
	"github.com/kolayodeme/matchpoints/pkg/wallet"
)

// State is the terminal state of a claim attempt.
type State string

const (
	StateBlocked State = "blocked"
	StateGranted State = "granted"
	StateFailed  State = "failed"
)

// Failure reasons surfaced on the rewardFailed event.
const (
	FailReasonDismissed = "dismissed"
	FailReasonAdError   = "ad_error"
)

// ErrClaimInFlight rejects a claim while another one is still running.
var ErrClaimInFlight = errors.New("claim already in flight")

// Result describes the outcome of a claim attempt. A Blocked result is a
// policy rejection, not an error: the caller gets the remaining minutes and
// presents them without treating the attempt as a fault.
type Result struct {
	State      State
	Balance    wallet.Credits
	Cooldown   wallet.CooldownState
	FailReason string
}

// Recorder counts claim outcomes for monitoring.
type Recorder interface {
	RewardGranted(amount int64)
	RewardFailed(reason string)
	RewardBlocked()
}

// Controller runs reward claim sessions against the wallet cache.
type Controller struct {
	cache      *wallet.Service
	capability ads.Capability
	bus        *eventbus.Bus
	logger     *zap.Logger
	recorder   Recorder

	cooldown time.Duration
	points   wallet.PositiveCredits

	inFlight atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithCooldown overrides the claim cooldown interval.
func WithCooldown(cooldown time.Duration) Option {
	return func(controller *Controller) {
		if cooldown > 0 {
			controller.cooldown = cooldown
		}
	}
}

// WithPointsPerReward overrides the credit granted per completed ad.
func WithPointsPerReward(points wallet.PositiveCredits) Option {
	return func(controller *Controller) {
		controller.points = points
	}
}

// WithLogger wires a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(controller *Controller) {
		if logger != nil {
			controller.logger = logger
		}
	}
}

// WithRecorder wires outcome counters.
func WithRecorder(recorder Recorder) Option {
	return func(controller *Controller) {
		controller.recorder = recorder
	}
}

// NewController wires a Controller. A nil capability is allowed and degrades
// to auto-grant: reward issuance is never blocked purely by absent ad
// tooling.
func NewController(cache *wallet.Service, capability ads.Capability, bus *eventbus.Bus, options ...Option) (*Controller, error) {
	if cache == nil {
		return nil, fmt.Errorf("%w: cache dependency is nil", wallet.ErrInvalidServiceConfig)
	}
	if bus == nil {
		return nil, fmt.Errorf("%w: bus dependency is nil", wallet.ErrInvalidServiceConfig)
	}
	defaultPoints, err := wallet.NewPositiveCredits(wallet.DefaultPointsPerReward)
	if err != nil {
		return nil, err
	}
	controller := &Controller{
		cache:      cache,
		capability: capability,
		bus:        bus,
		logger:     zap.NewNop(),
		cooldown:   wallet.DefaultCooldown,
		points:     defaultPoints,
	}
	for _, option := range options {
		if option != nil {
			option(controller)
		}
	}
	return controller, nil
}

// Cooldown reports the configured claim interval.
func (controller *Controller) Cooldown() time.Duration {
	return controller.cooldown
}

// Claim runs one reward session: Idle -> Checking -> (Blocked | Requesting)
// -> (Granting | Failed) -> Idle. Only one session runs at a time; a second
// concurrent call is rejected with ErrClaimInFlight.
//
// The credit is granted optimistically as soon as the ad reports completion;
// cross-device consistency is repaired later by the reconciler. An ad that
// resolves after the caller's context was cancelled still finalizes the
// wallet write, so a completed impression can never lose its credit.
func (controller *Controller) Claim(ctx context.Context) (Result, error) {
	if !controller.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrClaimInFlight
	}
	defer controller.inFlight.Store(false)

	cooldownState, err := controller.cache.Claimable(ctx, controller.cooldown)
	if err != nil {
		return Result{}, err
	}
	if cooldownState.OnCooldown {
		controller.logger.Info("reward claim blocked by cooldown",
			zap.Int64("minutes_remaining", cooldownState.MinutesRemaining))
		if controller.recorder != nil {
			controller.recorder.RewardBlocked()
		}
		return Result{
			State:    StateBlocked,
			Balance:  controller.cache.Balance(ctx),
			Cooldown: cooldownState,
		}, nil
	}

	rewarded := true
	if controller.capability != nil {
		rewarded, err = controller.capability.ShowRewardedAd(ctx)
		if err != nil {
			controller.logger.Warn("rewarded ad failed", zap.Error(err))
			return controller.fail(ctx, FailReasonAdError), nil
		}
	} else {
		controller.logger.Debug("no ad capability wired, granting directly")
	}
	if !rewarded {
		return controller.fail(ctx, FailReasonDismissed), nil
	}

	// The user has already earned the reward; detach from the caller's
	// cancellation so teardown cannot drop the credit.
	grantCtx := context.WithoutCancel(ctx)
	balance, err := controller.cache.AddCredits(grantCtx, controller.points, wallet.ReasonReward)
	if err != nil {
		return Result{}, err
	}

	// Published strictly after the durable write above.
	controller.bus.Publish(eventbus.TopicCreditAdded, eventbus.CreditAddedEvent{
		Amount:  controller.points.Int64(),
		Balance: balance.Int64(),
	})
	controller.bus.Publish(eventbus.TopicBalanceChanged, eventbus.BalanceChangedEvent{
		Balance: balance.Int64(),
	})
	if controller.recorder != nil {
		controller.recorder.RewardGranted(controller.points.Int64())
	}
	controller.logger.Info("reward granted",
		zap.Int64("amount", controller.points.Int64()),
		zap.Int64("balance", balance.Int64()))

	armed, err := controller.cache.Claimable(grantCtx, controller.cooldown)
	if err != nil {
		armed = wallet.CooldownState{OnCooldown: true, MinutesRemaining: int64(controller.cooldown / time.Minute)}
	}
	return Result{State: StateGranted, Balance: balance, Cooldown: armed}, nil
}

func (controller *Controller) fail(ctx context.Context, reason string) Result {
	controller.bus.Publish(eventbus.TopicRewardFailed, eventbus.RewardFailedEvent{Reason: reason})
	if controller.recorder != nil {
		controller.recorder.RewardFailed(reason)
	}
	return Result{
		State:      StateFailed,
		Balance:    controller.cache.Balance(ctx),
		FailReason: reason,
	}
}
