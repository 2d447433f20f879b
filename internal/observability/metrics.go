// Package observability exposes wallet and reconciliation counters on a
// dedicated Prometheus registry.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kolayodeme/matchpoints/pkg/eventbus"
)

// Metrics implements the recorder interfaces of the rewards controller and
// the reconciler. The registry is private so tests never collide on the
// global default registry.
type Metrics struct {
	registry *prometheus.Registry

	rewardsGranted    prometheus.Counter
	rewardsFailed     *prometheus.CounterVec
	rewardsBlocked    prometheus.Counter
	creditsGranted    prometheus.Counter
	reconcileRuns     prometheus.Counter
	reconcileFailures prometheus.Counter
	walletBalance     prometheus.Gauge
}

// NewMetrics builds a Metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		rewardsGranted: factory.NewCounter(prometheus.CounterOpts{
			Name: "wallet_rewards_granted_total",
			Help: "Reward claims that ended in a credit grant.",
		}),
		rewardsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_rewards_failed_total",
			Help: "Reward claims that failed, by reason.",
		}, []string{"reason"}),
		rewardsBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "wallet_rewards_blocked_total",
			Help: "Reward claims rejected by the cooldown gate.",
		}),
		creditsGranted: factory.NewCounter(prometheus.CounterOpts{
			Name: "wallet_credits_granted_total",
			Help: "Credits added by granted rewards.",
		}),
		reconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "wallet_reconcile_runs_total",
			Help: "Reconciliation passes started.",
		}),
		reconcileFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "wallet_reconcile_failures_total",
			Help: "Reconciliation passes that ended in an error.",
		}),
		walletBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wallet_balance",
			Help: "Last observed wallet balance.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

// ObserveBus keeps the balance gauge in sync with published balance changes.
// It returns the unsubscribe function.
func (metrics *Metrics) ObserveBus(bus *eventbus.Bus) func() {
	return bus.Subscribe(eventbus.TopicBalanceChanged, func(payload any) {
		if event, ok := payload.(eventbus.BalanceChangedEvent); ok {
			metrics.walletBalance.Set(float64(event.Balance))
		}
	})
}

// RewardGranted counts a successful claim and its credited amount.
func (metrics *Metrics) RewardGranted(amount int64) {
	metrics.rewardsGranted.Inc()
	metrics.creditsGranted.Add(float64(amount))
}

// RewardFailed counts a failed claim under its reason.
func (metrics *Metrics) RewardFailed(reason string) {
	metrics.rewardsFailed.WithLabelValues(reason).Inc()
}

// RewardBlocked counts a cooldown rejection.
func (metrics *Metrics) RewardBlocked() {
	metrics.rewardsBlocked.Inc()
}

// ReconcileRun counts a reconciliation pass.
func (metrics *Metrics) ReconcileRun() {
	metrics.reconcileRuns.Inc()
}

// ReconcileFailure counts a failed reconciliation pass.
func (metrics *Metrics) ReconcileFailure() {
	metrics.reconcileFailures.Inc()
}

// SetBalance records the current wallet balance.
func (metrics *Metrics) SetBalance(balance int64) {
	metrics.walletBalance.Set(float64(balance))
}
