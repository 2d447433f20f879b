package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kolayodeme/matchpoints/pkg/eventbus"
)

func scrape(test *testing.T, metrics *Metrics) string {
	test.Helper()
	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	return recorder.Body.String()
}

func TestCountersAppearInExposition(test *testing.T) {
	test.Parallel()
	metrics := NewMetrics()
	metrics.RewardGranted(1)
	metrics.RewardFailed("dismissed")
	metrics.RewardBlocked()
	metrics.ReconcileRun()
	metrics.ReconcileFailure()
	metrics.SetBalance(42)

	body := scrape(test, metrics)
	for _, expected := range []string{
		"wallet_rewards_granted_total 1",
		`wallet_rewards_failed_total{reason="dismissed"} 1`,
		"wallet_rewards_blocked_total 1",
		"wallet_credits_granted_total 1",
		"wallet_reconcile_runs_total 1",
		"wallet_reconcile_failures_total 1",
		"wallet_balance 42",
	} {
		if !strings.Contains(body, expected) {
			test.Fatalf("missing %q in exposition:\n%s", expected, body)
		}
	}
}

func TestBalanceGaugeFollowsBus(test *testing.T) {
	test.Parallel()
	metrics := NewMetrics()
	bus := eventbus.New()
	unsubscribe := metrics.ObserveBus(bus)
	defer unsubscribe()

	bus.Publish(eventbus.TopicBalanceChanged, eventbus.BalanceChangedEvent{Balance: 7})
	if !strings.Contains(scrape(test, metrics), "wallet_balance 7") {
		test.Fatalf("gauge did not follow bus")
	}

	unsubscribe()
	bus.Publish(eventbus.TopicBalanceChanged, eventbus.BalanceChangedEvent{Balance: 99})
	if !strings.Contains(scrape(test, metrics), "wallet_balance 7") {
		test.Fatalf("gauge moved after unsubscribe")
	}
}

func TestRegistriesAreIsolated(test *testing.T) {
	test.Parallel()
	first := NewMetrics()
	second := NewMetrics()
	first.RewardGranted(1)
	if strings.Contains(scrape(test, second), "wallet_rewards_granted_total 1") {
		test.Fatalf("registries must not share state")
	}
}
