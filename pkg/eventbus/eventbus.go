// Package eventbus is the in-process change notification channel between the
// wallet subsystem and presentation layers. Delivery is synchronous and
// live-only: a subscriber attached after a publish does not see it.
package eventbus

import "sync"

// Topics published by the wallet subsystem.
const (
	TopicCreditAdded    = "creditAdded"
	TopicCreditUsed     = "creditUsed"
	TopicRewardFailed   = "rewardFailed"
	TopicBalanceChanged = "balanceChanged"
)

// CreditAddedEvent announces an optimistic or reconciled credit grant.
type CreditAddedEvent struct {
	Amount  int64 `json:"amount"`
	Balance int64 `json:"balance"`
}

// CreditUsedEvent announces a deduction or spend.
type CreditUsedEvent struct {
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
	Balance int64  `json:"balance"`
}

// RewardFailedEvent announces a claim attempt that ended without a grant.
type RewardFailedEvent struct {
	Reason string `json:"reason"`
}

// BalanceChangedEvent announces the post-write balance.
type BalanceChangedEvent struct {
	Balance int64 `json:"balance"`
}

// Handler receives a published payload.
type Handler func(payload any)

// Bus fans published events out to live subscribers.
type Bus struct {
	mutex       sync.RWMutex
	nextID      int
	subscribers map[string]map[int]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for a topic and returns its unsubscribe
// function. Unsubscribing twice is harmless.
func (bus *Bus) Subscribe(topic string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.nextID++
	subscriberID := bus.nextID
	if bus.subscribers[topic] == nil {
		bus.subscribers[topic] = make(map[int]Handler)
	}
	bus.subscribers[topic][subscriberID] = handler
	return func() {
		bus.mutex.Lock()
		defer bus.mutex.Unlock()
		delete(bus.subscribers[topic], subscriberID)
	}
}

// Publish delivers payload to every live subscriber of topic, synchronously,
// on the caller's goroutine. Publishing to a topic with no subscribers is a
// no-op; nothing is persisted or replayed.
func (bus *Bus) Publish(topic string, payload any) {
	bus.mutex.RLock()
	handlers := make([]Handler, 0, len(bus.subscribers[topic]))
	for _, handler := range bus.subscribers[topic] {
		handlers = append(handlers, handler)
	}
	bus.mutex.RUnlock()
	for _, handler := range handlers {
		handler(payload)
	}
}

// SubscriberCount reports live subscribers on a topic.
func (bus *Bus) SubscriberCount(topic string) int {
	bus.mutex.RLock()
	defer bus.mutex.RUnlock()
	return len(bus.subscribers[topic])
}
