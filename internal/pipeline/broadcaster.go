package pipeline

import "sync"

// subscriptionBuffer is the per-subscriber event buffer. A subscriber that
// falls further behind than this loses events rather than slowing the
// publisher; it converges on its next store poll.
const subscriptionBuffer = 16

// Broadcaster fans ProgressEvents out to live subscribers, grouped by asset.
// Delivery is volatile and at-most-once: no buffering beyond a small channel,
// no replay, no cross-asset ordering. Events for one asset are delivered to
// each subscriber in publish order.
type Broadcaster struct {
	mu     sync.RWMutex
	groups map[string]map[*Subscription]struct{}
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{groups: make(map[string]map[*Subscription]struct{})}
}

// Subscription is one subscriber's membership in an asset's event group.
type Subscription struct {
	hub     *Broadcaster
	assetID string
	events  chan ProgressEvent
	once    sync.Once
}

// Events returns the channel on which this subscription receives events.
// The channel is closed when the subscription is closed.
func (s *Subscription) Events() <-chan ProgressEvent {
	return s.events
}

// Close removes the subscription from its group. Safe to call any number of
// times, and concurrently with an in-flight Publish.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		group := s.hub.groups[s.assetID]
		delete(group, s)
		if len(group) == 0 {
			delete(s.hub.groups, s.assetID)
		}
		close(s.events)
	})
}

// Subscribe joins the event group for assetID and returns the membership.
// The caller owns the returned Subscription and must Close it.
func (b *Broadcaster) Subscribe(assetID string) *Subscription {
	sub := &Subscription{
		hub:     b,
		assetID: assetID,
		events:  make(chan ProgressEvent, subscriptionBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	group, ok := b.groups[assetID]
	if !ok {
		group = make(map[*Subscription]struct{})
		b.groups[assetID] = group
	}
	group[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every current subscriber of ev.AssetID. It never
// blocks: a subscriber with a full buffer is skipped.
func (b *Broadcaster) Publish(ev ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.groups[ev.AssetID] {
		select {
		case sub.events <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscriptions across all assets.
// Used for metrics.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, group := range b.groups {
		n += len(group)
	}
	return n
}
