// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package linking

import (
	"sync"
	"sync/atomic"
)

// subscriptionBuffer is each subscriber's channel capacity. A
// subscriber that falls this far behind starts losing events; there is
// no replay beyond the snapshot priming at subscribe time.
const subscriptionBuffer = 32

// Broadcaster fans one session's events out to any number of
// subscribers. Publishing never blocks: a full subscriber channel
// drops the event for that subscriber only.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber, delivering the prime events
// before anything published afterwards. Priming happens under the
// broadcaster lock, so it cannot race a concurrent Close. After Close,
// the returned subscription's channel is already closed and the prime
// events are discarded.
func (b *Broadcaster) Subscribe(prime ...Event) *Subscription {
	sub := &Subscription{b: b, ch: make(chan Event, subscriptionBuffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	for _, ev := range prime {
		sub.send(ev)
	}
	return sub
}

// Publish delivers ev to every current subscriber.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.send(ev)
	}
}

// Close ends the stream: all subscriber channels are closed and
// further Subscribe calls return closed subscriptions. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// Subscription is one subscriber's view of a session event stream.
type Subscription struct {
	b       *Broadcaster
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the subscriber's channel. It is closed when the
// session ends or the subscription is cancelled.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the
// subscriber was not draining its channel.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel removes the subscription and closes its channel. Idempotent,
// and safe to call concurrently with Publish.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if _, ok := s.b.subs[s]; ok {
			delete(s.b.subs, s)
			close(s.ch)
		}
	})
}

// send performs the non-blocking delivery. Callers hold b.mu, the same
// lock every close of s.ch runs under, so send can never hit a closed
// channel.
func (s *Subscription) send(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}
