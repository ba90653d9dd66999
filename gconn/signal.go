package gconn

import (
	"sync"
	"time"
)

// Signal is a single observed liveness event on a connection.
type Signal struct {
	// At is the local time at which the transport observed the inbound activity.
	At time.Time
}

// SignalToken identifies one liveness-signal subscription,
// so that teardown is exact rather than relying on
// comparing registered handler values.
type SignalToken uint64

// SignalBroker is a fan-out from a transport's read loop
// to any number of liveness-signal subscribers.
// The zero value is ready to use.
//
// Emit never blocks:
// a subscriber whose channel is full misses that signal,
// which is acceptable because any single delivered signal
// fully resets a watchdog's staleness tracking.
type SignalBroker struct {
	mu      sync.Mutex
	nextTok SignalToken
	subs    map[SignalToken]chan<- Signal
}

// Subscribe registers ch to receive emitted signals
// and returns the token for later unsubscription.
func (b *SignalBroker) Subscribe(ch chan<- Signal) SignalToken {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[SignalToken]chan<- Signal)
	}

	b.nextTok++
	tok := b.nextTok
	b.subs[tok] = ch
	return tok
}

// Unsubscribe removes the subscription identified by tok.
// Once Unsubscribe returns, no further sends to the subscribed channel occur,
// even if an Emit call is in flight on another goroutine.
func (b *SignalBroker) Unsubscribe(tok SignalToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[tok]; !ok {
		return UnknownSignalTokenError{Token: tok}
	}

	delete(b.subs, tok)
	return nil
}

// Emit delivers sig to every subscriber whose channel can immediately accept it.
func (b *SignalBroker) Emit(sig Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

// NumSubscribers reports the count of live subscriptions.
// This is primarily useful in tests asserting exact teardown.
func (b *SignalBroker) NumSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}
