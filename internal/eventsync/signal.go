// Package eventsync provides the single shared notification primitive the
// control loop, console listener, and worker launcher all wait and signal
// on.
package eventsync

import (
	"context"
	"sync"
)

// Signal is a broadcast condition variable implemented with a replaced
// channel: every Wait() call gets a channel that closes on the next
// Notify(), after which a fresh channel is installed for subsequent
// waiters. Unlike sync.Cond, a Signal's wait can be combined with
// ctx.Done() and other channels in a select.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// New returns a ready Signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Wait returns a channel that closes the next time Notify is called after
// this call. A Notify that happened before Wait was called is not seen by
// the returned channel, so callers should take the channel first, then
// check their own condition, and only then block on the channel; after it
// closes they should re-check, since the close does not mean their
// specific condition became true.
func (s *Signal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Notify wakes every goroutine currently blocked in Wait().
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

// WaitContext blocks until Notify is called or ctx is done, whichever comes
// first. Returns ctx.Err() if ctx wins the race, nil otherwise.
func (s *Signal) WaitContext(ctx context.Context) error {
	select {
	case <-s.Wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
