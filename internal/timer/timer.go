// ABOUTME: Cancellable one-shot timers and tickers, the Timer Service used by the Alert Engine and Lifecycle Manager.
// ABOUTME: Cancellation is race-safe: if Cancel returns true the function is guaranteed not to run.
package timer

import (
	"sync"
	"time"
)

// Service is a constructed, non-global source of wall-clock time and
// cancellable timers. It replaces ambient package-level timers so each
// test can own an independent set of pending timers.
type Service struct {
	mu     sync.Mutex
	timers map[*Handle]*time.Timer
}

// New constructs a Timer Service.
func New() *Service {
	return &Service{timers: make(map[*Handle]*time.Timer)}
}

// Handle identifies a scheduled one-shot timer for later cancellation.
type Handle struct {
	fired atomicBool
}

// Now returns the current time in whole seconds since the epoch.
func (s *Service) Now() int64 {
	return time.Now().Unix()
}

// Schedule fires fn once after delay unless cancelled first. The returned
// Handle is passed to Cancel. If Cancel returns true, fn is guaranteed not
// to have run and never to run; if it returns false, either fn has already
// been started (it may still be running or have completed) or the handle is
// not pending in this Service (already cancelled, or unknown).
func (s *Service) Schedule(delay time.Duration, fn func()) *Handle {
	h := &Handle{}
	t := time.AfterFunc(delay, func() {
		fired := h.fired.trySet()

		s.mu.Lock()
		delete(s.timers, h)
		s.mu.Unlock()

		if fired {
			fn()
		}
	})

	s.mu.Lock()
	s.timers[h] = t
	s.mu.Unlock()

	return h
}

// Cancel attempts to stop a scheduled timer before it fires.
// Returns true if the timer was stopped before fn ran.
func (s *Service) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}

	s.mu.Lock()
	t, ok := s.timers[h]
	delete(s.timers, h)
	s.mu.Unlock()

	if !ok {
		return false
	}

	stopped := t.Stop()
	if stopped {
		// Claim fired ourselves so a concurrent AfterFunc invocation
		// (already past Stop's race window) still honors the contract.
		return h.fired.trySet()
	}
	return false
}

// TickerHandle controls a periodic callback started with Every.
type TickerHandle struct {
	stop chan struct{}
	once sync.Once
}

// Stop ends the periodic callback. Safe to call more than once.
func (t *TickerHandle) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Every runs fn repeatedly at the given interval until the returned
// handle is stopped.
func (s *Service) Every(interval time.Duration, fn func()) *TickerHandle {
	h := &TickerHandle{stop: make(chan struct{})}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-h.stop:
				return
			}
		}
	}()

	return h
}

// atomicBool is a tiny CAS-guarded bool used to make fire-vs-cancel a
// single winner without pulling in sync/atomic's verbose API for one bit.
type atomicBool struct {
	mu  sync.Mutex
	set bool
}

func (b *atomicBool) trySet() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set {
		return false
	}
	b.set = true
	return true
}
