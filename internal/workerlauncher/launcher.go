// Package workerlauncher is the bounded worker pool for one test run: it
// owns every worker slot, applies the ramp-up policy, and reports
// completion back through a shared eventsync.Signal so the control loop
// can block in allFinished.
package workerlauncher

import (
	"sync"
	"time"

	"github.com/ngrinder/agent/internal/eventsync"
	"github.com/ngrinder/agent/internal/workerproc"
)

type slotState int

const (
	slotPending slotState = iota
	slotStarting
	slotRunning
	slotFinished
	slotDestroyed
)

// Launcher is a bounded pool of size capacity (grinder.processes). It owns
// one Factory for the whole test run and assigns worker numbers in launch
// order.
type Launcher struct {
	factory  workerproc.Factory
	capacity int
	signal   *eventsync.Signal
	onError  func(workerNumber int, err error)

	mu        sync.Mutex
	slots     []slotState
	workers   []workerproc.Worker
	capStarts int // dontStartAnyMore cap; starts at capacity

	rampOnce sync.Once
	rampDone chan struct{}
}

// New returns a Launcher with capacity slots, all Pending. signal is
// notified every time a slot changes state, waking any goroutine blocked in
// AllFinished/Shutdown. onError (optional) is called if a worker fails to
// start; the slot is then treated as immediately Finished.
func New(factory workerproc.Factory, capacity int, signal *eventsync.Signal, onError func(int, error)) *Launcher {
	return &Launcher{
		factory:   factory,
		capacity:  capacity,
		signal:    signal,
		onError:   onError,
		slots:     make([]slotState, capacity),
		workers:   make([]workerproc.Worker, capacity),
		capStarts: capacity,
	}
}

// StartSomeWorkers starts up to k additional workers, respecting the
// remaining capacity, and reports whether further starts remain possible.
func (l *Launcher) StartSomeWorkers(k int) bool {
	l.mu.Lock()
	toStart := make([]int, 0, k)
	for idx := 0; idx < l.capStarts && len(toStart) < k; idx++ {
		if l.slots[idx] == slotPending {
			l.slots[idx] = slotStarting
			toStart = append(toStart, idx)
		}
	}
	l.mu.Unlock()

	for _, idx := range toStart {
		w, err := l.factory.Create(idx)
		if err != nil {
			if l.onError != nil {
				l.onError(idx, err)
			}
			l.mu.Lock()
			l.slots[idx] = slotFinished
			l.mu.Unlock()
			continue
		}
		l.mu.Lock()
		l.workers[idx] = w
		l.slots[idx] = slotRunning
		l.mu.Unlock()
		go l.watch(idx, w)
	}
	l.signal.Notify()

	l.mu.Lock()
	defer l.mu.Unlock()
	for idx := 0; idx < l.capStarts; idx++ {
		if l.slots[idx] == slotPending {
			return true
		}
	}
	return false
}

// StartAllWorkers starts every remaining pending slot.
func (l *Launcher) StartAllWorkers() bool {
	return l.StartSomeWorkers(l.capacity)
}

// DontStartAnyMore caps future starts at the current started count. Slots
// still Pending stay Pending until DestroyAllWorkers reclaims them.
func (l *Launcher) DontStartAnyMore() {
	l.stopRampUp()
	l.mu.Lock()
	defer l.mu.Unlock()
	started := 0
	for _, s := range l.slots {
		if s != slotPending {
			started++
		}
	}
	l.capStarts = started
}

// DestroyAllWorkers implies DontStartAnyMore, then forces every non-terminal
// slot to a terminal state: Pending slots become Destroyed directly, and
// Starting/Running slots are sent destroy() (idempotent on the worker side).
func (l *Launcher) DestroyAllWorkers() {
	l.DontStartAnyMore()

	l.mu.Lock()
	var toDestroy []workerproc.Worker
	for idx, s := range l.slots {
		switch s {
		case slotPending:
			l.slots[idx] = slotDestroyed
		case slotStarting, slotRunning:
			l.slots[idx] = slotDestroyed
			toDestroy = append(toDestroy, l.workers[idx])
		}
	}
	l.mu.Unlock()

	for _, w := range toDestroy {
		w.Destroy()
	}
	l.signal.Notify()
}

// watch blocks on a started worker's termination and records the slot's
// terminal state, unless DestroyAllWorkers already marked it Destroyed.
func (l *Launcher) watch(idx int, w workerproc.Worker) {
	w.WaitFor()
	l.mu.Lock()
	if l.slots[idx] != slotDestroyed {
		l.slots[idx] = slotFinished
	}
	l.mu.Unlock()
	l.signal.Notify()
}

// AllFinished reports whether every slot is Finished or Destroyed.
func (l *Launcher) AllFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.slots {
		if s != slotFinished && s != slotDestroyed {
			return false
		}
	}
	return true
}

// Shutdown blocks until every slot reaches a terminal state.
func (l *Launcher) Shutdown() {
	for {
		wake := l.signal.Wait()
		if l.AllFinished() {
			return
		}
		<-wake
	}
}

// StartRampUp applies the ramp-up policy: if increment <= 0 every worker
// starts immediately; otherwise initial (defaulting to increment) workers
// start now, and a self-cancelling periodic task starts increment more
// every interval until StartSomeWorkers reports no further starts remain
// possible.
func (l *Launcher) StartRampUp(initial, increment int, interval time.Duration) {
	if increment <= 0 {
		l.StartAllWorkers()
		return
	}
	if initial <= 0 {
		initial = increment
	}
	l.StartSomeWorkers(initial)

	l.rampDone = make(chan struct{})
	go func(done chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !l.StartSomeWorkers(increment) {
					return
				}
			}
		}
	}(l.rampDone)
}

func (l *Launcher) stopRampUp() {
	done := l.rampDone
	if done == nil {
		return
	}
	l.rampOnce.Do(func() { close(done) })
}
