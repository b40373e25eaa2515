// Package fanout broadcasts control messages to the live worker pool. It
// generalizes a per-viewer broadcast channel pattern (Viewer/
// sendToViewerPriority) from "browser viewers of one session" to "worker
// processes of one test run".
package fanout

import (
	"sync"

	"github.com/ngrinder/agent/internal/consolemsg"
)

// DefaultThreadCount is AGENT_FANOUT_STREAM_THREAD_COUNT: the number of
// producer slots used to push a broadcast out to workers concurrently.
const DefaultThreadCount = 4

const defaultChannelBuffer = 32

// Fanout fans a byte-message out to every currently attached worker. A
// worker whose channel is full has the message dropped for it rather than
// blocking the broadcast.
type Fanout struct {
	threadCount int

	mu      sync.RWMutex
	workers map[string]chan []byte
}

// New returns a Fanout with the given number of concurrent broadcast
// producer slots (0 uses DefaultThreadCount).
func New(threadCount int) *Fanout {
	if threadCount <= 0 {
		threadCount = DefaultThreadCount
	}
	return &Fanout{threadCount: threadCount, workers: make(map[string]chan []byte)}
}

// Attach registers a worker and returns the channel it should read
// broadcast messages from.
func (f *Fanout) Attach(workerID string) <-chan []byte {
	ch := make(chan []byte, defaultChannelBuffer)
	f.mu.Lock()
	f.workers[workerID] = ch
	f.mu.Unlock()
	return ch
}

// Detach removes a worker from the fan-out set and closes its channel.
func (f *Fanout) Detach(workerID string) {
	f.mu.Lock()
	ch, ok := f.workers[workerID]
	if ok {
		delete(f.workers, workerID)
	}
	f.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Broadcast sends data to every attached worker using threadCount
// concurrent producers. Slow or full worker channels have the message
// dropped rather than stalling the rest of the broadcast.
func (f *Fanout) Broadcast(data []byte) {
	f.mu.RLock()
	targets := make([]chan []byte, 0, len(f.workers))
	for _, ch := range f.workers {
		targets = append(targets, ch)
	}
	f.mu.RUnlock()

	sem := make(chan struct{}, f.threadCount)
	var wg sync.WaitGroup
	for _, ch := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(ch chan []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			select {
			case ch <- data:
			default:
			}
		}(ch)
	}
	wg.Wait()
}

// Shutdown detaches every attached worker, closing each worker's channel.
func (f *Fanout) Shutdown() {
	f.mu.Lock()
	workers := f.workers
	f.workers = make(map[string]chan []byte)
	f.mu.Unlock()
	for _, ch := range workers {
		close(ch)
	}
}

// Sink returns a consolemsg.Sink that forwards every console message's raw
// bytes to the live worker pool, except Shutdown messages: those are
// worker-process-control concerns handled by the WorkerLauncher directly
// and must not leak back out through the file-store dispatch pipeline.
// Always reports the message as handled, since this is the terminal arm of
// the file-store's tee.
func (f *Fanout) Sink() consolemsg.Sink {
	return consolemsg.SinkFunc(func(m consolemsg.Message) bool {
		if m.Type == consolemsg.TypeShutdown {
			return true
		}
		f.Broadcast(m.Raw)
		return true
	})
}
