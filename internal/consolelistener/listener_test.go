package consolelistener

import (
	"testing"
	"time"

	"github.com/ngrinder/agent/internal/eventsync"
)

func TestReceivedNonConsuming(t *testing.T) {
	l := New(eventsync.New())
	l.OnStop()

	if !l.Received(Any) {
		t.Fatal("expected Received(Any) true")
	}
	if !l.Received(Any) {
		t.Fatal("expected Received(Any) still true (non-consuming)")
	}
	if !l.Received(Stop) {
		t.Fatal("expected Received(Stop) true")
	}
	if l.Received(Start) {
		t.Fatal("expected Received(Start) false")
	}
}

func TestCheckForMessageConsumes(t *testing.T) {
	l := New(eventsync.New())
	l.OnStop()

	if !l.CheckForMessage(Any) {
		t.Fatal("expected first CheckForMessage true")
	}
	if l.CheckForMessage(Any) {
		t.Fatal("expected second CheckForMessage false (consumed)")
	}
}

func TestGetLastStartGrinderMessage(t *testing.T) {
	l := New(eventsync.New())
	l.OnStart(StartMessage{AgentNumber: 3})

	msg := l.GetLastStartGrinderMessage()
	if msg == nil || msg.AgentNumber != 3 {
		t.Fatalf("got %+v", msg)
	}
	if l.Received(Start) {
		t.Fatal("expected Start cleared after GetLastStartGrinderMessage")
	}
	if got := l.GetLastStartGrinderMessage(); got != nil {
		t.Fatalf("expected nil on second call, got %+v", got)
	}
}

func TestDiscardMessages(t *testing.T) {
	l := New(eventsync.New())
	l.OnStart(StartMessage{})
	l.OnStop()

	l.DiscardMessages(Start)

	if l.Received(Start) {
		t.Fatal("expected Start discarded")
	}
	if !l.Received(Stop) {
		t.Fatal("expected Stop still pending")
	}
}

func TestWaitForMessageWakesOnNotify(t *testing.T) {
	l := New(eventsync.New())
	done := make(chan struct{})

	go func() {
		l.WaitForMessage()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	l.OnStop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForMessage did not return")
	}
}

func TestShutdownIsIdempotentAndTerminal(t *testing.T) {
	l := New(eventsync.New())
	l.Shutdown()
	l.Shutdown()

	if !l.Received(Shutdown) {
		t.Fatal("expected Shutdown flag set")
	}

	done := make(chan struct{})
	go func() {
		l.WaitForMessage()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForMessage should return immediately after Shutdown")
	}
}
