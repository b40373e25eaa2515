package workerproc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestProcessFactoryCreateAndWaitFor(t *testing.T) {
	f := NewProcessFactory("/bin/sh", CommandLine{Args: []string{"-c", "exit 3"}}, "", nil)
	w, err := f.Create(0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	code, err := w.WaitFor()
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if code != 3 {
		t.Fatalf("got exit code %d, want 3", code)
	}
}

func TestProcessWorkerDestroyIsIdempotent(t *testing.T) {
	f := NewProcessFactory("/bin/sh", CommandLine{Args: []string{"-c", "sleep 5"}}, "", nil)
	w, err := f.Create(0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.Destroy()
	w.Destroy()

	done := make(chan struct{})
	go func() {
		w.WaitFor()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected destroyed process to exit promptly")
	}
}

func TestInProcessFactoryRunsTaskAndCapturesOutput(t *testing.T) {
	f := NewInProcessFactory(func(ctx context.Context, workerNumber int, out *RingBuffer) error {
		out.Write([]byte("hello"))
		return nil
	}, 0)

	w, err := f.Create(1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	code, err := w.WaitFor()
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if code != 0 {
		t.Fatalf("got code %d, want 0", code)
	}
}

func TestInProcessFactoryReportsTaskError(t *testing.T) {
	f := NewInProcessFactory(func(ctx context.Context, workerNumber int, out *RingBuffer) error {
		return errors.New("boom")
	}, 0)

	w, _ := f.Create(0)
	code, err := w.WaitFor()
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if code != 1 {
		t.Fatalf("got code %d, want 1", code)
	}
}

func TestInProcessWorkerDestroyCancelsContext(t *testing.T) {
	started := make(chan struct{})
	f := NewInProcessFactory(func(ctx context.Context, workerNumber int, out *RingBuffer) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, 0)

	w, _ := f.Create(0)
	<-started
	w.Destroy()

	select {
	case <-doneChan(w):
	case <-time.After(time.Second):
		t.Fatal("expected task to exit after Destroy")
	}
}

func doneChan(w Worker) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		w.WaitFor()
		close(ch)
	}()
	return ch
}
