package controlloop

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ngrinder/agent/internal/callbackretry"
	"github.com/ngrinder/agent/internal/connector"
	"github.com/ngrinder/agent/internal/filestore"
	"github.com/ngrinder/agent/internal/identity"
	"github.com/ngrinder/agent/internal/properties"
	"github.com/ngrinder/agent/internal/workerproc"
)

func newTestStore(home, user string) (*filestore.Store, error) {
	return filestore.Open(home, user)
}

type fakeWorker struct {
	mu        sync.Mutex
	done      chan struct{}
	destroyed bool
}

func newFakeWorker() *fakeWorker {
	w := &fakeWorker{done: make(chan struct{})}
	close(w.done) // finishes the instant it is created
	return w
}

func (w *fakeWorker) WaitFor() (int, error) {
	<-w.done
	return 0, nil
}

func (w *fakeWorker) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = true
}

type fakeFactory struct {
	mu      sync.Mutex
	creates int
}

func (f *fakeFactory) Create(workerNumber int) (workerproc.Worker, error) {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	return newFakeWorker(), nil
}

func provisionScript(t *testing.T, home, user string) {
	t.Helper()
	dir := filepath.Join(home, "file-store", user)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "grinder.py"), []byte("# test script\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func TestRunProceedsWithoutConsoleWhenDisabled(t *testing.T) {
	home := t.TempDir()
	provisionScript(t, home, "alice")

	base := properties.New()
	base.Set("grinder.useConsole", "false")
	base.Set("grinder.processes", "2")

	factory := &fakeFactory{}
	id, _ := identity.New()

	loop := New(Config{
		Home:                  home,
		User:                  "alice",
		Identity:              id,
		BaseProperties:        base,
		ProceedWithoutConsole: true,
		BuildFactory: func(props *properties.Properties, id identity.Identity, cl workerproc.CommandLine) (workerproc.Factory, error) {
			return factory, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if factory.creates != 2 {
		t.Fatalf("got %d workers created, want 2", factory.creates)
	}
}

func TestRunRetriesConnectThenProceedsWithoutConsole(t *testing.T) {
	home := t.TempDir()
	provisionScript(t, home, "dave")

	base := properties.New()
	base.Set("grinder.consoleHost", "127.0.0.1")
	base.Set("grinder.consolePort", "1") // nothing listens there
	base.Set("grinder.processes", "1")

	factory := &fakeFactory{}
	id, _ := identity.New()

	loop := New(Config{
		Home:                  home,
		User:                  "dave",
		Identity:              id,
		BaseProperties:        base,
		ProceedWithoutConsole: true,
		ConnectRetry: callbackretry.Config{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			MaxElapsed:   50 * time.Millisecond,
			MaxAttempts:  2,
		},
		BuildFactory: func(props *properties.Properties, id identity.Identity, cl workerproc.CommandLine) (workerproc.Factory, error) {
			return factory, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if factory.creates != 1 {
		t.Fatalf("got %d workers created, want 1", factory.creates)
	}
}

var upgrader = websocket.Upgrader{}

func newConsoleServer(t *testing.T, handle func(*websocket.Conn)) (*httptest.Server, connector.Connector) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(conn)
	}))
	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return srv, connector.New(host, port, connector.TypeAgent)
}

func TestRunHappyPathStopTerminatesAfterWorkersFinish(t *testing.T) {
	home := t.TempDir()
	provisionScript(t, home, "bob")

	srv, conn := newConsoleServer(t, func(ws *websocket.Conn) {
		var report map[string]any
		ws.ReadJSON(&report) // initial STARTED

		start, _ := json.Marshal(map[string]any{"type": "start_grinder", "properties": map[string]string{}})
		ws.WriteMessage(websocket.TextMessage, start)

		time.Sleep(50 * time.Millisecond)
		stop, _ := json.Marshal(map[string]any{"type": "stop"})
		ws.WriteMessage(websocket.TextMessage, stop)

		for {
			if err := ws.ReadJSON(&report); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	base := properties.New()
	base.Set("grinder.processes", "1")
	base.Set("grinder.consoleHost", conn.Host)
	base.Set("grinder.consolePort", strconv.Itoa(conn.Port))

	factory := &fakeFactory{}
	id, _ := identity.New()

	loop := New(Config{
		Home:              home,
		User:              "bob",
		Identity:          id,
		BaseProperties:    base,
		HeartbeatInterval: time.Hour,
		HeartbeatDelay:    time.Hour,
		BuildFactory: func(props *properties.Properties, id identity.Identity, cl workerproc.CommandLine) (workerproc.Factory, error) {
			return factory, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if factory.creates != 1 {
		t.Fatalf("got %d workers created, want 1", factory.creates)
	}
}

// stuckWorker never finishes on its own; it only terminates when Destroy is
// called, simulating a worker that outlives its own test run.
type stuckWorker struct {
	mu        sync.Mutex
	destroyed chan struct{}
}

func newStuckWorker() *stuckWorker {
	return &stuckWorker{destroyed: make(chan struct{})}
}

func (w *stuckWorker) WaitFor() (int, error) {
	<-w.destroyed
	return 0, nil
}

func (w *stuckWorker) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.destroyed:
	default:
		close(w.destroyed)
	}
}

type stuckFactory struct {
	mu      sync.Mutex
	created []*stuckWorker
}

func (f *stuckFactory) Create(workerNumber int) (workerproc.Worker, error) {
	w := newStuckWorker()
	f.mu.Lock()
	f.created = append(f.created, w)
	f.mu.Unlock()
	return w, nil
}

// TestRunForcesShutdownAfterMaxShutdownWithNoFurtherEvents verifies that a
// Stop message arms a forced-shutdown deadline that fires on its own timer:
// with no further console traffic or worker completion after Stop, workers
// are still destroyed once MaxShutdown elapses.
func TestRunForcesShutdownAfterMaxShutdownWithNoFurtherEvents(t *testing.T) {
	home := t.TempDir()
	provisionScript(t, home, "erin")

	srv, conn := newConsoleServer(t, func(ws *websocket.Conn) {
		var report map[string]any
		ws.ReadJSON(&report) // initial STARTED

		start, _ := json.Marshal(map[string]any{"type": "start_grinder", "properties": map[string]string{}})
		ws.WriteMessage(websocket.TextMessage, start)

		time.Sleep(20 * time.Millisecond)
		stop, _ := json.Marshal(map[string]any{"type": "stop"})
		ws.WriteMessage(websocket.TextMessage, stop)

		// No further console traffic: the worker pool must be forced shut
		// down by the timer alone, not by any later wake event.
		for {
			if err := ws.ReadJSON(&report); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	base := properties.New()
	base.Set("grinder.processes", "1")
	base.Set("grinder.consoleHost", conn.Host)
	base.Set("grinder.consolePort", strconv.Itoa(conn.Port))

	factory := &stuckFactory{}
	id, _ := identity.New()

	loop := New(Config{
		Home:              home,
		User:              "erin",
		Identity:          id,
		BaseProperties:    base,
		HeartbeatInterval: time.Hour,
		HeartbeatDelay:    time.Hour,
		MaxShutdown:       100 * time.Millisecond,
		BuildFactory: func(props *properties.Properties, id identity.Identity, cl workerproc.CommandLine) (workerproc.Factory, error) {
			return factory, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 100*time.Millisecond {
		t.Fatalf("Run returned after %v, before MaxShutdown elapsed", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Run took %v, forced shutdown deadline did not fire", elapsed)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	loop := New(Config{
		BuildFactory: func(props *properties.Properties, id identity.Identity, cl workerproc.CommandLine) (workerproc.Factory, error) {
			return &fakeFactory{}, nil
		},
	})
	loop.Shutdown()
	loop.Shutdown()
}

func TestBuildConnectorForcesAgentControllerHost(t *testing.T) {
	props := properties.New()
	props.Set("grinder.consoleHost", "original-host")
	props.Set("grinder.consolePort", "9000")

	c := buildConnector(props, "forced-host")
	if c.Host != "forced-host" {
		t.Fatalf("got host %q, want forced-host", c.Host)
	}
	if c.Port != 9000 {
		t.Fatalf("got port %d, want 9000", c.Port)
	}
}

func TestBuildConnectorUsesDefaultPort(t *testing.T) {
	props := properties.New()
	props.Set("grinder.consoleHost", "example.com")

	c := buildConnector(props, "")
	if c.Port != defaultConsolePort {
		t.Fatalf("got port %d, want default %d", c.Port, defaultConsolePort)
	}
}

func TestResolveScriptPrefersFileStoreDirectory(t *testing.T) {
	home := t.TempDir()
	provisionScript(t, home, "carol")

	store, err := newTestStore(home, "carol")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	props := properties.New()
	path, err := resolveScript(store, props)
	if err != nil {
		t.Fatalf("resolveScript: %v", err)
	}
	want := filepath.Join(home, "file-store", "carol", "grinder.py")
	if path != want {
		t.Fatalf("got %q, want %q", path, want)
	}
}

func TestResolveScriptErrorsWhenNotFoundAnywhere(t *testing.T) {
	home := t.TempDir()
	store, err := newTestStore(home, "dave")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	props := properties.New()
	if _, err := resolveScript(store, props); err == nil {
		t.Fatal("expected error when script is not found")
	}
}
