// Package controlloop is the AgentControlLoop: the single state machine
// that ties the console session, the console listener, the file store, and
// the worker launcher together across repeated test runs.
package controlloop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ngrinder/agent/internal/bootlog"
	"github.com/ngrinder/agent/internal/callbackretry"
	"github.com/ngrinder/agent/internal/connector"
	"github.com/ngrinder/agent/internal/consoleauth"
	"github.com/ngrinder/agent/internal/consolecomm"
	"github.com/ngrinder/agent/internal/consolelistener"
	"github.com/ngrinder/agent/internal/eventsync"
	"github.com/ngrinder/agent/internal/fanout"
	"github.com/ngrinder/agent/internal/filestore"
	"github.com/ngrinder/agent/internal/identity"
	"github.com/ngrinder/agent/internal/properties"
	"github.com/ngrinder/agent/internal/propertybuilder"
	"github.com/ngrinder/agent/internal/workerlauncher"
	"github.com/ngrinder/agent/internal/workerproc"
)

const (
	defaultConsolePort      = 6372
	defaultMaxShutdown      = 5 * time.Second
	defaultHeartbeatDelay   = 1 * time.Second
	defaultHeartbeatPeriod  = 5 * time.Second
	defaultRampUpIntervalMs = 60000
)

// FactoryBuilder constructs the workerproc.Factory used for one test run's
// worker pool, given the fully merged properties, the agent identity the
// run should present, and the command line PropertyBuilder computed.
type FactoryBuilder func(props *properties.Properties, id identity.Identity, cl workerproc.CommandLine) (workerproc.Factory, error)

// Config bundles every dependency and policy knob a Loop needs. Fields left
// zero take the defaults noted below.
type Config struct {
	Home string // agent home directory; also the file store's parent
	User string // scopes the file store directory

	Identity       identity.Identity
	BaseProperties *properties.Properties // local agent.properties, never mutated
	BuildFactory   FactoryBuilder

	ClasspathOptions workerproc.ClasspathOptions

	// ProceedWithoutConsole mirrors grinder.useConsole=false handling: when
	// the console is disabled or unreachable, run from local properties
	// alone instead of terminating.
	ProceedWithoutConsole bool
	// AgentControllerHost is substituted for grinder.consoleHost whenever
	// agent.useSameConsole is true (the default).
	AgentControllerHost string

	FanoutThreads     int
	HeartbeatInterval time.Duration
	HeartbeatDelay    time.Duration
	MaxShutdown       time.Duration // grace period before destroyAllWorkers

	// Credential presents the agent's console bearer token on every dial;
	// nil is fine for consoles run with no auth configured.
	Credential *consoleauth.Credential
	// ConnectRetry governs the backoff applied to a failing CONNECTING
	// attempt before the connect error is handled (proceed without the
	// console, or terminate). Zero takes callbackretry.DefaultConfig().
	ConnectRetry callbackretry.Config
	// BootLog receives one entry per state transition, best-effort. A nil
	// *bootlog.Reporter is a safe no-op.
	BootLog *bootlog.Reporter

	OnError func(error)
}

func (c *Config) applyDefaults() {
	if c.FanoutThreads <= 0 {
		c.FanoutThreads = fanout.DefaultThreadCount
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatPeriod
	}
	if c.HeartbeatDelay <= 0 {
		c.HeartbeatDelay = defaultHeartbeatDelay
	}
	if c.MaxShutdown <= 0 {
		c.MaxShutdown = defaultMaxShutdown
	}
	if c.BaseProperties == nil {
		c.BaseProperties = properties.New()
	}
	if c.ConnectRetry == (callbackretry.Config{}) {
		c.ConnectRetry = callbackretry.DefaultConfig()
	}
}

// state is never stored outside of Run's own stack: every transition in
// §4.6 is a local variable assignment, not a persisted enum.
type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateAwaitingStart
	statePreparingRun
	stateRunning
	stateDraining
	stateTerminated
)

func stateName(st state) string {
	switch st {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateAwaitingStart:
		return "awaiting_start"
	case statePreparingRun:
		return "preparing_run"
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Loop is one AgentControlLoop instance. Create with New and run with Run;
// Shutdown may be called at any time, including before Run starts or after
// it returns, and is always safe to call more than once.
type Loop struct {
	cfg Config

	signal   *eventsync.Signal
	listener *consolelistener.Listener
	fan      *fanout.Fanout

	storeOnce sync.Once
	store     *filestore.Store
	storeErr  error

	mu        sync.Mutex
	comm      *consolecomm.Comm
	launcher  *workerlauncher.Launcher
	connector connector.Connector

	shutdownOnce sync.Once
}

// New returns a ready Loop. cfg.BuildFactory must be set; every other field
// has a usable default.
func New(cfg Config) *Loop {
	cfg.applyDefaults()
	sig := eventsync.New()
	return &Loop{
		cfg:      cfg,
		signal:   sig,
		listener: consolelistener.New(sig),
		fan:      fanout.New(cfg.FanoutThreads),
	}
}

func (l *Loop) fileStore() (*filestore.Store, error) {
	l.storeOnce.Do(func() {
		l.store, l.storeErr = filestore.Open(l.cfg.Home, l.cfg.User)
	})
	return l.store, l.storeErr
}

// Run executes the state machine until a terminal condition is reached:
// the console rejects the session with proceedWithoutConsole unset, the
// caller calls Shutdown, or ctx is cancelled. ctx is checked between
// states and while workers run; a Run blocked waiting for a console
// message is released by Shutdown, not by ctx. Cleanup always runs before
// Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Shutdown()

	st := stateDisconnected
	props := l.cfg.BaseProperties.Clone()
	id := l.cfg.Identity
	var startPayload *consolelistener.StartMessage
	var scriptPath string
	var runErr error
	lastLogged := state(-1)

loop:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if st != lastLogged {
			l.cfg.BootLog.Log("control_loop", stateName(st), "agent control loop state transition")
			lastLogged = st
		}

		switch st {
		case stateDisconnected:
			if !props.GetBool("grinder.useConsole", true) {
				if l.cfg.ProceedWithoutConsole {
					st = statePreparingRun
					continue loop
				}
				return nil
			}
			st = stateConnecting

		case stateConnecting:
			conn := buildConnector(props, l.cfg.AgentControllerHost)
			store, err := l.fileStore()
			if err != nil {
				return fmt.Errorf("controlloop: open file store: %w", err)
			}
			var comm *consolecomm.Comm
			err = callbackretry.Do(ctx, l.cfg.ConnectRetry, "console-connect", func(ctx context.Context) error {
				if l.cfg.Credential.NeedsRefresh() {
					if refreshErr := l.cfg.Credential.Refresh(ctx); refreshErr != nil {
						return refreshErr
					}
				}
				c, openErr := consolecomm.Open(ctx, conn, id, store, l.listener, l.fan, l.cfg.Credential, l.cfg.HeartbeatInterval, l.cfg.HeartbeatDelay, l.cfg.OnError)
				if openErr != nil {
					return openErr
				}
				comm = c
				return nil
			})
			if err != nil {
				slog.Warn("console connect failed", "error", err)
				l.cfg.BootLog.Log("control_loop", "console_connect_failed", err.Error())
				if l.cfg.ProceedWithoutConsole {
					st = statePreparingRun
					continue loop
				}
				return err
			}
			comm.Start()
			l.mu.Lock()
			l.comm = comm
			l.connector = conn
			l.mu.Unlock()
			st = stateAwaitingStart

		case stateAwaitingStart:
			l.listener.WaitForMessage()
			if l.listener.CheckForMessage(consolelistener.Shutdown) {
				return nil
			}
			if msg := l.listener.GetLastStartGrinderMessage(); msg != nil {
				startPayload = msg
				st = statePreparingRun
				continue loop
			}
			l.listener.DiscardMessages(consolelistener.Stop | consolelistener.Reset)

		case statePreparingRun:
			merged := props.Clone()
			if startPayload != nil {
				for k, v := range startPayload.Properties {
					merged.Set(k, v)
				}
			}

			l.mu.Lock()
			haveComm := l.comm != nil
			currentConn := l.connector
			l.mu.Unlock()

			desiredConn := buildConnector(merged, l.cfg.AgentControllerHost)
			if haveComm && !desiredConn.Equal(currentConn) {
				l.teardownSession()
				props = merged
				st = stateConnecting
				continue loop
			}

			id = id.WithName(merged.Get("grinder.hostID", id.Name))

			store, err := l.fileStore()
			if err != nil {
				return fmt.Errorf("controlloop: open file store: %w", err)
			}
			path, err := resolveScript(store, merged)
			if err != nil {
				slog.Warn("script unreadable, aborting run", "error", err)
				merged.Set("grinder.script", "")
				props = merged
				startPayload = nil
				if haveComm {
					st = stateAwaitingStart
				} else {
					st = stateDisconnected
				}
				continue loop
			}
			scriptPath = path

			number := -1
			if startPayload != nil {
				number = startPayload.AgentNumber
			}
			id = id.WithNumber(number)

			props = merged
			st = stateRunning

		case stateRunning:
			next, err := l.runWorkers(ctx, props, id, scriptPath)
			if err != nil {
				runErr = err
				slog.Warn("worker pool failed to start", "error", err)
				startPayload = nil
				l.mu.Lock()
				haveComm := l.comm != nil
				l.mu.Unlock()
				if haveComm {
					st = stateAwaitingStart
				} else {
					st = stateDisconnected
				}
				continue loop
			}
			st = next

		case stateDraining:
			next, err := l.drain()
			if err != nil {
				return err
			}
			if next == statePreparingRun {
				startPayload = l.listener.GetLastStartGrinderMessage()
			}
			st = next

		case stateTerminated:
			return runErr
		}
	}
}

// runWorkers builds the worker factory and pool for one run, applies the
// ramp-up policy, and blocks until every worker reaches a terminal state.
// It returns the next state (always stateDraining on success).
func (l *Loop) runWorkers(ctx context.Context, props *properties.Properties, id identity.Identity, scriptPath string) (state, error) {
	opts := propertybuilder.Options{
		ScriptDir:   filepath.Dir(scriptPath),
		Security:    props.GetBool("grinder.security", false),
		EtcHosts:    splitHosts(props.Get("ngrinder.etc.hosts", "")),
		Hostname:    id.HostName,
		ServerMode:  props.GetBool("agent.servermode", false),
		UseXmxLimit: props.GetBool("agent.useXmxLimit", true),
		Home:        l.cfg.Home,
	}
	result := propertybuilder.Build(props, opts)
	cl := workerproc.BuildCommandLine(result.JVMArguments, result.Classpath, l.cfg.ClasspathOptions)

	factory, err := l.cfg.BuildFactory(props, id, cl)
	if err != nil {
		return stateDisconnected, fmt.Errorf("controlloop: build worker factory: %w", err)
	}

	processes := props.GetInt("grinder.processes", 1)
	increment := props.GetInt("grinder.processIncrement", 0)
	initial := props.GetInt("grinder.initialProcesses", increment)
	intervalMs := props.GetInt("grinder.processIncrementInterval", defaultRampUpIntervalMs)

	launcher := workerlauncher.New(factory, processes, l.signal, func(workerNumber int, err error) {
		slog.Warn("worker failed to start", "worker", workerNumber, "error", err)
		if l.cfg.OnError != nil {
			l.cfg.OnError(err)
		}
	})
	l.mu.Lock()
	l.launcher = launcher
	l.mu.Unlock()

	launcher.StartRampUp(initial, increment, time.Duration(intervalMs)*time.Millisecond)

	var consoleSignalTime time.Time
	// deadline is nil (and so blocks forever in the select below) until the
	// first non-START console message arms it: a nil channel read never
	// fires, so the forced-shutdown deadline only wakes the loop once
	// there's actually a deadline to enforce.
	var deadline <-chan time.Time
	for {
		wake := l.signal.Wait()
		if launcher.AllFinished() {
			break
		}
		select {
		case <-ctx.Done():
			launcher.DestroyAllWorkers()
			continue
		case <-wake:
		case <-deadline:
		}
		// Non-consuming: the Stop/Shutdown/Reset flag stays pending so that
		// drain routes on it once the workers have finished.
		if l.listener.Received(consolelistener.Any &^ consolelistener.Start) {
			if consoleSignalTime.IsZero() {
				consoleSignalTime = time.Now()
				launcher.DontStartAnyMore()
				deadline = time.After(l.cfg.MaxShutdown)
			}
		}
		if !consoleSignalTime.IsZero() && time.Since(consoleSignalTime) > l.cfg.MaxShutdown {
			launcher.DestroyAllWorkers()
		}
	}
	launcher.Shutdown()
	return stateDraining, nil
}

// drain implements the DRAINING bullet list: discard the stale START that
// may have arrived during RUNNING, then decide the next state from the
// first message to arrive (or session death).
func (l *Loop) drain() (state, error) {
	l.mu.Lock()
	comm := l.comm
	l.mu.Unlock()

	if comm == nil || sessionDead(comm) {
		return stateTerminated, nil
	}

	l.listener.DiscardMessages(consolelistener.Start)
	if !l.listener.Received(consolelistener.Any) {
		l.listener.WaitForMessage()
	}

	if l.listener.CheckForMessage(consolelistener.Shutdown) {
		return stateTerminated, nil
	}
	if l.listener.CheckForMessage(consolelistener.Start) {
		return statePreparingRun, nil
	}
	if l.listener.CheckForMessage(consolelistener.Stop) {
		return stateTerminated, nil
	}
	// Reset, or a spurious wake with nothing pending: both return to
	// AWAITING_START with no start payload.
	l.listener.DiscardMessages(consolelistener.Reset)
	return stateAwaitingStart, nil
}

func sessionDead(c *consolecomm.Comm) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// teardownSession shuts down the current console session so PREPARING_RUN
// can reconnect against a changed connector.
func (l *Loop) teardownSession() {
	l.mu.Lock()
	comm := l.comm
	l.comm = nil
	l.mu.Unlock()
	if comm != nil {
		comm.Shutdown()
	}
}

// Shutdown forcibly cancels every outstanding timer and task: the
// heartbeat and ramp-up (via the console session and worker launcher), the
// fan-out sender, and the console listener. Safe to call concurrently and
// any number of times.
func (l *Loop) Shutdown() {
	l.shutdownOnce.Do(func() {
		l.mu.Lock()
		comm := l.comm
		launcher := l.launcher
		l.mu.Unlock()

		if comm != nil {
			comm.Shutdown()
		}
		if launcher != nil {
			launcher.DestroyAllWorkers()
		}
		l.fan.Shutdown()
		l.listener.Shutdown()
	})
}

func buildConnector(props *properties.Properties, forcedHost string) connector.Connector {
	host := props.Get("grinder.consoleHost", "")
	if props.GetBool("agent.useSameConsole", true) && forcedHost != "" {
		host = forcedHost
	}
	port := props.GetInt("grinder.consolePort", defaultConsolePort)
	return connector.New(host, port, connector.TypeAgent)
}

// resolveScript prefers a script delivered into the file store (the path a
// StartGrinder message's SCRIPT property names), falling back to the
// locally configured default only when nothing usable was distributed.
func resolveScript(store *filestore.Store, props *properties.Properties) (string, error) {
	scriptProp := props.Get("grinder.script", "grinder.py")

	distributed := filepath.Join(store.Directory(), scriptProp)
	if isReadableFile(distributed) {
		return distributed, nil
	}

	local := props.GetFile("grinder.script", "grinder.py")
	if isReadableFile(local) {
		return local, nil
	}

	return "", fmt.Errorf("controlloop: script %q not found in file store or locally", scriptProp)
}

func isReadableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func splitHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.Fields(raw)
	hosts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			hosts = append(hosts, f)
		}
	}
	return hosts
}
