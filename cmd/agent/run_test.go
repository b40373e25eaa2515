package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ngrinder/agent/internal/identity"
	"github.com/ngrinder/agent/internal/properties"
	"github.com/ngrinder/agent/internal/workerproc"
)

func TestFileTokenFetcherReadsAndTrimsToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  abc123\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	fetch := fileTokenFetcher(path)
	tok, err := fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tok != "abc123" {
		t.Fatalf("token = %q, want %q", tok, "abc123")
	}
}

func TestFileTokenFetcherErrorsOnMissingFile(t *testing.T) {
	t.Parallel()

	fetch := fileTokenFetcher(filepath.Join(t.TempDir(), "missing"))
	if _, err := fetch(context.Background()); err == nil {
		t.Fatal("expected error for missing token file")
	}
}

func TestClasspathOptionsCarriesAgentClasspath(t *testing.T) {
	t.Parallel()

	opts := classpathOptions([]string{"/opt/ngrinder-agent.jar", "/opt/grinder-core.jar"})
	if opts.ForemostSubstr != classpathForemostSubstr {
		t.Fatalf("ForemostSubstr = %q", opts.ForemostSubstr)
	}
	if len(opts.AgentClasspath) != 2 {
		t.Fatalf("AgentClasspath = %v", opts.AgentClasspath)
	}
	if len(opts.SelfInstrumentation) != 1 || opts.SelfInstrumentation[0] != classpathSelfInstrumentMarker {
		t.Fatalf("SelfInstrumentation = %v", opts.SelfInstrumentation)
	}
}

func TestBuildWorkerFactorySelectsInProcessWhenConfigured(t *testing.T) {
	t.Parallel()

	props := properties.New()
	props.Set("grinder.debug.singleprocess", "true")

	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	factory, err := buildWorkerFactory()(props, id, workerproc.CommandLine{})
	if err != nil {
		t.Fatalf("buildWorkerFactory: %v", err)
	}
	if _, ok := factory.(*workerproc.InProcessFactory); !ok {
		t.Fatalf("factory = %T, want *workerproc.InProcessFactory", factory)
	}
}

func TestBuildWorkerFactorySelectsProcessByDefault(t *testing.T) {
	t.Parallel()

	props := properties.New()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	factory, err := buildWorkerFactory()(props, id, workerproc.CommandLine{})
	if err != nil {
		t.Fatalf("buildWorkerFactory: %v", err)
	}
	if _, ok := factory.(*workerproc.ProcessFactory); !ok {
		t.Fatalf("factory = %T, want *workerproc.ProcessFactory", factory)
	}
}
