package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ngrinder/agent/internal/bootlog"
	"github.com/ngrinder/agent/internal/consoleauth"
	"github.com/ngrinder/agent/internal/controlloop"
	"github.com/ngrinder/agent/internal/identity"
	"github.com/ngrinder/agent/internal/properties"
	"github.com/ngrinder/agent/internal/workerproc"
)

const (
	shutdownGrace = 30 * time.Second

	classpathForemostSubstr       = "grinder-core"
	classpathPatchSubstr          = "grinder-patch"
	classpathSelfInstrumentMarker = "ngrinder-agent"
)

func defaultHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".ngrinder-agent")
	}
	return ".ngrinder-agent"
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the console and run the agent control loop",
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().String("user", "default", "user name scoping the file store directory")
	runCmd.Flags().Bool("proceed-without-console", true, "run from local properties if the console is unreachable")
	runCmd.Flags().String("console-host-override", "", "force agent.controllerServerHost instead of reading it from properties")
	runCmd.Flags().String("console-token-file", "", "path to the console bearer token; re-read before a dial once it nears expiry, or on every dial when it has no exp claim")
	runCmd.Flags().String("console-jwks-url", "", "JWKS endpoint used to verify the console token before it is trusted")
	runCmd.Flags().String("console-log-url", "", "base URL the agent posts state-transition log entries to (optional)")
	runCmd.Flags().StringSlice("classpath", nil, "agent classpath entries handed to workers, filtered")
}

func runAgent(cmd *cobra.Command, args []string) error {
	home, _ := cmd.Flags().GetString("home")
	propsPath, _ := cmd.Flags().GetString("properties")
	user, _ := cmd.Flags().GetString("user")
	proceedWithoutConsole, _ := cmd.Flags().GetBool("proceed-without-console")
	hostOverride, _ := cmd.Flags().GetString("console-host-override")
	tokenFile, _ := cmd.Flags().GetString("console-token-file")
	jwksURL, _ := cmd.Flags().GetString("console-jwks-url")
	logURL, _ := cmd.Flags().GetString("console-log-url")
	classpath, _ := cmd.Flags().GetStringSlice("classpath")

	if propsPath == "" {
		propsPath = filepath.Join(home, "agent.properties")
	}

	props, err := properties.Load(propsPath)
	if err != nil {
		return fmt.Errorf("agent: load properties: %w", err)
	}
	if hostOverride == "" {
		hostOverride = props.Get("agent.controllerServerHost", "")
	}

	id, err := identity.New()
	if err != nil {
		return fmt.Errorf("agent: determine identity: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cred *consoleauth.Credential
	if tokenFile != "" {
		cred, err = consoleauth.New(ctx, jwksURL, fileTokenFetcher(tokenFile), time.Minute)
		if err != nil {
			return fmt.Errorf("agent: load console credential: %w", err)
		}
	}

	var logReporter *bootlog.Reporter
	if logURL != "" {
		logReporter = bootlog.New(logURL, id.String())
		logReporter.SetToken(cred.Token())
		logReporter.SetBroadcaster(bootlog.SlogBroadcaster{})
	}

	cfg := controlloop.Config{
		Home:                  home,
		User:                  user,
		Identity:              id,
		BaseProperties:        props,
		BuildFactory:          buildWorkerFactory(),
		ClasspathOptions:      classpathOptions(classpath),
		ProceedWithoutConsole: proceedWithoutConsole,
		AgentControllerHost:   hostOverride,
		Credential:            cred,
		BootLog:               logReporter,
		OnError: func(err error) {
			slog.Warn("agent control loop error", "error", err)
		},
	}
	loop := controlloop.New(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.Run(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("agent: control loop exited: %w", err)
		}
		slog.Info("agent control loop finished")
		return nil
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	}

	cancel()
	loop.Shutdown()

	select {
	case <-errCh:
	case <-time.After(shutdownGrace):
		slog.Warn("control loop did not exit within shutdown grace period")
	}
	return nil
}

// fileTokenFetcher reads the console bearer token fresh from disk on every
// call, so an external process (or the console's own redemption flow)
// rotating the token file is picked up without restarting the agent.
func fileTokenFetcher(path string) consoleauth.Fetcher {
	return func(ctx context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read console token %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}

func classpathOptions(agentClasspath []string) workerproc.ClasspathOptions {
	return workerproc.ClasspathOptions{
		AgentClasspath:      agentClasspath,
		ForemostSubstr:      classpathForemostSubstr,
		PatchSubstr:         classpathPatchSubstr,
		SelfInstrumentation: []string{classpathSelfInstrumentMarker},
	}
}

// buildWorkerFactory returns the controlloop.FactoryBuilder used for every
// test run: a child-process factory normally, or an in-process cooperative
// factory when grinder.debug.singleprocess is set.
func buildWorkerFactory() controlloop.FactoryBuilder {
	return func(props *properties.Properties, id identity.Identity, cl workerproc.CommandLine) (workerproc.Factory, error) {
		if props.GetBool("grinder.debug.singleprocess", false) {
			if cl.JVMArguments != "" {
				slog.Info("grinder.jvm.arguments ignored in single-process mode", "arguments", cl.JVMArguments)
			}
			return workerproc.NewInProcessFactory(inProcessWorkerTask, 0), nil
		}

		binary := props.Get("grinder.jvm", "java")
		workDir := filepath.Dir(props.GetFile("grinder.script", "grinder.py"))
		env := []string{}
		if hosts := props.Get("ngrinder.etc.hosts", ""); hosts != "" {
			env = append(env, "NGRINDER_ETC_HOSTS="+hosts)
		}
		return workerproc.NewProcessFactory(binary, cl, workDir, env), nil
	}
}

// inProcessWorkerTask is the cooperative worker body run when
// debug.singleprocess is set. Script interpretation is an external
// collaborator (see spec's worker-process scope boundary); this task only
// supervises the in-task lifecycle and reports captured output, so it
// blocks until cancelled rather than fabricating script execution.
func inProcessWorkerTask(ctx context.Context, workerNumber int, out *workerproc.RingBuffer) error {
	fmt.Fprintf(out, "worker %d running in-process\n", workerNumber)
	<-ctx.Done()
	return nil
}
