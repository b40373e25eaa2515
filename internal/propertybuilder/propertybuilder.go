// Package propertybuilder computes the JVM-style argument string and
// rebased classpath a worker process is launched with, and applies the
// property defaults required before a run starts.
package propertybuilder

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ngrinder/agent/internal/properties"
)

// Options carries the inputs PropertyBuilder.Build needs beyond the
// properties map itself.
type Options struct {
	ScriptDir   string
	Security    bool
	EtcHosts    []string
	Hostname    string
	ServerMode  bool
	UseXmxLimit bool
	Home        string // agent home directory, used for default log dir
}

// Result is the output of Build: the JVM argument string and the rebased
// classpath string a WorkerProcessCommandLine embeds verbatim.
type Result struct {
	JVMArguments string
	Classpath    string
}

const defaultXmx = "-Xmx512m"

// Build computes jvmArgs/classpath and mutates props in place: grinder.runs
// defaults to 0 when grinder.duration is set without grinder.runs, and
// grinder.logDirectory defaults to <home>/log/<test-id> when unset.
func Build(props *properties.Properties, opts Options) Result {
	applyDefaults(props, opts)

	var args []string
	if opts.Security {
		args = append(args,
			"-Djava.security.manager",
			"-Djava.security.policy=grinder.java.policy",
		)
	}
	if opts.UseXmxLimit {
		args = append(args, defaultXmx)
	}

	for _, key := range props.Keys() {
		if !strings.HasPrefix(key, "grinder.jvm.sysprop.") {
			continue
		}
		name := strings.TrimPrefix(key, "grinder.jvm.sysprop.")
		args = append(args, fmt.Sprintf("-D%s=%s", name, props.Get(key, "")))
	}

	if extra := props.Get("grinder.jvm.arguments", ""); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}

	classpath := rebaseClasspath(props.Get("grinder.jvm.classpath", ""), opts.ScriptDir)

	return Result{
		JVMArguments: strings.Join(args, " "),
		Classpath:    classpath,
	}
}

func applyDefaults(props *properties.Properties, opts Options) {
	if props.Get("grinder.duration", "") != "" && props.Get("grinder.runs", "") == "" {
		props.Set("grinder.runs", "0")
	}

	if props.Get("grinder.logDirectory", "") == "" && opts.Home != "" {
		testID := props.Get("grinder.test.id", "default")
		props.Set("grinder.logDirectory", filepath.Join(opts.Home, "log", testID))
	}
}

// rebaseClasspath makes every relative, path-separator-delimited classpath
// entry absolute against scriptDir. Entries that are already absolute pass
// through unchanged. This is a pure string/path transform: the worker
// resolves its own classpath at process boundary, so the agent only needs
// to make relative entries meaningful outside of scriptDir's working
// directory.
func rebaseClasspath(classpath, scriptDir string) string {
	if classpath == "" {
		return ""
	}

	entries := strings.Split(classpath, string(filepath.ListSeparator))
	rebased := make([]string, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if filepath.IsAbs(entry) || scriptDir == "" {
			rebased = append(rebased, entry)
			continue
		}
		rebased = append(rebased, filepath.Join(scriptDir, entry))
	}
	return strings.Join(rebased, string(filepath.ListSeparator))
}
