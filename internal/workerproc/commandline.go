// Package workerproc builds worker invocations and supervises the worker
// processes they start: the Factory/CommandLine pairing, in both the
// child-process and in-task cooperative variants.
package workerproc

import (
	"path/filepath"
	"strings"
)

// CommandLine is the computed-once-per-test invocation a ProcessFactory
// stamps out for every worker, varying only by worker number.
type CommandLine struct {
	Classpath    string
	JVMArguments string
	Args         []string
}

// ClasspathOptions controls the filtered classpath projection handed to
// worker processes: a foremost segment and a patch segment (filtered by
// substring match) are moved to the front; known self-instrumentation
// entries are dropped.
type ClasspathOptions struct {
	// AgentClasspath is the agent's own classpath entries, in load order.
	AgentClasspath []string
	// ForemostSubstr identifies the entry that must lead the filtered
	// classpath (e.g. the core runtime jar).
	ForemostSubstr string
	// PatchSubstr identifies the entry that follows the foremost one
	// (e.g. a hotfix/patch jar).
	PatchSubstr string
	// SelfInstrumentation entries are dropped entirely: they instrument the
	// agent process itself and must not leak into worker classpaths.
	SelfInstrumentation []string
}

// FilterClasspath reprojects opts.AgentClasspath for worker consumption:
// the foremost and patch entries (if present) move to the front in that
// order, self-instrumentation entries are dropped, and everything else
// keeps its relative order.
func FilterClasspath(opts ClasspathOptions) string {
	var foremost, patch string
	rest := make([]string, 0, len(opts.AgentClasspath))

	for _, entry := range opts.AgentClasspath {
		if isSelfInstrumentation(entry, opts.SelfInstrumentation) {
			continue
		}
		switch {
		case foremost == "" && opts.ForemostSubstr != "" && strings.Contains(entry, opts.ForemostSubstr):
			foremost = entry
		case patch == "" && opts.PatchSubstr != "" && strings.Contains(entry, opts.PatchSubstr):
			patch = entry
		default:
			rest = append(rest, entry)
		}
	}

	ordered := make([]string, 0, len(rest)+2)
	if foremost != "" {
		ordered = append(ordered, foremost)
	}
	if patch != "" {
		ordered = append(ordered, patch)
	}
	ordered = append(ordered, rest...)
	return strings.Join(ordered, string(filepath.ListSeparator))
}

func isSelfInstrumentation(entry string, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && strings.Contains(entry, marker) {
			return true
		}
	}
	return false
}

// BuildCommandLine composes the classpath and JVM argument string for every
// worker of one test run. jvmArguments and rebasedClasspath are the output
// of propertybuilder.Build; classpathOpts filters the agent's own classpath
// per FilterClasspath and prepends it ahead of the rebased script classpath.
func BuildCommandLine(jvmArguments, rebasedClasspath string, classpathOpts ClasspathOptions) CommandLine {
	filtered := FilterClasspath(classpathOpts)
	classpath := filtered
	if rebasedClasspath != "" {
		if classpath != "" {
			classpath += string(filepath.ListSeparator)
		}
		classpath += rebasedClasspath
	}
	return CommandLine{
		Classpath:    classpath,
		JVMArguments: jvmArguments,
	}
}
