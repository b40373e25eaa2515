package workerproc

import "testing"

func TestFilterClasspathOrdersForemostAndPatchFirst(t *testing.T) {
	got := FilterClasspath(ClasspathOptions{
		AgentClasspath: []string{"lib/extra.jar", "lib/grinder-core.jar", "lib/grinder-patch.jar", "lib/other.jar"},
		ForemostSubstr: "grinder-core",
		PatchSubstr:    "grinder-patch",
	})
	want := "lib/grinder-core.jar:lib/grinder-patch.jar:lib/extra.jar:lib/other.jar"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFilterClasspathDropsSelfInstrumentation(t *testing.T) {
	got := FilterClasspath(ClasspathOptions{
		AgentClasspath:      []string{"lib/agent-instrument.jar", "lib/other.jar"},
		SelfInstrumentation: []string{"agent-instrument"},
	})
	want := "lib/other.jar"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildCommandLinePrependsFilteredClasspath(t *testing.T) {
	cl := BuildCommandLine("-Xmx512m", "/scripts/lib.jar", ClasspathOptions{
		AgentClasspath: []string{"lib/grinder-core.jar"},
		ForemostSubstr: "grinder-core",
	})
	want := "lib/grinder-core.jar:/scripts/lib.jar"
	if cl.Classpath != want {
		t.Fatalf("got %q, want %q", cl.Classpath, want)
	}
	if cl.JVMArguments != "-Xmx512m" {
		t.Fatalf("got %q", cl.JVMArguments)
	}
}

func TestBuildCommandLineWithoutAgentClasspath(t *testing.T) {
	cl := BuildCommandLine("", "/scripts/lib.jar", ClasspathOptions{})
	if cl.Classpath != "/scripts/lib.jar" {
		t.Fatalf("got %q", cl.Classpath)
	}
}
