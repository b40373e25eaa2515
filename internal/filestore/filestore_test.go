package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ngrinder/agent/internal/consolemsg"
)

func TestOpenCreatesScopedDirectory(t *testing.T) {
	home := t.TempDir()
	s, err := Open(home, "alice")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	want := filepath.Join(home, "file-store", "alice")
	if s.Directory() != want {
		t.Fatalf("got %q, want %q", s.Directory(), want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected directory to exist: %v", err)
	}
	if s.CacheHighWaterMark() != 0 {
		t.Fatalf("expected initial watermark 0, got %d", s.CacheHighWaterMark())
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	s, err := Open(t.TempDir(), "bob")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Advance(5); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := s.CacheHighWaterMark(); got != 5 {
		t.Fatalf("got %d", got)
	}

	if err := s.Advance(2); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := s.CacheHighWaterMark(); got != 5 {
		t.Fatalf("expected watermark to stay at 5, got %d", got)
	}
}

func TestSinkConsumesFileDistribution(t *testing.T) {
	s, err := Open(t.TempDir(), "carol")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	sink := s.Sink(nil)
	payload, _ := json.Marshal(distributionPayload{Path: "scripts/a.py", Content: []byte("print 1"), Watermark: 3})

	handled := sink.Handle(consolemsg.Message{Type: consolemsg.TypeFileDistribution, Raw: payload})
	if !handled {
		t.Fatal("expected file distribution message to be handled")
	}

	data, err := os.ReadFile(filepath.Join(s.Directory(), "scripts", "a.py"))
	if err != nil {
		t.Fatalf("expected file written: %v", err)
	}
	if string(data) != "print 1" {
		t.Fatalf("got %q", data)
	}
	if s.CacheHighWaterMark() != 3 {
		t.Fatalf("got %d", s.CacheHighWaterMark())
	}
}

func TestSinkFallsThroughOnOtherTypes(t *testing.T) {
	s, err := Open(t.TempDir(), "dave")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	sink := s.Sink(nil)
	if sink.Handle(consolemsg.Message{Type: consolemsg.TypeStop}) {
		t.Fatal("expected non-distribution message to fall through")
	}
}

func TestWatermarkPersistsAcrossReopen(t *testing.T) {
	home := t.TempDir()
	s, err := Open(home, "erin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Advance(9); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	s.Close()

	s2, err := Open(home, "erin")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got := s2.CacheHighWaterMark(); got != 9 {
		t.Fatalf("got %d, want 9", got)
	}
}
