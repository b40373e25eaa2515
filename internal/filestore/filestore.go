// Package filestore is the per-user, per-agent sink for file-distribution
// messages delivered over the console link. The control loop opens one
// Store per agent process, lazily, the first time it needs one: before its
// first console connection attempt, or before the first run when it
// proceeds without a console. Opening does not wait for a connection to
// succeed.
package filestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ngrinder/agent/internal/consolemsg"
)

// Error is raised when a distributed file cannot be written to disk. Sink
// passes it to its onError callback and keeps handling later messages; the
// control loop forwards it to Config.OnError and does not end the console
// session.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("filestore: write %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Store is a scoped per-user disk area plus a monotonic cache watermark
// persisted across restarts so the console knows whether a redistribution
// is needed.
type Store struct {
	baseDir string
	user    string
	db      *sql.DB

	mu        sync.RWMutex
	watermark int64
}

// Open creates (if needed) baseDir/file-store/user and the sqlite-backed
// watermark record underneath it, then loads the persisted watermark.
func Open(homeDir, user string) (*Store, error) {
	dir := filepath.Join(homeDir, "file-store", user)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir %s: %w", dir, err)
	}

	dbPath := filepath.Join(dir, "watermark.db")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("filestore: set busy timeout: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS watermark (
			id INTEGER PRIMARY KEY CHECK (id = 0),
			value INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("filestore: migrate: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO watermark (id, value) VALUES (0, 0)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("filestore: seed watermark: %w", err)
	}

	s := &Store{baseDir: dir, user: user, db: db}
	if err := s.loadWatermark(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadWatermark() error {
	var value int64
	if err := s.db.QueryRow(`SELECT value FROM watermark WHERE id = 0`).Scan(&value); err != nil {
		return fmt.Errorf("filestore: load watermark: %w", err)
	}
	s.mu.Lock()
	s.watermark = value
	s.mu.Unlock()
	return nil
}

// Close releases the underlying sqlite handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Directory returns the file-store's scoped root directory.
func (s *Store) Directory() string {
	return s.baseDir
}

// CacheHighWaterMark returns the current watermark, echoed in every
// AgentProcessReport so the console knows whether a redistribution is
// needed.
func (s *Store) CacheHighWaterMark() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark
}

// Advance bumps the watermark to max(current, token) and persists it.
// Monotonic: a token lower than the current watermark is a no-op.
func (s *Store) Advance(token int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token <= s.watermark {
		return nil
	}
	if _, err := s.db.Exec(`UPDATE watermark SET value = ? WHERE id = 0`, token); err != nil {
		return fmt.Errorf("filestore: persist watermark: %w", err)
	}
	s.watermark = token
	return nil
}

// writeFile writes a distributed file's content under the store directory.
// relPath is cleaned as if rooted at the store directory, so leading ".."
// components and absolute paths resolve inside it instead of escaping it;
// no path is rejected.
func (s *Store) writeFile(relPath string, content []byte) error {
	target := filepath.Join(s.baseDir, filepath.Clean(string(filepath.Separator)+relPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &Error{Path: target, Err: err}
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return &Error{Path: target, Err: err}
	}
	return nil
}

type distributionPayload struct {
	Path      string `json:"path"`
	Content   []byte `json:"content"`
	Watermark int64  `json:"watermark"`
}

// Sink returns a consolemsg.Sink that consumes file-distribution messages
// and writes them to disk, advancing the watermark. It reports every other
// message type as unhandled so the dispatch chain falls through to the
// listener/fan-out tee.
func (s *Store) Sink(onError func(error)) consolemsg.Sink {
	return consolemsg.SinkFunc(func(m consolemsg.Message) bool {
		if m.Type != consolemsg.TypeFileDistribution {
			return false
		}

		var payload distributionPayload
		if err := json.Unmarshal(m.Raw, &payload); err != nil {
			if onError != nil {
				onError(fmt.Errorf("filestore: decode distribution message: %w", err))
			}
			return true
		}

		if err := s.writeFile(payload.Path, payload.Content); err != nil {
			slog.Error("file-store write failed", "path", payload.Path, "error", err)
			if onError != nil {
				onError(err)
			}
			return true
		}

		if err := s.Advance(payload.Watermark); err != nil {
			slog.Error("file-store watermark persist failed", "error", err)
			if onError != nil {
				onError(err)
			}
		}
		return true
	})
}
