package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"threadcast/pkg/logx"
)

// DigestEntry is one rendered message waiting in a user's digest queue.
type DigestEntry struct {
	UserID    string
	ThreadID  string
	MessageID string
	Rendered  string
	At        time.Time
}

// DigestSpool holds pending digest entries until the flusher drains them.
type DigestSpool interface {
	Append(ctx context.Context, e DigestEntry) error
	// Pending returns all entries ordered by (user, time).
	Pending(ctx context.Context) ([]DigestEntry, error)
	// Clear drops the user's entries appended at or before upTo.
	Clear(ctx context.Context, userID string, upTo time.Time) error
	Close() error
}

// SpoolConfig configures the digest spool backend.
//
// Driver values:
//   - "" or "memory": in-process spool (lost on restart)
//   - "sqlite": SQLite database file (survives restarts)
type SpoolConfig struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OpenSpool initializes the configured spool backend.
func OpenSpool(cfg SpoolConfig, log logx.Logger) (DigestSpool, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemorySpool(), nil
	case "sqlite", "sqlite3":
		return openSQLiteSpool(cfg, log)
	default:
		return nil, errors.New("unknown spool driver: " + cfg.Driver)
	}
}

// MemorySpool is the in-process DigestSpool.
type MemorySpool struct {
	mu      sync.Mutex
	entries []DigestEntry
}

func NewMemorySpool() *MemorySpool { return &MemorySpool{} }

func (s *MemorySpool) Append(_ context.Context, e DigestEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

func (s *MemorySpool) Pending(_ context.Context) ([]DigestEntry, error) {
	s.mu.Lock()
	out := append([]DigestEntry(nil), s.entries...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].At.Before(out[j].At)
	})
	return out, nil
}

func (s *MemorySpool) Clear(_ context.Context, userID string, upTo time.Time) error {
	s.mu.Lock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.UserID == userID && !e.At.After(upTo) {
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	s.mu.Unlock()
	return nil
}

func (s *MemorySpool) Close() error { return nil }
