// Package history keeps an append-only JSON log of finished calls. It is a
// plain collaborator of the client: one entry per call, persisted on every
// append, no concurrency concerns beyond a mutex around the file.
package history

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newEntryID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// Entry is one recorded call.
type Entry struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	RoomID            string    `json:"room_id"`
	Participants      []string  `json:"participants"`
	DurationSeconds   float64   `json:"duration_seconds"`
	DurationFormatted string    `json:"duration_formatted"`
}

// Log is a call-history file. The zero value is not usable; use Open.
type Log struct {
	mu      sync.Mutex
	path    string
	entries []Entry
}

// Open loads an existing history file or starts a fresh one. A missing file
// is not an error; an unreadable or corrupt file is reported and the log
// starts empty rather than failing the caller.
func Open(path string) (*Log, error) {
	l := &Log{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return l, nil
}

// Append records a finished call and persists the file immediately.
func (l *Log) Append(roomID string, participants []string, duration time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Entry{
		ID:                newEntryID(),
		Timestamp:         time.Now(),
		RoomID:            roomID,
		Participants:      append([]string(nil), participants...),
		DurationSeconds:   duration.Seconds(),
		DurationFormatted: formatDuration(duration),
	})
	return l.saveLocked()
}

// Recent returns up to n of the latest entries, oldest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Len returns the number of recorded calls.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes every entry and persists the empty log.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	return l.saveLocked()
}

func (l *Log) saveLocked() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	h := total / 3600
	m := total % 3600 / 60
	s := total % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
