// Package result keeps a persistent history of decoded QR payloads.
package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/QRInspector/internal/camera"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/google/uuid"
)

// DefaultMaxEntries bounds the history when no limit is configured
const DefaultMaxEntries = 1000

// Entry is one distinct sighting of a payload. Repeated decodes of the same
// payload on consecutive frames are folded into a single entry.
type Entry struct {
	ID        string    `json:"id"`
	Payload   string    `json:"payload"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Frame     uint64    `json:"frame"`
	Count     int       `json:"count"`
}

// Store holds the decode history, newest last. With an empty path it is
// memory only.
type Store struct {
	path       string
	maxEntries int

	mu      sync.RWMutex
	entries []Entry
}

// NewStore opens the history at path, loading any existing entries
func NewStore(path string, maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	s := &Store{path: path, maxEntries: maxEntries}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read result history: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse result history %s: %w", s.path, err)
	}
	if len(entries) > s.maxEntries {
		entries = entries[len(entries)-s.maxEntries:]
	}
	s.entries = entries

	logger.WithComponent("result").Debug().
		Int("entries", len(entries)).
		Str("path", s.path).
		Msg("Result history loaded")
	return nil
}

// Record adds a decode to the history and returns the affected entry
func (s *Store) Record(r camera.Result) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.entries); n > 0 && s.entries[n-1].Payload == r.Payload {
		e := &s.entries[n-1]
		e.Count++
		e.LastSeen = r.Time
		e.Frame = r.Frame
		// repeat sightings are not flushed to disk on every frame
		return *e, nil
	}

	e := Entry{
		ID:        uuid.NewString(),
		Payload:   r.Payload,
		FirstSeen: r.Time,
		LastSeen:  r.Time,
		Frame:     r.Frame,
		Count:     1,
	}
	s.entries = append(s.entries, e)
	if len(s.entries) > s.maxEntries {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-s.maxEntries:]...)
	}
	return e, s.saveLocked()
}

// OnResult records r, logging persistence failures
func (s *Store) OnResult(r camera.Result) {
	if _, err := s.Record(r); err != nil {
		logger.WithComponent("result").Warn().Err(err).Msg("Failed to persist result history")
	}
}

// All returns a copy of the history, oldest first
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry{}, s.entries...)
}

// Len returns the number of entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get looks an entry up by ID
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Clear drops all entries and truncates the file
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return s.saveLocked()
}

// Flush writes the current history, including folded repeat counts
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	entries := s.entries
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result history: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write result history: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace result history: %w", err)
	}
	return nil
}
