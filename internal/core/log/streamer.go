// Package log collects orchestrator and adapter diagnostics (adapter
// stderr lines, codec faults, session state transitions) into a
// bounded ring buffer with live subscriber fan-out, so callers can
// inspect recent activity without the orchestrator persisting
// anything.
package log

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level classifies a diagnostic entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one diagnostic record. SessionID ties adapter output and
// lifecycle events back to the session that produced them; empty for
// orchestrator-wide entries.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
	Source    string    `json:"source"` // "adapter", "session", "dap", "orchestrator"
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// Streamer holds diagnostics in a ring buffer and fans them out to
// subscribers.
type Streamer struct {
	mu         sync.RWMutex
	buffer     []*Entry
	bufferSize int
	head       int
	count      int

	subscribers map[string]chan *Entry
	subMu       sync.RWMutex
}

// NewStreamer creates a streamer with the specified buffer size.
func NewStreamer(bufferSize int) *Streamer {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Streamer{
		buffer:      make([]*Entry, bufferSize),
		bufferSize:  bufferSize,
		subscribers: make(map[string]chan *Entry),
	}
}

// Add appends an entry, assigning id and timestamp if unset, and
// notifies subscribers.
func (s *Streamer) Add(entry *Entry) {
	s.mu.Lock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.buffer[s.head] = entry
	s.head = (s.head + 1) % s.bufferSize
	if s.count < s.bufferSize {
		s.count++
	}
	s.mu.Unlock()

	s.notifySubscribers(entry)
}

// Record is the convenience constructor most call sites use.
func (s *Streamer) Record(sessionID, source string, level Level, message string) {
	s.Add(&Entry{SessionID: sessionID, Source: source, Level: level, Message: message})
}

// GetAll returns all entries, oldest first.
func (s *Streamer) GetAll() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Entry, 0, s.count)
	start := 0
	if s.count == s.bufferSize {
		start = s.head
	}
	for i := 0; i < s.count; i++ {
		idx := (start + i) % s.bufferSize
		if s.buffer[idx] != nil {
			result = append(result, s.buffer[idx])
		}
	}
	return result
}

// Filter selects diagnostic entries.
type Filter struct {
	SessionID string
	Source    string
	Level     Level
	Search    string
	Since     *time.Time
	Limit     int
	Offset    int
}

// GetFiltered returns entries matching the filter, oldest first.
func (s *Streamer) GetFiltered(filter Filter) []*Entry {
	all := s.GetAll()
	result := make([]*Entry, 0)
	for _, entry := range all {
		if !matchesFilter(entry, filter) {
			continue
		}
		result = append(result, entry)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*Entry{}
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result
}

func matchesFilter(entry *Entry, filter Filter) bool {
	if filter.SessionID != "" && entry.SessionID != filter.SessionID {
		return false
	}
	if filter.Source != "" && entry.Source != filter.Source {
		return false
	}
	if filter.Level != "" && entry.Level != filter.Level {
		return false
	}
	if filter.Since != nil && entry.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Search != "" && !strings.Contains(strings.ToLower(entry.Message), strings.ToLower(filter.Search)) {
		return false
	}
	return true
}

// Clear drops all buffered entries.
func (s *Streamer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = make([]*Entry, s.bufferSize)
	s.head = 0
	s.count = 0
}

// Subscribe creates a subscription for live entries. Slow subscribers
// miss entries rather than blocking producers.
func (s *Streamer) Subscribe() (string, <-chan *Entry) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := uuid.New().String()
	ch := make(chan *Entry, 100)
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Streamer) Unsubscribe(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, exists := s.subscribers[id]; exists {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *Streamer) notifySubscribers(entry *Entry) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Count returns the number of buffered entries.
func (s *Streamer) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
