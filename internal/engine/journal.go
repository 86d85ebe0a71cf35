// journal.go - Append-only, in-memory event journal with JSON persistence.
//
// The journal is the default EventSink. After a crash between an entropy fetch and the caller
// observing the result, the journal is how a caller learns whether its request was consumed.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"entropycalc/internal/oracle"
)

// Journal is an append-only event log. It is safe for concurrent use.
type Journal struct {
	mu     sync.RWMutex
	events []Event
}

var _ EventSink = (*Journal)(nil)

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{events: make([]Event, 0)}
}

// Emit appends ev, assigning the next sequence number.
func (j *Journal) Emit(ctx context.Context, ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	ev.Seq = uint64(len(j.events)) + 1
	j.events = append(j.events, ev)
	return nil
}

// Len returns the number of events.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}

// Events returns a copy of the events with Seq greater than after.
func (j *Journal) Events(after uint64) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if after >= uint64(len(j.events)) {
		return nil
	}
	out := make([]Event, len(j.events)-int(after))
	copy(out, j.events[after:])
	return out
}

// ByKind returns every event of the given kind, in order.
func (j *Journal) ByKind(kind EventKind) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Event
	for _, ev := range j.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// ForRequest returns the events that mention id: its EntropyRequested entry and, once
// consumed, the entropy operation that used it.
func (j *Journal) ForRequest(id oracle.RequestID) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Event
	for _, ev := range j.events {
		if ev.RequestID == id {
			out = append(out, ev)
		}
	}
	return out
}

// SaveToFile writes the journal as indented JSON, replacing the file.
func (j *Journal) SaveToFile(path string) error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(j.events)
}

// LoadJournalFromFile reads a journal written by SaveToFile. Sequence numbers must be
// contiguous from 1.
func LoadJournalFromFile(path string) (*Journal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	if err := json.NewDecoder(f).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode journal %s: %w", path, err)
	}
	for i, ev := range events {
		if ev.Seq != uint64(i)+1 {
			return nil, fmt.Errorf("journal %s: event %d has seq %d", path, i+1, ev.Seq)
		}
	}
	if events == nil {
		events = make([]Event, 0)
	}
	return &Journal{events: events}, nil
}
