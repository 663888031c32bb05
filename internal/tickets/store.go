// Package tickets holds the keyed collection of betting tickets.
package tickets

import (
	"sort"
	"strings"
	"sync"

	"github.com/rewired-gh/kairos/internal/models"
)

// DefaultMaxTickets bounds the store when no limit is configured.
const DefaultMaxTickets = 500

// Options configures a Store.
type Options struct {
	// MaxTickets caps the number of stored tickets. The ticket with the
	// oldest timestamp is evicted when an insert exceeds the cap.
	MaxTickets int
	// LockSettled makes WON and LOST final for UpdateStatus.
	LockSettled bool
}

// UpdateResult describes what UpdateStatus did.
type UpdateResult int

const (
	Updated UpdateResult = iota
	NotFound
	Locked
	InvalidStatus
)

func (r UpdateResult) String() string {
	switch r {
	case Updated:
		return "updated"
	case NotFound:
		return "not_found"
	case Locked:
		return "locked"
	case InvalidStatus:
		return "invalid_status"
	}
	return "unknown"
}

type entry struct {
	ticket models.Ticket
	seq    uint64 // first insertion order, kept across replacements
}

// Store is a keyed ticket collection with upsert semantics.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	nextSeq uint64
	opts    Options
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.MaxTickets < 1 {
		opts.MaxTickets = DefaultMaxTickets
	}
	return &Store{
		byID: make(map[string]*entry),
		opts: opts,
	}
}

// Upsert replaces the ticket sharing t.ID or inserts it. It reports false
// when the ticket has no ID. Evicted holds the IDs dropped by the size cap.
func (s *Store) Upsert(t models.Ticket) (ok bool, evicted []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.upsertLocked(t) {
		return false, nil
	}
	return true, s.evictLocked()
}

// UpsertMany applies Upsert to each ticket and evicts once at the end.
// It returns how many tickets were accepted.
func (s *Store) UpsertMany(ts []models.Ticket) (accepted int, evicted []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ts {
		if s.upsertLocked(t) {
			accepted++
		}
	}
	return accepted, s.evictLocked()
}

func (s *Store) upsertLocked(t models.Ticket) bool {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return false
	}
	if e, ok := s.byID[t.ID]; ok {
		e.ticket = t
		return true
	}
	s.nextSeq++
	s.byID[t.ID] = &entry{ticket: t, seq: s.nextSeq}
	return true
}

func (s *Store) evictLocked() []string {
	var evicted []string
	for len(s.byID) > s.opts.MaxTickets {
		var oldest *entry
		for _, e := range s.byID {
			if oldest == nil ||
				e.ticket.Timestamp < oldest.ticket.Timestamp ||
				(e.ticket.Timestamp == oldest.ticket.Timestamp && e.seq < oldest.seq) {
				oldest = e
			}
		}
		delete(s.byID, oldest.ticket.ID)
		evicted = append(evicted, oldest.ticket.ID)
	}
	return evicted
}

// UpdateStatus changes only the status of an existing ticket. Unknown IDs are
// left alone; no placeholder is inserted.
func (s *Store) UpdateStatus(id string, status models.BetStatus) (models.Ticket, UpdateResult) {
	if !status.Valid() {
		return models.Ticket{}, InvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return models.Ticket{}, NotFound
	}
	if s.opts.LockSettled && e.ticket.Status.Settled() && e.ticket.Status != status {
		return e.ticket, Locked
	}
	e.ticket.Status = status
	return e.ticket, Updated
}

// Get returns the ticket with the given ID.
func (s *Store) Get(id string) (models.Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return models.Ticket{}, false
	}
	return e.ticket, true
}

// All returns a copy of every ticket ordered by timestamp, newest first.
// Equal timestamps keep the most recently inserted ticket first.
func (s *Store) All() []models.Ticket {
	s.mu.RLock()
	entries := make([]entry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, *e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ticket.Timestamp != entries[j].ticket.Timestamp {
			return entries[i].ticket.Timestamp > entries[j].ticket.Timestamp
		}
		return entries[i].seq > entries[j].seq
	})

	out := make([]models.Ticket, len(entries))
	for i, e := range entries {
		out[i] = e.ticket
	}
	return out
}

// Len returns the number of stored tickets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
