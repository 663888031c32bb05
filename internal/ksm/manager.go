// Package ksm is the dashboard state manager: tickets, the activity pulse,
// the system mode and the selected sport behind one object that notifies
// subscribers after every mutation.
//
// A Manager is built once at startup and injected into every consumer.
// Mutators never return errors and never panic outward; bad input is
// dropped and, where useful, noted in the activity log.
package ksm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/kairos/internal/activity"
	"github.com/rewired-gh/kairos/internal/broadcast"
	"github.com/rewired-gh/kairos/internal/logger"
	"github.com/rewired-gh/kairos/internal/models"
	"github.com/rewired-gh/kairos/internal/stats"
	"github.com/rewired-gh/kairos/internal/systemstate"
	"github.com/rewired-gh/kairos/internal/tickets"
)

// Persister saves tickets to the backing store. It is called from a single
// background goroutine, one ticket at a time; the manager never waits on it.
type Persister interface {
	SaveTicket(ctx context.Context, t models.Ticket) error
}

// Options configures a Manager.
type Options struct {
	ActivityCapacity  int
	MaxTickets        int
	LockSettled       bool
	StrictTransitions bool
	Persister         Persister
	PersistTimeout    time.Duration
	Clock             func() time.Time
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		ActivityCapacity: activity.DefaultCapacity,
		MaxTickets:       tickets.DefaultMaxTickets,
		LockSettled:      true,
		PersistTimeout:   10 * time.Second,
	}
}

// Manager owns all dashboard state.
type Manager struct {
	mu       sync.RWMutex // serialises compound mutations; guards sport and pending
	log      *activity.Log
	tickets  *tickets.Store
	state    *systemstate.Machine
	hub      *broadcast.Hub
	sport    models.Module
	pending  *Proposal
	now      func() time.Time

	persister      Persister
	persistTimeout time.Duration
	persistWG      sync.WaitGroup

	persistMu  sync.Mutex // guards dirty, dirtyOrder and persisting
	dirty      map[string]struct{}
	dirtyOrder []string
	persisting bool
}

// New builds a Manager in STANDBY with an empty store and log.
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	m := &Manager{
		log:            activity.New(opts.ActivityCapacity),
		tickets:        tickets.New(tickets.Options{MaxTickets: opts.MaxTickets, LockSettled: opts.LockSettled}),
		state:          systemstate.New(opts.StrictTransitions),
		sport:          models.ModuleNone,
		now:            opts.Clock,
		persister:      opts.Persister,
		persistTimeout: opts.PersistTimeout,
		dirty:          make(map[string]struct{}),
	}
	m.log.SetClock(opts.Clock)
	m.hub = broadcast.New(m.onListenerPanic)
	return m
}

func (m *Manager) onListenerPanic(idx int, err error) {
	logger.Error("State listener %d failed: %v", idx, err)
	// Recorded without a notification so a failing listener cannot loop.
	m.log.Record(models.SourceSystem, fmt.Sprintf("Listener %d failed: %v", idx, err), models.SeverityHigh)
}

// guard turns a panic inside a mutator into a process log line.
func (m *Manager) guard(op string) {
	if r := recover(); r != nil {
		logger.Error("ksm.%s recovered from panic: %v", op, r)
	}
}

// locked runs fn with m.mu held. The unlock is deferred so a panic in fn
// cannot leave the mutex held for the next mutator.
func (m *Manager) locked(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// Subscribe registers fn to run after every mutation. The returned disposer
// is idempotent.
func (m *Manager) Subscribe(fn func()) (unsubscribe func()) {
	return m.hub.Subscribe(fn)
}

// Watch opens a channel that receives one event per mutation. It is the path
// for consumers that live outside the listener list, such as websocket clients.
func (m *Manager) Watch(buffer int) (<-chan broadcast.Event, func()) {
	return m.hub.Watch(buffer)
}

// LogActivity appends an activity entry. Empty severity means low.
func (m *Manager) LogActivity(source, message string, severity models.Severity) {
	defer m.guard("LogActivity")
	m.log.Record(source, message, severity)
	m.hub.Notify(broadcast.TopicActivity)
}

// ResetActivity clears the activity log.
func (m *Manager) ResetActivity() {
	defer m.guard("ResetActivity")
	m.log.Reset()
	m.hub.Notify(broadcast.TopicActivity)
}

// UpdateTicket upserts t by ID and persists it in the background.
func (m *Manager) UpdateTicket(t models.Ticket) {
	defer m.guard("UpdateTicket")

	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		m.log.Record(models.SourceSystem, "Ticket without id ignored", models.SeverityLow)
		m.hub.Notify(broadcast.TopicActivity)
		return
	}

	m.locked(func() {
		_, evicted := m.tickets.Upsert(t)
		m.noteEvictions(evicted)
	})

	m.hub.Notify(broadcast.TopicTickets)
	m.persist(t)
}

// UpdateTickets upserts a batch with a single notification. It is meant for
// bulk loads from the backend, so nothing is persisted back.
func (m *Manager) UpdateTickets(ts []models.Ticket) {
	defer m.guard("UpdateTickets")
	if len(ts) == 0 {
		return
	}

	m.locked(func() {
		accepted, evicted := m.tickets.UpsertMany(ts)
		if rejected := len(ts) - accepted; rejected > 0 {
			m.log.Record(models.SourceSystem, fmt.Sprintf("%d tickets without id ignored", rejected), models.SeverityLow)
		}
		m.noteEvictions(evicted)
	})

	m.hub.Notify(broadcast.TopicTickets)
}

// UpdateTicketStatus changes the status of an existing ticket. Unknown IDs
// are ignored without a notification.
func (m *Manager) UpdateTicketStatus(id string, status models.BetStatus) {
	defer m.guard("UpdateTicketStatus")

	var (
		t   models.Ticket
		res tickets.UpdateResult
	)
	m.locked(func() {
		t, res = m.tickets.UpdateStatus(id, status)
		switch res {
		case tickets.InvalidStatus:
			m.log.Record(models.SourceSystem, fmt.Sprintf("Invalid status %q for ticket %s ignored", status, id), models.SeverityLow)
		case tickets.Locked:
			m.log.Record(models.SourceSystem, fmt.Sprintf("Ticket %s already settled as %s", id, t.Status), models.SeverityLow)
		}
	})

	switch res {
	case tickets.NotFound:
		logger.Debug("Status update for unknown ticket %q ignored", id)
		return
	case tickets.InvalidStatus, tickets.Locked:
		m.hub.Notify(broadcast.TopicActivity)
		return
	}

	m.hub.Notify(broadcast.TopicTickets)
	m.persist(t)
}

// AddSignals converts AI signals into PENDING tickets, logs one entry per
// signal and notifies once. It returns the number of tickets stored.
func (m *Manager) AddSignals(signals []models.Signal, module models.Module) int {
	defer m.guard("AddSignals")
	if len(signals) == 0 {
		return 0
	}

	var added []models.Ticket
	m.locked(func() {
		added = m.addSignalsLocked(signals, module)
	})

	m.hub.Notify(broadcast.TopicTickets)
	m.persist(added...)
	return len(added)
}

func (m *Manager) addSignalsLocked(signals []models.Signal, module models.Module) []models.Ticket {
	now := m.now()
	batch := make([]models.Ticket, 0, len(signals))
	for _, s := range signals {
		t := s.Ticket(module, now)
		batch = append(batch, t)

		severity := models.SeverityLow
		msg := "Signal anchored: " + s.Matchup()
		if t.IsFireSignal {
			severity = models.SeverityHigh
			msg = "FIRE signal anchored: " + s.Matchup()
		}
		m.log.Record(string(t.Module), msg, severity)
	}
	_, evicted := m.tickets.UpsertMany(batch)
	m.noteEvictions(evicted)
	return batch
}

func (m *Manager) noteEvictions(evicted []string) {
	if len(evicted) == 0 {
		return
	}
	logger.Debug("Evicted %d tickets over the store cap", len(evicted))
	m.log.Record(models.SourceSystem, fmt.Sprintf("%d old tickets evicted from history", len(evicted)), models.SeverityLow)
}

// SetSystemState switches the application mode. Undeclared states are
// ignored; with strict transitions enabled, disallowed moves are ignored and
// noted as a warning entry.
func (m *Manager) SetSystemState(s models.SystemState) {
	defer m.guard("SetSystemState")

	prev, ok := m.state.Set(s)
	if ok {
		m.hub.Notify(broadcast.TopicState)
		return
	}
	if !s.Valid() {
		logger.Warn("Unknown system state %q ignored", s)
		return
	}
	logger.Warn("Transition %s -> %s refused", prev, s)
	m.log.Record(models.SourceSystem, fmt.Sprintf("Transition %s -> %s refused", prev, s), models.SeverityMedium)
	m.hub.Notify(broadcast.TopicActivity)
}

// TransitionFrom switches to next only when the current mode is one of from.
// The check and the switch are atomic. It reports whether the switch happened.
func (m *Manager) TransitionFrom(from []models.SystemState, next models.SystemState) (ok bool) {
	defer m.guard("TransitionFrom")

	prev, ok := m.state.SetFrom(from, next)
	if ok {
		m.hub.Notify(broadcast.TopicState)
		return true
	}
	logger.Debug("Transition %s -> %s skipped", prev, next)
	return false
}

// SetCurrentSport records the module last selected by the user.
func (m *Manager) SetCurrentSport(module models.Module) {
	defer m.guard("SetCurrentSport")
	if module == "" {
		module = models.ModuleNone
	}
	m.locked(func() {
		m.sport = module
	})
	m.hub.Notify(broadcast.TopicSport)
}

// GetHistory returns every ticket, newest first.
func (m *Manager) GetHistory() []models.Ticket {
	return m.tickets.All()
}

// GetTicket returns one ticket by ID.
func (m *Manager) GetTicket(id string) (models.Ticket, bool) {
	return m.tickets.Get(id)
}

// GetActivityLog returns the retained activity entries, newest first.
func (m *Manager) GetActivityLog() []models.ActivityEntry {
	return m.log.Entries()
}

// ActivitySince returns entries with a sequence above seq, oldest first.
func (m *Manager) ActivitySince(seq uint64) []models.ActivityEntry {
	return m.log.Since(seq)
}

// GetStats computes the derived counters from the current tickets.
func (m *Manager) GetStats() models.Stats {
	return stats.Compute(m.tickets.All())
}

// GetSystemState returns the current mode.
func (m *Manager) GetSystemState() models.SystemState {
	return m.state.Current()
}

// GetCurrentSport returns the selected module.
func (m *Manager) GetCurrentSport() models.Module {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sport
}

// Snapshot is the full read model pushed to dashboard clients.
type Snapshot struct {
	Seq      uint64                 `json:"seq"`
	State    models.SystemState     `json:"state"`
	Sport    models.Module          `json:"sport"`
	Stats    models.Stats           `json:"stats"`
	History  []models.Ticket        `json:"history"`
	Activity []models.ActivityEntry `json:"activity"`
	Pending  *Proposal              `json:"pending,omitempty"`
}

// Snapshot reads every accessor at once.
func (m *Manager) Snapshot() Snapshot {
	history := m.tickets.All()
	snap := Snapshot{
		Seq:      m.hub.Seq(),
		State:    m.state.Current(),
		Sport:    m.GetCurrentSport(),
		Stats:    stats.Compute(history),
		History:  history,
		Activity: m.log.Entries(),
	}
	if p, ok := m.Pending(); ok {
		snap.Pending = &p
	}
	return snap
}

// persist queues tickets for the background writer. Writes are ordered by
// first enqueue and coalesced per ID: the writer saves whatever the store
// holds when the ID comes up, so a later mutation is never overwritten by an
// earlier one. Failures become high-severity activity entries.
func (m *Manager) persist(ts ...models.Ticket) {
	if m.persister == nil || len(ts) == 0 {
		return
	}

	m.persistMu.Lock()
	for _, t := range ts {
		if _, queued := m.dirty[t.ID]; queued {
			continue
		}
		m.dirty[t.ID] = struct{}{}
		m.dirtyOrder = append(m.dirtyOrder, t.ID)
		m.persistWG.Add(1)
	}
	start := !m.persisting && len(m.dirtyOrder) > 0
	if start {
		m.persisting = true
	}
	m.persistMu.Unlock()

	if start {
		go m.persistLoop()
	}
}

// persistLoop drains the dirty queue and exits when it is empty.
func (m *Manager) persistLoop() {
	for {
		m.persistMu.Lock()
		if len(m.dirtyOrder) == 0 {
			m.persisting = false
			m.persistMu.Unlock()
			return
		}
		id := m.dirtyOrder[0]
		m.dirtyOrder = m.dirtyOrder[1:]
		delete(m.dirty, id)
		m.persistMu.Unlock()

		m.saveLatest(id)
		m.persistWG.Done()
	}
}

func (m *Manager) saveLatest(id string) {
	t, ok := m.tickets.Get(id)
	if !ok {
		logger.Debug("Ticket %s evicted before it was saved", id)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
	defer cancel()
	if err := m.persister.SaveTicket(ctx, t); err != nil {
		logger.Warn("Failed to persist ticket %s: %v", id, err)
		m.LogActivity(models.SourceSystem, fmt.Sprintf("Sync failed for ticket %s", id), models.SeverityHigh)
	}
}

// Flush waits for background persistence to finish or ctx to expire.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
