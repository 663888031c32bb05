package ksm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/kairos/internal/models"
)

func newTestManager(t *testing.T, mutate ...func(*Options)) *Manager {
	t.Helper()
	opts := DefaultOptions()
	opts.Clock = func() time.Time { return time.UnixMilli(10_000) }
	for _, fn := range mutate {
		fn(&opts)
	}
	return New(opts)
}

func ticket(id string, status models.BetStatus, fire bool, ts int64) models.Ticket {
	return models.Ticket{
		ID:           id,
		Module:       models.ModuleNBA,
		HomeTeam:     "Celtics",
		AwayTeam:     "Knicks",
		Prediction:   "Celtics -4.5",
		Edge:         7.1,
		Stake:        2,
		Status:       status,
		IsFireSignal: fire,
		Timestamp:    ts,
	}
}

// countCalls subscribes a counter and returns a getter.
func countCalls(m *Manager) func() int {
	var mu sync.Mutex
	n := 0
	m.Subscribe(func() {
		mu.Lock()
		n++
		mu.Unlock()
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}

func TestManager_UpsertIdempotence(t *testing.T) {
	m := newTestManager(t)
	tk := ticket("a", models.StatusPending, true, 1000)

	m.UpdateTicket(tk)
	first := m.GetStats()
	m.UpdateTicket(tk)
	second := m.GetStats()

	if len(m.GetHistory()) != 1 {
		t.Errorf("history length = %d, want 1", len(m.GetHistory()))
	}
	if first.TotalTickets != second.TotalTickets || first.FireSignals != second.FireSignals ||
		first.QueueLength != second.QueueLength || *first.LastSynced != *second.LastSynced {
		t.Errorf("stats differ: %+v vs %+v", first, second)
	}
}

func TestManager_UpsertReplaceSemantics(t *testing.T) {
	m := newTestManager(t)
	m.UpdateTicket(ticket("x", models.StatusPending, false, 1000))
	m.UpdateTicket(ticket("x", models.StatusWon, false, 1000))

	history := m.GetHistory()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].ID != "x" || history[0].Status != models.StatusWon {
		t.Errorf("got %s/%s, want x/WON", history[0].ID, history[0].Status)
	}
}

func TestManager_ActivityRingBound(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.ActivityCapacity = 10 })
	for i := 0; i < 25; i++ {
		m.LogActivity("SYSTEM", fmt.Sprintf("event-%d", i), models.SeverityLow)
	}

	log := m.GetActivityLog()
	if len(log) != 10 {
		t.Fatalf("activity length = %d, want 10", len(log))
	}
	for i, e := range log {
		want := fmt.Sprintf("event-%d", 24-i)
		if e.Message != want {
			t.Errorf("entry %d = %q, want %q", i, e.Message, want)
		}
	}
}

func TestManager_OneNotificationPerMutation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manager)
	}{
		{"LogActivity", func(m *Manager) { m.LogActivity("NBA", "scan", models.SeverityMedium) }},
		{"UpdateTicket", func(m *Manager) { m.UpdateTicket(ticket("b", models.StatusPending, false, 5)) }},
		{"UpdateTicketStatus", func(m *Manager) { m.UpdateTicketStatus("seed", models.StatusLost) }},
		{"SetSystemState", func(m *Manager) { m.SetSystemState(models.StateScanning) }},
		{"SetCurrentSport", func(m *Manager) { m.SetCurrentSport(models.ModuleLMB) }},
		{"UpdateTickets", func(m *Manager) {
			m.UpdateTickets([]models.Ticket{ticket("c", models.StatusPending, false, 1), ticket("d", models.StatusWon, false, 2)})
		}},
		{"AddSignals", func(m *Manager) {
			m.AddSignals([]models.Signal{{ID: "s1", HomeTeam: "A", AwayTeam: "B"}, {ID: "s2", HomeTeam: "C", AwayTeam: "D", IsFireSignal: true}}, models.ModuleNFL)
		}},
		{"ResetActivity", func(m *Manager) { m.ResetActivity() }},
		{"UpdateTicket without id", func(m *Manager) { m.UpdateTicket(models.Ticket{}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			m.UpdateTicket(ticket("seed", models.StatusPending, false, 1))
			calls := countCalls(m)

			tt.mutate(m)

			if got := calls(); got != 1 {
				t.Errorf("listener invoked %d times, want 1", got)
			}
		})
	}
}

func TestManager_StatsConsistency(t *testing.T) {
	m := newTestManager(t)
	m.UpdateTicket(ticket("a", models.StatusPending, true, 100))
	m.UpdateTicket(ticket("b", models.StatusPending, false, 200))
	m.UpdateTicket(ticket("c", models.StatusWon, true, 300))
	m.UpdateTicketStatus("b", models.StatusLost)
	m.UpdateTicket(ticket("a", models.StatusQueued, true, 400))
	m.UpdateTicketStatus("ghost", models.StatusWon)

	history := m.GetHistory()
	st := m.GetStats()

	fire, pending := 0, 0
	for _, tk := range history {
		if tk.IsFireSignal {
			fire++
		}
		if tk.Status == models.StatusPending {
			pending++
		}
	}
	if st.TotalTickets != len(history) {
		t.Errorf("TotalTickets = %d, history = %d", st.TotalTickets, len(history))
	}
	if st.FireSignals != fire {
		t.Errorf("FireSignals = %d, counted %d", st.FireSignals, fire)
	}
	if st.QueueLength != pending {
		t.Errorf("QueueLength = %d, counted %d", st.QueueLength, pending)
	}
}

func TestManager_StatusUpdateOnMissingIDIsNoop(t *testing.T) {
	m := newTestManager(t)
	m.UpdateTicket(ticket("a", models.StatusPending, false, 1))
	calls := countCalls(m)

	m.UpdateTicketStatus("nonexistent", models.StatusWon)

	if len(m.GetHistory()) != 1 {
		t.Errorf("history length = %d, want 1", len(m.GetHistory()))
	}
	if calls() != 0 {
		t.Errorf("listener invoked %d times for a no-op", calls())
	}
}

func TestManager_ConcreteScenario(t *testing.T) {
	m := newTestManager(t)
	m.UpdateTicket(ticket("a", models.StatusPending, true, 1000))
	m.UpdateTicket(ticket("b", models.StatusPending, false, 2000))
	m.UpdateTicketStatus("a", models.StatusWon)

	st := m.GetStats()
	if st.TotalTickets != 2 || st.FireSignals != 1 || st.QueueLength != 1 {
		t.Errorf("stats = %+v, want total 2, fire 1, queue 1", st)
	}
	if st.LastSynced == nil || *st.LastSynced != 2000 {
		t.Errorf("LastSynced = %v, want 2000", st.LastSynced)
	}
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	unsub := m.Subscribe(func() { calls++ })
	unsub()

	m.LogActivity("SYSTEM", "after unsubscribe", models.SeverityLow)

	if calls != 0 {
		t.Errorf("listener invoked %d times after unsubscribe", calls)
	}
}

func TestManager_ListenerMayReadState(t *testing.T) {
	m := newTestManager(t)
	var seen models.SystemState
	m.Subscribe(func() { seen = m.GetSystemState() })

	m.SetSystemState(models.StateAutonomousCycle)

	if seen != models.StateAutonomousCycle {
		t.Errorf("listener saw %s, want AUTONOMOUS_CYCLE", seen)
	}
}

func TestManager_PanickingListenerDoesNotStopOthers(t *testing.T) {
	m := newTestManager(t)
	m.Subscribe(func() { panic("render failure") })
	calls := countCalls(m)

	m.SetCurrentSport(models.ModuleTennis)

	if calls() != 1 {
		t.Errorf("second listener invoked %d times, want 1", calls())
	}
	if m.GetCurrentSport() != models.ModuleTennis {
		t.Error("state corrupted by listener panic")
	}
	found := false
	for _, e := range m.GetActivityLog() {
		if e.Severity == models.SeverityHigh {
			found = true
		}
	}
	if !found {
		t.Error("listener failure should be recorded in the activity log")
	}
}

func TestManager_SettledTicketsStayFinal(t *testing.T) {
	m := newTestManager(t)
	m.UpdateTicket(ticket("a", models.StatusWon, false, 1))

	m.UpdateTicketStatus("a", models.StatusLost)

	got, _ := m.GetTicket("a")
	if got.Status != models.StatusWon {
		t.Errorf("status = %s, want WON", got.Status)
	}
}

func TestManager_StrictTransitionRefusalIsLogged(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.StrictTransitions = true })
	m.SetSystemState(models.StateAutonomousCycle)
	m.SetSystemState(models.StateQuantumCollapse)

	if m.GetSystemState() != models.StateAutonomousCycle {
		t.Errorf("state = %s, want AUTONOMOUS_CYCLE", m.GetSystemState())
	}
	log := m.GetActivityLog()
	if len(log) == 0 || log[0].Severity != models.SeverityMedium {
		t.Errorf("expected a medium warning entry, got %+v", log)
	}
}

func TestManager_UnknownStateIgnored(t *testing.T) {
	m := newTestManager(t)
	calls := countCalls(m)
	m.SetSystemState("WARP")
	if m.GetSystemState() != models.StateStandby || calls() != 0 {
		t.Errorf("unknown state changed something: %s, %d calls", m.GetSystemState(), calls())
	}
}

func TestManager_AddSignalsLogsEachSignal(t *testing.T) {
	m := newTestManager(t)
	n := m.AddSignals([]models.Signal{
		{ID: "s1", HomeTeam: "Diablos", AwayTeam: "Sultanes", Stake: 3},
		{ID: "s2", HomeTeam: "Tigres", AwayTeam: "Toros", IsFireSignal: true, Stake: 0},
	}, models.ModuleLMB)

	if n != 2 {
		t.Errorf("added = %d, want 2", n)
	}
	if len(m.GetActivityLog()) != 2 {
		t.Errorf("activity entries = %d, want 2", len(m.GetActivityLog()))
	}
	tk, ok := m.GetTicket("s2")
	if !ok || tk.Module != models.ModuleLMB || tk.Stake != 1 || tk.Status != models.StatusPending {
		t.Errorf("unexpected ticket: %+v", tk)
	}
	if m.GetActivityLog()[0].Severity != models.SeverityHigh {
		t.Error("fire signal should be logged as high")
	}
}

func TestManager_EmptyBatchesDoNotNotify(t *testing.T) {
	m := newTestManager(t)
	calls := countCalls(m)
	m.AddSignals(nil, models.ModuleNBA)
	m.UpdateTickets(nil)
	if calls() != 0 {
		t.Errorf("listener invoked %d times", calls())
	}
}

func TestManager_TicketCapEvictsOldest(t *testing.T) {
	m := newTestManager(t, func(o *Options) { o.MaxTickets = 2 })
	m.UpdateTicket(ticket("old", models.StatusPending, false, 1))
	m.UpdateTicket(ticket("mid", models.StatusPending, false, 2))
	m.UpdateTicket(ticket("new", models.StatusPending, false, 3))

	if _, ok := m.GetTicket("old"); ok {
		t.Error("oldest ticket should be evicted")
	}
	if m.GetStats().TotalTickets != 2 {
		t.Errorf("TotalTickets = %d, want 2", m.GetStats().TotalTickets)
	}
}

func TestManager_WatchReceivesOneEventPerMutation(t *testing.T) {
	m := newTestManager(t)
	events, cancel := m.Watch(8)
	defer cancel()

	m.SetCurrentSport(models.ModuleNFL)
	m.LogActivity("NFL", "kickoff", models.SeverityLow)

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	ev := <-events
	if ev.Topic != "sport" {
		t.Errorf("first topic = %s, want sport", ev.Topic)
	}
}

type recordingPersister struct {
	mu    sync.Mutex
	saved []models.Ticket
	fail  bool
	hold  chan struct{} // when set, the first save blocks until it is closed
	held  chan struct{} // closed once the first save is blocked
	once  sync.Once
}

func (p *recordingPersister) SaveTicket(_ context.Context, t models.Ticket) error {
	if p.hold != nil {
		first := false
		p.once.Do(func() { first = true })
		if first {
			close(p.held)
			<-p.hold
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("backend unavailable")
	}
	p.saved = append(p.saved, t)
	return nil
}

func (p *recordingPersister) last(id string) (models.Ticket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.saved) - 1; i >= 0; i-- {
		if p.saved[i].ID == id {
			return p.saved[i], true
		}
	}
	return models.Ticket{}, false
}

func flush(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestManager_PersistsInBackground(t *testing.T) {
	p := &recordingPersister{}
	m := newTestManager(t, func(o *Options) { o.Persister = p })

	m.UpdateTicket(ticket("a", models.StatusPending, false, 1))
	m.UpdateTicketStatus("a", models.StatusWon)
	m.UpdateTickets([]models.Ticket{ticket("bulk", models.StatusPending, false, 2)})
	flush(t, m)

	got, ok := p.last("a")
	if !ok || got.Status != models.StatusWon {
		t.Errorf("last save of a = %+v, %v; want WON", got, ok)
	}
	if _, ok := p.last("bulk"); ok {
		t.Error("bulk-loaded tickets must not be written back")
	}
}

func TestManager_PersistsLatestStatusAfterOverlappingWrites(t *testing.T) {
	p := &recordingPersister{hold: make(chan struct{}), held: make(chan struct{})}
	m := newTestManager(t, func(o *Options) { o.Persister = p })

	m.UpdateTicket(ticket("x", models.StatusPending, false, 1))
	<-p.held // the PENDING save is in flight
	m.UpdateTicketStatus("x", models.StatusWon)
	close(p.hold)
	flush(t, m)

	got, ok := p.last("x")
	if !ok || got.Status != models.StatusWon {
		t.Errorf("last save of x = %+v, %v; want WON", got, ok)
	}
	p.mu.Lock()
	n := len(p.saved)
	p.mu.Unlock()
	if n != 2 {
		t.Errorf("saves = %d, want 2", n)
	}
}

func TestManager_PersistCoalescesQueuedWrites(t *testing.T) {
	p := &recordingPersister{hold: make(chan struct{}), held: make(chan struct{})}
	m := newTestManager(t, func(o *Options) { o.Persister = p })

	m.UpdateTicket(ticket("first", models.StatusPending, false, 1))
	<-p.held
	m.UpdateTicket(ticket("y", models.StatusPending, false, 2))
	m.UpdateTicketStatus("y", models.StatusLost)
	m.UpdateTicketStatus("y", models.StatusWon)
	close(p.hold)
	flush(t, m)

	p.mu.Lock()
	defer p.mu.Unlock()
	var ys []models.Ticket
	for _, tk := range p.saved {
		if tk.ID == "y" {
			ys = append(ys, tk)
		}
	}
	if len(ys) != 1 {
		t.Fatalf("saves of y = %d, want 1", len(ys))
	}
	if ys[0].Status != models.StatusLost {
		t.Errorf("y saved as %s, want the settled LOST", ys[0].Status)
	}
}

func TestManager_PersistFailureBecomesActivity(t *testing.T) {
	p := &recordingPersister{fail: true}
	m := newTestManager(t, func(o *Options) { o.Persister = p })

	m.UpdateTicket(ticket("a", models.StatusPending, false, 1))
	flush(t, m)

	log := m.GetActivityLog()
	if len(log) == 0 || log[0].Severity != models.SeverityHigh {
		t.Errorf("expected a high severity sync failure entry, got %+v", log)
	}
	if len(m.GetHistory()) != 1 {
		t.Error("persistence failure must not roll back the ticket")
	}
}

func TestManager_ConcurrentMutations(t *testing.T) {
	m := newTestManager(t)
	calls := countCalls(m)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.UpdateTicket(ticket(fmt.Sprintf("t-%d", i), models.StatusPending, i%2 == 0, int64(i)))
			_ = m.GetStats()
		}(i)
	}
	wg.Wait()

	if calls() != 20 {
		t.Errorf("calls = %d, want 20", calls())
	}
	st := m.GetStats()
	if st.TotalTickets != 20 || st.FireSignals != 10 {
		t.Errorf("stats = %+v", st)
	}
}

func TestManager_PanicUnderLockDoesNotDeadlock(t *testing.T) {
	var calls int
	m := newTestManager(t, func(o *Options) {
		o.Clock = func() time.Time {
			calls++
			if calls == 1 {
				panic("clock failure")
			}
			return time.UnixMilli(10_000)
		}
	})

	if n := m.AddSignals([]models.Signal{{ID: "s1", HomeTeam: "A", AwayTeam: "B"}}, models.ModuleNBA); n != 0 {
		t.Errorf("added = %d after a panic, want 0", n)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.UpdateTicket(ticket("after", models.StatusPending, false, 1))
		m.SetCurrentSport(models.ModuleNFL)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mutators blocked after a recovered panic")
	}
	if _, ok := m.GetTicket("after"); !ok {
		t.Error("ticket written after the panic is missing")
	}
}

func TestManager_TransitionFrom(t *testing.T) {
	m := newTestManager(t)
	calls := countCalls(m)

	if !m.TransitionFrom([]models.SystemState{models.StateStandby}, models.StateAutonomousCycle) {
		t.Fatal("transition from STANDBY refused")
	}
	if m.TransitionFrom([]models.SystemState{models.StateStandby}, models.StateNeuralGrounding) {
		t.Error("second caller from STANDBY should lose")
	}
	m.SetSystemState(models.StateQuantumCollapse)
	if m.TransitionFrom([]models.SystemState{models.StateAutonomousCycle}, models.StateStandby) {
		t.Error("QUANTUM_COLLAPSE must not be overwritten by a stale caller")
	}
	if got := m.GetSystemState(); got != models.StateQuantumCollapse {
		t.Errorf("state = %s, want QUANTUM_COLLAPSE", got)
	}
	if calls() != 2 {
		t.Errorf("notifications = %d, want 2", calls())
	}
}
