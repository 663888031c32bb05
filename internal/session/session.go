// Package session drives an analysis run for a selected module: grounding,
// AI analysis and the hand-off of signals to the confirmation slot. It also
// performs the startup sync from the backing store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rewired-gh/kairos/internal/ksm"
	"github.com/rewired-gh/kairos/internal/logger"
	"github.com/rewired-gh/kairos/internal/models"
	"github.com/rewired-gh/kairos/internal/storage"
)

var (
	// ErrBusy means the system is not in a state that accepts a new analysis.
	ErrBusy = errors.New("analysis already in progress")
	// ErrStale means the run was superseded or aborted; its result was dropped.
	ErrStale = errors.New("analysis superseded")
)

// Analyst produces signals for a module.
type Analyst interface {
	CreateAnalysisSession(ctx context.Context, module models.Module, rules []string, intel []models.Intelligence) ([]models.Signal, error)
}

// Knowledge is the read side of the backing store.
type Knowledge interface {
	FetchTickets(ctx context.Context) ([]models.Ticket, error)
	FetchRules(ctx context.Context) ([]string, error)
	FetchIntelligence(ctx context.Context) ([]models.Intelligence, error)
}

// Session runs analyses against one manager.
type Session struct {
	manager *ksm.Manager
	analyst Analyst
	store   Knowledge

	mu  sync.Mutex
	gen uint64
}

// New creates a session. store may be nil, in which case default rules and
// intelligence are used and Sync is a no-op.
func New(m *ksm.Manager, analyst Analyst, store Knowledge) *Session {
	return &Session{manager: m, analyst: analyst, store: store}
}

// Sync loads persisted tickets into the manager.
func (s *Session) Sync(ctx context.Context) error {
	s.manager.LogActivity(models.SourceSystem, "Synchronizing automation cycle...", models.SeverityMedium)
	if s.store == nil {
		return nil
	}
	tickets, err := s.store.FetchTickets(ctx)
	if err != nil {
		s.manager.LogActivity(models.SourceSystem, "Ticket sync failed: "+err.Error(), models.SeverityHigh)
		return fmt.Errorf("sync tickets: %w", err)
	}
	s.manager.UpdateTickets(tickets)
	logger.Info("Synced %d tickets from storage", len(tickets))
	return nil
}

// Analyze runs the analysis flow for module. Allowed from STANDBY or
// ANALYSIS_READY. On success the signals are parked as a proposal and the
// system sits in QUANTUM_COLLAPSE until the proposal is confirmed or
// cancelled. With no signals the system returns to STANDBY and the zero
// Proposal is returned with a nil error.
func (s *Session) Analyze(ctx context.Context, module models.Module) (ksm.Proposal, error) {
	if module == "" || module == models.ModuleNone {
		return ksm.Proposal{}, fmt.Errorf("module is required")
	}

	s.mu.Lock()
	if !s.manager.TransitionFrom(idleStates, models.StateNeuralGrounding) {
		s.mu.Unlock()
		return ksm.Proposal{}, ErrBusy
	}
	s.gen++
	gen := s.gen
	s.manager.SetCurrentSport(module)
	s.mu.Unlock()

	s.manager.LogActivity(string(module), fmt.Sprintf("Deep web scan: neural grounding started [%s]", module), models.SeverityLow)
	rules, intel := s.knowledge(ctx)

	s.mu.Lock()
	active := gen == s.gen &&
		s.manager.TransitionFrom([]models.SystemState{models.StateNeuralGrounding}, models.StateAnalysisActive)
	s.mu.Unlock()
	if !active {
		logger.Debug("Analysis for %s aborted during grounding", module)
		return ksm.Proposal{}, ErrStale
	}

	signals, err := s.analyst.CreateAnalysisSession(ctx, module, rules, intel)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		logger.Debug("Dropping superseded analysis for %s", module)
		return ksm.Proposal{}, ErrStale
	}
	if err != nil {
		logger.Warn("Analysis for %s failed: %v", module, err)
		s.manager.LogActivity(string(module), "Neural Grounding failed.", models.SeverityHigh)
		s.manager.TransitionFrom(analysingStates, models.StateStandby)
		return ksm.Proposal{}, fmt.Errorf("analyze %s: %w", module, err)
	}
	if len(signals) == 0 {
		s.manager.LogActivity(string(module), "No actionable signals found", models.SeverityLow)
		s.manager.TransitionFrom(analysingStates, models.StateStandby)
		return ksm.Proposal{}, nil
	}

	p, _ := s.manager.ProposeSignals(signals, module)
	return p, nil
}

// Abort invalidates any in-flight analysis and returns to STANDBY if one
// was running.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.manager.TransitionFrom(analysingStates, models.StateStandby) {
		s.manager.LogActivity(models.SourceSystem, "Analysis aborted", models.SeverityLow)
	}
}

var (
	idleStates      = []models.SystemState{models.StateStandby, models.StateAnalysisReady}
	analysingStates = []models.SystemState{models.StateNeuralGrounding, models.StateAnalysisActive}
)

func (s *Session) knowledge(ctx context.Context) ([]string, []models.Intelligence) {
	if s.store == nil {
		return storage.DefaultRules(), storage.DefaultIntelligence()
	}
	rules, err := s.store.FetchRules(ctx)
	if err != nil {
		logger.Warn("Falling back to default rules: %v", err)
		rules = storage.DefaultRules()
	}
	intel, err := s.store.FetchIntelligence(ctx)
	if err != nil {
		logger.Warn("Falling back to default intelligence: %v", err)
		intel = storage.DefaultIntelligence()
	}
	return rules, intel
}
