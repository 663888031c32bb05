// Package systemstate holds the application-wide mode.
//
// By default transitions are unchecked: callers sequence states themselves.
// A strict machine consults a (current, requested) table and refuses moves
// that are not listed.
package systemstate

import (
	"slices"
	"sync"

	"github.com/rewired-gh/kairos/internal/models"
)

// transitions lists the moves a strict machine accepts besides returning to
// STANDBY and re-entering the current state, which are always allowed.
var transitions = map[models.SystemState][]models.SystemState{
	models.StateStandby: {
		models.StateScanning, models.StateAnalysisReady, models.StateAnalysisActive,
		models.StateNeuralGrounding, models.StateAutonomousCycle, models.StateLiveLink,
		models.StateAutoPilot, models.StateHibernation, models.StateMidnightSync,
		models.StateBlackSwanScan,
	},
	models.StateScanning:        {models.StateAnalysisReady},
	models.StateAnalysisReady:   {models.StateNeuralGrounding, models.StateAnalysisActive, models.StateScanning},
	models.StateNeuralGrounding: {models.StateAnalysisActive},
	models.StateAnalysisActive:  {models.StateQuantumCollapse, models.StateAnalysisReady},
	models.StateQuantumCollapse: {models.StateAnalysisReady},
	models.StateLiveLink:        {models.StateAnalysisActive},
	models.StateAutoPilot:       {models.StateAutonomousCycle, models.StateHibernation},
	models.StateHibernation:     {models.StateMidnightSync},
	models.StateMidnightSync:    {models.StateAutonomousCycle},
}

// Allowed reports whether a strict machine accepts from -> to.
func Allowed(from, to models.SystemState) bool {
	if to == models.StateStandby || from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine stores the current state. The zero value is not usable; use New.
type Machine struct {
	mu      sync.RWMutex
	current models.SystemState
	strict  bool
}

// New returns a machine in STANDBY.
func New(strict bool) *Machine {
	return &Machine{current: models.StateStandby, strict: strict}
}

// Current returns the active state.
func (m *Machine) Current() models.SystemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Strict reports whether the transition table is enforced.
func (m *Machine) Strict() bool {
	return m.strict
}

// Set moves to next and returns the previous state. ok is false when next
// is not a declared state, or when the machine is strict and the move is
// not in the table; the state is left unchanged in both cases.
func (m *Machine) Set(next models.SystemState) (prev models.SystemState, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev = m.current
	if !next.Valid() {
		return prev, false
	}
	if m.strict && !Allowed(prev, next) {
		return prev, false
	}
	m.current = next
	return prev, true
}

// SetFrom moves to next only if the current state is one of from. The check
// and the move happen under one lock, so two callers racing from the same
// state cannot both win. The strict table still applies.
func (m *Machine) SetFrom(from []models.SystemState, next models.SystemState) (prev models.SystemState, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev = m.current
	if !next.Valid() || !slices.Contains(from, prev) {
		return prev, false
	}
	if m.strict && !Allowed(prev, next) {
		return prev, false
	}
	m.current = next
	return prev, true
}
