package ksm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rewired-gh/kairos/internal/broadcast"
	"github.com/rewired-gh/kairos/internal/logger"
	"github.com/rewired-gh/kairos/internal/models"
)

// Proposal holds AI signals awaiting human confirmation. At most one exists;
// it is set by ProposeSignals and cleared by ConfirmPending or CancelPending.
type Proposal struct {
	ID        string          `json:"id"`
	Module    models.Module   `json:"module"`
	Signals   []models.Signal `json:"signals"`
	CreatedAt int64           `json:"createdAt"`
}

func (p *Proposal) clone() Proposal {
	out := *p
	out.Signals = append([]models.Signal(nil), p.Signals...)
	return out
}

// ProposeSignals parks signals for confirmation and enters QUANTUM_COLLAPSE.
// An unconfirmed proposal is replaced. Empty batches are ignored.
func (m *Manager) ProposeSignals(signals []models.Signal, module models.Module) (Proposal, bool) {
	defer m.guard("ProposeSignals")
	if len(signals) == 0 {
		return Proposal{}, false
	}

	p := &Proposal{
		ID:        uuid.NewString(),
		Module:    module,
		Signals:   append([]models.Signal(nil), signals...),
		CreatedAt: m.now().UnixMilli(),
	}

	var out Proposal
	m.locked(func() {
		if m.pending != nil {
			m.log.Record(string(module), fmt.Sprintf("Unconfirmed proposal %s replaced", m.pending.ID[:8]), models.SeverityMedium)
		}
		m.pending = p
		m.log.Record(string(module), fmt.Sprintf("%d signals awaiting confirmation", len(signals)), models.SeverityMedium)
		if _, ok := m.state.Set(models.StateQuantumCollapse); !ok {
			logger.Warn("Could not enter %s for proposal %s", models.StateQuantumCollapse, p.ID)
		}
		out = p.clone()
	})

	m.hub.Notify(broadcast.TopicPending)
	return out, true
}

// Pending returns the parked proposal, if any.
func (m *Manager) Pending() (Proposal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pending == nil {
		return Proposal{}, false
	}
	return m.pending.clone(), true
}

// ConfirmPending commits the parked signals as tickets, clears the slot and
// returns to STANDBY, with one notification. It returns the number of tickets
// added and false when nothing was pending.
func (m *Manager) ConfirmPending() (int, bool) {
	defer m.guard("ConfirmPending")

	var (
		p     *Proposal
		added []models.Ticket
	)
	m.locked(func() {
		p = m.pending
		if p == nil {
			return
		}
		m.pending = nil
		added = m.addSignalsLocked(p.Signals, p.Module)
		m.log.Record(string(p.Module), fmt.Sprintf("Deployment authorized: %d signals anchored", len(added)), models.SeverityMedium)
		m.state.Set(models.StateStandby)
	})
	if p == nil {
		return 0, false
	}

	m.hub.Notify(broadcast.TopicPending)
	m.persist(added...)
	return len(added), true
}

// CancelPending drops the parked proposal and returns to STANDBY.
func (m *Manager) CancelPending() bool {
	defer m.guard("CancelPending")

	var p *Proposal
	m.locked(func() {
		p = m.pending
		if p == nil {
			return
		}
		m.pending = nil
		m.log.Record(string(p.Module), fmt.Sprintf("Proposal with %d signals discarded", len(p.Signals)), models.SeverityLow)
		m.state.Set(models.StateStandby)
	})
	if p == nil {
		return false
	}

	m.hub.Notify(broadcast.TopicPending)
	return true
}
