// Package stats derives dashboard counters from the ticket collection.
package stats

import "github.com/rewired-gh/kairos/internal/models"

// Compute counts tickets by flag and status. It never caches and never
// mutates its input, so calling it on every render is safe.
func Compute(tickets []models.Ticket) models.Stats {
	var st models.Stats
	st.TotalTickets = len(tickets)

	var lastSynced int64
	for i := range tickets {
		t := &tickets[i]
		if t.IsFireSignal {
			st.FireSignals++
		}
		switch t.Status {
		case models.StatusPending:
			st.QueueLength++
		case models.StatusWon:
			st.Won++
		case models.StatusLost:
			st.Lost++
		}
		if i == 0 || t.Timestamp > lastSynced {
			lastSynced = t.Timestamp
		}
	}
	if st.TotalTickets > 0 {
		st.LastSynced = &lastSynced
	}
	return st
}

// WinRate returns won / (won + lost) as a percentage, or 0 with no settled tickets.
func WinRate(st models.Stats) float64 {
	settled := st.Won + st.Lost
	if settled == 0 {
		return 0
	}
	return float64(st.Won) * 100 / float64(settled)
}
