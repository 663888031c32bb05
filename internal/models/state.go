package models

// SystemState is the single mode describing what the application is doing.
type SystemState string

const (
	StateStandby         SystemState = "STANDBY"
	StateScanning        SystemState = "SCANNING"
	StateAnalysisReady   SystemState = "ANALYSIS_READY"
	StateAnalysisActive  SystemState = "ANALYSIS_ACTIVE"
	StateNeuralGrounding SystemState = "NEURAL_GROUNDING"
	StateQuantumCollapse SystemState = "QUANTUM_COLLAPSE"
	StateAutonomousCycle SystemState = "AUTONOMOUS_CYCLE"
	StateLiveLink        SystemState = "LIVE_LINK"

	// Reserved; nothing enters these yet.
	StateAutoPilot     SystemState = "AUTO_PILOT"
	StateHibernation   SystemState = "HIBERNATION"
	StateMidnightSync  SystemState = "MIDNIGHT_SYNC"
	StateBlackSwanScan SystemState = "BLACK_SWAN_SCAN"
)

// AllStates lists every state in declaration order.
var AllStates = []SystemState{
	StateStandby, StateScanning, StateAnalysisReady, StateAnalysisActive,
	StateNeuralGrounding, StateQuantumCollapse, StateAutonomousCycle,
	StateLiveLink, StateAutoPilot, StateHibernation, StateMidnightSync,
	StateBlackSwanScan,
}

// Valid reports whether s is a declared state.
func (s SystemState) Valid() bool {
	for _, v := range AllStates {
		if v == s {
			return true
		}
	}
	return false
}

// Stats are the derived counters shown in the dashboard header.
// LastSynced is nil when there are no tickets.
type Stats struct {
	TotalTickets int    `json:"totalTickets"`
	FireSignals  int    `json:"fireSignals"`
	QueueLength  int    `json:"queueLength"`
	Won          int    `json:"won"`
	Lost         int    `json:"lost"`
	LastSynced   *int64 `json:"lastSynced"`
}

// CycleReport summarizes one autonomous cycle.
type CycleReport struct {
	AuditedCount   int      `json:"auditedCount"`
	NewSignalCount int      `json:"newSignalCount"`
	Errors         []string `json:"errors"`
	Timestamp      int64    `json:"timestamp"`
}

// Intelligence is a stored note the AI analysis receives as context.
type Intelligence struct {
	ID        string  `json:"id"`
	Topic     string  `json:"topic"`
	Summary   string  `json:"summary"`
	Relevance float64 `json:"relevance"`
}
