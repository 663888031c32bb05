package models

import "strings"

// Severity grades an activity entry.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (0) to critical (3). Unknown values rank as low.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the four levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// NormalizeSeverity lower-cases v and falls back to low for empty or unknown input.
func NormalizeSeverity(v string) Severity {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return SeverityLow
	}
	return s
}

// Well-known activity sources besides sport modules.
const (
	SourceSystem     = "SYSTEM"
	SourceAutonomous = "AUTONOMOUS"
)

// ActivityEntry is one pulse in the telemetry feed. Entries are never mutated
// after insertion.
type ActivityEntry struct {
	ID        string   `json:"id"`
	Seq       uint64   `json:"seq"`
	Sport     string   `json:"sport"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds
}
