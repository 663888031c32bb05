// Package models defines the core domain entities: tickets, activity entries,
// system states and the AI signal records they are built from.
package models

import (
	"errors"
	"strings"
)

// BetStatus is the lifecycle status of a ticket.
type BetStatus string

const (
	StatusPending   BetStatus = "PENDING"
	StatusWon       BetStatus = "WON"
	StatusLost      BetStatus = "LOST"
	StatusQueued    BetStatus = "QUEUED"
	StatusCancelled BetStatus = "CANCELLED"
	StatusVoid      BetStatus = "VOID"
)

// Valid reports whether s is one of the known statuses.
func (s BetStatus) Valid() bool {
	switch s {
	case StatusPending, StatusWon, StatusLost, StatusQueued, StatusCancelled, StatusVoid:
		return true
	}
	return false
}

// Settled reports whether the ticket outcome is final.
func (s BetStatus) Settled() bool {
	return s == StatusWon || s == StatusLost
}

// ParseStatus normalizes a status string. Unknown values return an error.
func ParseStatus(v string) (BetStatus, error) {
	s := BetStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", errors.New("unknown ticket status: " + v)
	}
	return s, nil
}

// Module is the sport or category a ticket belongs to.
type Module string

const (
	ModuleNone           Module = "NONE"
	ModuleGeneral        Module = "GENERAL"
	ModuleNBA            Module = "NBA"
	ModuleNFL            Module = "NFL"
	ModuleMLB            Module = "MLB"
	ModuleLMB            Module = "LMB"
	ModuleSoccerEurope   Module = "SOCCER_EUROPE"
	ModuleSoccerAmericas Module = "SOCCER_AMERICAS"
	ModuleTennis         Module = "TENNIS"
	ModuleNCAA           Module = "NCAA"
	ModuleBacktest       Module = "BACKTEST"
)

var knownModules = map[Module]bool{
	ModuleNone: true, ModuleGeneral: true, ModuleNBA: true, ModuleNFL: true,
	ModuleMLB: true, ModuleLMB: true, ModuleSoccerEurope: true,
	ModuleSoccerAmericas: true, ModuleTennis: true, ModuleNCAA: true,
	ModuleBacktest: true,
}

// Known reports whether m is one of the modules the dashboard offers.
// Tickets may still carry other tags; the store does not reject them.
func (m Module) Known() bool {
	return knownModules[m]
}

// ParseModule upper-cases v and maps spaces to underscores. Empty input
// yields ModuleNone.
func ParseModule(v string) Module {
	v = strings.TrimSpace(v)
	if v == "" {
		return ModuleNone
	}
	return Module(strings.ToUpper(strings.ReplaceAll(v, " ", "_")))
}

// Ticket is a betting signal record. ID is the upsert key.
type Ticket struct {
	ID           string    `json:"id"`
	Module       Module    `json:"module"`
	HomeTeam     string    `json:"homeTeam"`
	AwayTeam     string    `json:"awayTeam"`
	Prediction   string    `json:"prediction"`
	Edge         float64   `json:"edge"`
	Stake        int       `json:"stake"` // units 1..5; 0 means not set
	Status       BetStatus `json:"status"`
	IsFireSignal bool      `json:"isFireSignal"`
	Timestamp    int64     `json:"timestamp"` // epoch milliseconds
	Summary      string    `json:"summary,omitempty"`
}

// Validate checks the fields persistence layers rely on. The in-memory store
// only requires a non-empty ID and accepts everything else as-is.
func (t *Ticket) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("ticket ID must not be empty")
	}
	if t.Status != "" && !t.Status.Valid() {
		return errors.New("ticket status is not recognized")
	}
	if t.Stake < 0 || t.Stake > 5 {
		return errors.New("ticket stake must be between 1 and 5, or 0 when unset")
	}
	if t.Timestamp < 0 {
		return errors.New("ticket timestamp must not be negative")
	}
	return nil
}

// ClampStake bounds a recommended stake to the 1..5 unit range.
func ClampStake(v int) int {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}
