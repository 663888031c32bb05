package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Verdict is the META agent's conclusion in a debate. The AI sometimes
// returns plain text and sometimes a scored object; both are resolved into
// one of the two variants when the payload is decoded.
type Verdict interface {
	// Text returns the human-readable verdict.
	Text() string
	isVerdict()
}

// TextVerdict is a bare textual verdict.
type TextVerdict string

func (v TextVerdict) Text() string { return string(v) }
func (TextVerdict) isVerdict()     {}

// ScoredVerdict carries a confidence score with the verdict text.
type ScoredVerdict struct {
	Score   float64 `json:"score"`
	Verdict string  `json:"verdict"`
}

func (v ScoredVerdict) Text() string { return v.Verdict }
func (ScoredVerdict) isVerdict()     {}

// DefaultVerdict is shown when the AI gives no usable verdict.
const DefaultVerdict = "Consensus reached."

// DecodeVerdict resolves a raw JSON value into a Verdict. null and empty
// input yield nil.
func DecodeVerdict(raw json.RawMessage) (Verdict, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode text verdict: %w", err)
		}
		return TextVerdict(s), nil
	case '{':
		var sv ScoredVerdict
		if err := json.Unmarshal(raw, &sv); err != nil {
			return nil, fmt.Errorf("failed to decode scored verdict: %w", err)
		}
		return sv, nil
	}
	return nil, fmt.Errorf("unsupported verdict payload: %s", raw)
}

// Debate is the multi-agent discussion attached to a signal.
type Debate struct {
	Apollo    string  `json:"apollo"`
	Cassandra string  `json:"cassandra"`
	Socrates  string  `json:"socrates"`
	Meta      Verdict `json:"-"`
}

type debateWire struct {
	Apollo    string          `json:"apollo"`
	Cassandra string          `json:"cassandra"`
	Socrates  string          `json:"socrates"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// UnmarshalJSON decodes the debate and resolves Meta into a Verdict variant.
func (d *Debate) UnmarshalJSON(data []byte) error {
	var w debateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	meta, err := DecodeVerdict(w.Meta)
	if err != nil {
		return err
	}
	*d = Debate{Apollo: w.Apollo, Cassandra: w.Cassandra, Socrates: w.Socrates, Meta: meta}
	return nil
}

// MarshalJSON writes Meta back in the shape of its variant.
func (d Debate) MarshalJSON() ([]byte, error) {
	w := debateWire{Apollo: d.Apollo, Cassandra: d.Cassandra, Socrates: d.Socrates}
	if d.Meta != nil {
		raw, err := json.Marshal(d.Meta)
		if err != nil {
			return nil, err
		}
		w.Meta = raw
	}
	return json.Marshal(w)
}

// VerdictText returns the meta verdict text, or DefaultVerdict.
func (d *Debate) VerdictText() string {
	if d == nil || d.Meta == nil || d.Meta.Text() == "" {
		return DefaultVerdict
	}
	return d.Meta.Text()
}

// GroundingSource is a web page the AI cited.
type GroundingSource struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Signal is a match analysis produced by the AI collaborator.
type Signal struct {
	ID               string            `json:"id"`
	League           string            `json:"league,omitempty"`
	Module           Module            `json:"module,omitempty"`
	HomeTeam         string            `json:"homeTeam"`
	AwayTeam         string            `json:"awayTeam"`
	ProjectedWinner  string            `json:"projectedWinner,omitempty"`
	WinProbability   float64           `json:"winProbability,omitempty"`
	Prediction       string            `json:"prediction"`
	Edge             float64           `json:"edge"`
	Stake            int               `json:"stake"`
	MarketOdds       float64           `json:"marketOdds,omitempty"`
	ExpectedValue    float64           `json:"expectedValue,omitempty"`
	TitaniumScore    float64           `json:"titaniumScore,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	IsFireSignal     bool              `json:"isFireSignal"`
	IsNeuralGrounded bool              `json:"isNeuralGrounded,omitempty"`
	Debate           *Debate           `json:"debate,omitempty"`
	GroundingSources []GroundingSource `json:"groundingSources,omitempty"`
	Timestamp        int64             `json:"timestamp,omitempty"`
}

// Ticket converts the signal into a PENDING ticket. fallback is used when the
// signal carries no module of its own.
func (s Signal) Ticket(fallback Module, now time.Time) Ticket {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		id = "sig-" + uuid.NewString()
	}
	module := s.Module
	if module == "" || module == ModuleNone {
		module = fallback
	}
	ts := s.Timestamp
	if ts <= 0 {
		ts = now.UnixMilli()
	}
	return Ticket{
		ID:           id,
		Module:       module,
		HomeTeam:     s.HomeTeam,
		AwayTeam:     s.AwayTeam,
		Prediction:   s.Prediction,
		Edge:         s.Edge,
		Stake:        ClampStake(s.Stake),
		Status:       StatusPending,
		IsFireSignal: s.IsFireSignal,
		Timestamp:    ts,
		Summary:      s.Summary,
	}
}

// Matchup renders "home vs away".
func (s Signal) Matchup() string {
	return s.HomeTeam + " vs " + s.AwayTeam
}
