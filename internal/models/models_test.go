package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTicketValidate(t *testing.T) {
	tests := []struct {
		name    string
		ticket  Ticket
		wantErr bool
	}{
		{
			name:    "valid ticket",
			ticket:  Ticket{ID: "a", Module: ModuleNBA, Stake: 3, Status: StatusPending, Timestamp: 1000},
			wantErr: false,
		},
		{
			name:    "empty ID",
			ticket:  Ticket{Stake: 3, Status: StatusPending},
			wantErr: true,
		},
		{
			name:    "blank ID",
			ticket:  Ticket{ID: "   ", Stake: 3},
			wantErr: true,
		},
		{
			name:    "unknown status",
			ticket:  Ticket{ID: "a", Stake: 3, Status: "MAYBE"},
			wantErr: true,
		},
		{
			name:    "stake too high",
			ticket:  Ticket{ID: "a", Stake: 9, Status: StatusWon},
			wantErr: true,
		},
		{
			name:    "unset stake",
			ticket:  Ticket{ID: "a", Stake: 0, Status: StatusPending},
			wantErr: false,
		},
		{
			name:    "negative stake",
			ticket:  Ticket{ID: "a", Stake: -1, Status: StatusPending},
			wantErr: true,
		},
		{
			name:    "negative timestamp",
			ticket:  Ticket{ID: "a", Stake: 1, Timestamp: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ticket.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Ticket.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTicketValidateStakeMessage(t *testing.T) {
	tk := Ticket{ID: "a", Stake: 6}
	err := tk.Validate()
	if err == nil {
		t.Fatal("expected error for stake 6")
	}
	if !strings.Contains(err.Error(), "0 when unset") {
		t.Errorf("error = %q, want it to name the unset value", err)
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus(" won "); err != nil || s != StatusWon {
		t.Errorf("ParseStatus(won) = %q, %v", s, err)
	}
	if _, err := ParseStatus("DRAW"); err == nil {
		t.Error("expected error for unknown status")
	}
	if !StatusLost.Settled() || StatusPending.Settled() {
		t.Error("only WON and LOST are settled")
	}
}

func TestNormalizeSeverity(t *testing.T) {
	tests := map[string]Severity{
		"":         SeverityLow,
		"HIGH":     SeverityHigh,
		"critical": SeverityCritical,
		"bogus":    SeverityLow,
		" medium ": SeverityMedium,
	}
	for in, want := range tests {
		if got := NormalizeSeverity(in); got != want {
			t.Errorf("NormalizeSeverity(%q) = %q, want %q", in, got, want)
		}
	}
	if SeverityCritical.Rank() <= SeverityHigh.Rank() {
		t.Error("critical must outrank high")
	}
}

func TestParseModule(t *testing.T) {
	if got := ParseModule("soccer europe"); got != ModuleSoccerEurope {
		t.Errorf("got %q", got)
	}
	if got := ParseModule(""); got != ModuleNone {
		t.Errorf("empty module: got %q", got)
	}
	if !ModuleLMB.Known() || Module("CURLING").Known() {
		t.Error("Known() mismatch")
	}
}

func TestSystemStateValid(t *testing.T) {
	for _, s := range AllStates {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if SystemState("NAPPING").Valid() {
		t.Error("unknown state reported valid")
	}
}

func TestDebateVerdictVariants(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantText string
		scored   bool
	}{
		{"text meta", `{"apollo":"a","meta":"Take the home side"}`, "Take the home side", false},
		{"scored meta", `{"apollo":"a","meta":{"score":0.92,"verdict":"Strong value"}}`, "Strong value", true},
		{"missing meta", `{"apollo":"a"}`, DefaultVerdict, false},
		{"null meta", `{"meta":null}`, DefaultVerdict, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Debate
			if err := json.Unmarshal([]byte(tt.payload), &d); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got := d.VerdictText(); got != tt.wantText {
				t.Errorf("VerdictText() = %q, want %q", got, tt.wantText)
			}
			_, isScored := d.Meta.(ScoredVerdict)
			if isScored != tt.scored {
				t.Errorf("scored variant = %v, want %v", isScored, tt.scored)
			}
		})
	}
}

func TestDebateRejectsNumericMeta(t *testing.T) {
	var d Debate
	if err := json.Unmarshal([]byte(`{"meta":42}`), &d); err == nil {
		t.Error("expected error for numeric meta")
	}
}

func TestDebateMarshalKeepsVariantShape(t *testing.T) {
	d := Debate{Apollo: "a", Meta: ScoredVerdict{Score: 0.5, Verdict: "hold"}}
	out, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), `"meta":{"score":0.5,"verdict":"hold"}`) {
		t.Errorf("unexpected encoding: %s", out)
	}

	d.Meta = TextVerdict("plain")
	out, _ = json.Marshal(d)
	if !strings.Contains(string(out), `"meta":"plain"`) {
		t.Errorf("unexpected encoding: %s", out)
	}
}

func TestSignalTicket(t *testing.T) {
	now := time.UnixMilli(5000)
	s := Signal{
		ID:           "m-1",
		HomeTeam:     "Lakers",
		AwayTeam:     "Warriors",
		Prediction:   "Warriors ML",
		Edge:         12.5,
		Stake:        9,
		IsFireSignal: true,
	}
	tk := s.Ticket(ModuleNBA, now)
	if tk.ID != "m-1" || tk.Module != ModuleNBA {
		t.Errorf("unexpected ticket identity: %+v", tk)
	}
	if tk.Stake != 5 {
		t.Errorf("stake not clamped: %d", tk.Stake)
	}
	if tk.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", tk.Status)
	}
	if tk.Timestamp != 5000 {
		t.Errorf("timestamp = %d, want 5000", tk.Timestamp)
	}

	s.ID = ""
	s.Module = ModuleMLB
	tk = s.Ticket(ModuleNBA, now)
	if !strings.HasPrefix(tk.ID, "sig-") {
		t.Errorf("generated ID = %q", tk.ID)
	}
	if tk.Module != ModuleMLB {
		t.Errorf("signal module should win over fallback, got %s", tk.Module)
	}
}
