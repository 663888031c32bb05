package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rewired-gh/kairos/internal/logger"
	"github.com/rewired-gh/kairos/internal/models"
)

const systemInstruction = `Act as the KAIROS orchestrator, a bilateral sports analysis and value-betting system.

GOLDEN RULE (28-Sep), a hard constraint:
1. Player props and sacks are assigned EXCLUSIVELY to the projected winner.
2. Assigning props or sacks to the projected loser is a systemic failure.
3. In American football (NCAA/NFL) defensive sacks belong only to the winning side's defense.

Value betting: look for mathematical inefficiencies with EV above +3%. Titanium Score = EV * 1000.
Use search to verify injuries, weather and market movement in real time.

Return a JSON array of match objects. Each object has: id, homeTeam, awayTeam, projectedWinner,
winProbability, edge, prediction, marketOdds, expectedValue, titaniumScore, isFireSignal, summary,
stake (1-5) and debate {apollo, cassandra, socrates, meta}.`

var analysisTemperature = 0.1

// signalWire tolerates fractional stakes from the model.
type signalWire struct {
	ID              string         `json:"id"`
	League          string         `json:"league"`
	HomeTeam        string         `json:"homeTeam"`
	AwayTeam        string         `json:"awayTeam"`
	ProjectedWinner string         `json:"projectedWinner"`
	WinProbability  float64        `json:"winProbability"`
	Prediction      string         `json:"prediction"`
	Edge            float64        `json:"edge"`
	Stake           float64        `json:"stake"`
	MarketOdds      float64        `json:"marketOdds"`
	ExpectedValue   float64        `json:"expectedValue"`
	TitaniumScore   float64        `json:"titaniumScore"`
	Summary         string         `json:"summary"`
	IsFireSignal    bool           `json:"isFireSignal"`
	Debate          *models.Debate `json:"debate"`
}

// CreateAnalysisSession asks the analysis model for the most relevant
// matches of module in the next 24 hours. Records that cannot be decoded are
// skipped; an unparsable response is an error.
func (c *Client) CreateAnalysisSession(ctx context.Context, module models.Module, rules []string, intel []models.Intelligence) ([]models.Signal, error) {
	now := time.Now()
	var notes []string
	for _, in := range intel {
		notes = append(notes, fmt.Sprintf("%s: %s (%.2f)", in.Topic, in.Summary, in.Relevance))
	}
	prompt := fmt.Sprintf(
		"Analyze the most relevant %s matches for the next 24 hours. Context: Active Module: %s | Rules: %s | Intelligence: %s | Real-time: %s. Run a deep web scan and apply the GOLDEN RULE.",
		module, module, strings.Join(rules, ", "), strings.Join(notes, "; "), now.Format("Monday, 2 January 2006"),
	)

	res, err := c.generate(ctx, call{
		model:       c.opts.AnalysisModel,
		system:      systemInstruction,
		prompt:      prompt,
		temperature: &analysisTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis session for %s: %w", module, err)
	}

	raw, err := extractJSON(res.text)
	if err != nil {
		return nil, fmt.Errorf("analysis session for %s: %w", module, err)
	}
	var records []json.RawMessage
	if strings.HasPrefix(raw, "{") {
		records = []json.RawMessage{json.RawMessage(raw)}
	} else if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("analysis session for %s: failed to parse model output: %w", module, err)
	}

	signals := make([]models.Signal, 0, len(records))
	for i, rec := range records {
		var w signalWire
		if err := json.Unmarshal(rec, &w); err != nil {
			logger.Warn("Skipping malformed signal %d for %s: %v", i, module, err)
			continue
		}
		signals = append(signals, models.Signal{
			ID:               w.ID,
			League:           w.League,
			Module:           module,
			HomeTeam:         w.HomeTeam,
			AwayTeam:         w.AwayTeam,
			ProjectedWinner:  w.ProjectedWinner,
			WinProbability:   w.WinProbability,
			Prediction:       w.Prediction,
			Edge:             w.Edge,
			Stake:            int(math.Round(w.Stake)),
			MarketOdds:       w.MarketOdds,
			ExpectedValue:    w.ExpectedValue,
			TitaniumScore:    w.TitaniumScore,
			Summary:          w.Summary,
			IsFireSignal:     w.IsFireSignal,
			IsNeuralGrounded: true,
			Debate:           w.Debate,
			GroundingSources: res.sources,
			Timestamp:        now.UnixMilli(),
		})
	}
	return signals, nil
}

// Winner sides reported by VerifyResult.
const (
	WinnerHome = "HOME"
	WinnerAway = "AWAY"
	WinnerDraw = "DRAW"
)

// MatchResult is the post-mortem verdict on a ticket's match.
type MatchResult struct {
	Finished bool   `json:"finished"`
	Score    string `json:"score"`
	Winner   string `json:"winner"`
}

var matchResultSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"finished": map[string]any{"type": "BOOLEAN"},
		"score":    map[string]any{"type": "STRING"},
		"winner":   map[string]any{"type": "STRING", "description": "HOME|AWAY|DRAW"},
	},
	"required": []string{"finished", "score", "winner"},
}

// VerifyResult looks up the final result of the ticket's match.
func (c *Client) VerifyResult(ctx context.Context, t models.Ticket) (MatchResult, error) {
	date := time.UnixMilli(t.Timestamp).UTC().Format("2006-01-02")
	prompt := fmt.Sprintf(
		"FINAL RESULT: %s vs %s. Date: %s. Return JSON saying whether the match finished, the score and the winner (HOME, AWAY or DRAW).",
		t.HomeTeam, t.AwayTeam, date,
	)
	res, err := c.generate(ctx, call{model: c.opts.FastModel, prompt: prompt, schema: matchResultSchema})
	if err != nil {
		return MatchResult{}, fmt.Errorf("verify %s: %w", t.ID, err)
	}
	var mr MatchResult
	if err := decodeInto(res.text, &mr); err != nil {
		return MatchResult{}, fmt.Errorf("verify %s: %w", t.ID, err)
	}
	mr.Winner = strings.ToUpper(strings.TrimSpace(mr.Winner))
	return mr, nil
}

// Match is a fixture proposed by scouting.
type Match struct {
	Home   string        `json:"h"`
	Away   string        `json:"a"`
	Sport  models.Module `json:"s"`
	League string        `json:"l"`
}

var scoutSchema = map[string]any{
	"type": "ARRAY",
	"items": map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"h": map[string]any{"type": "STRING", "description": "Home team"},
			"a": map[string]any{"type": "STRING", "description": "Away team"},
			"s": map[string]any{"type": "STRING", "description": "Sport/Module (NBA, NFL, MLB, SOCCER_EUROPE)"},
			"l": map[string]any{"type": "STRING", "description": "League name"},
		},
		"required": []string{"h", "a", "s", "l"},
	},
}

// Scout asks for the day's top matches with the largest market
// inefficiency. At most limit matches are returned.
func (c *Client) Scout(ctx context.Context, day string, limit int) ([]Match, error) {
	prompt := fmt.Sprintf(
		"TODAY'S SLATE (%s): identify the %d TOP matches in European football, NBA or MLB with the largest market inefficiency. Return JSON with teams, sport and league.",
		day, limit,
	)
	res, err := c.generate(ctx, call{model: c.opts.FastModel, prompt: prompt, schema: scoutSchema})
	if err != nil {
		return nil, fmt.Errorf("scout %s: %w", day, err)
	}
	var matches []Match
	if err := decodeInto(res.text, &matches); err != nil {
		return nil, fmt.Errorf("scout %s: %w", day, err)
	}

	out := matches[:0]
	for _, m := range matches {
		if strings.TrimSpace(m.Home) == "" || strings.TrimSpace(m.Away) == "" {
			continue
		}
		m.Sport = models.ParseModule(string(m.Sport))
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MatchAnalysis is the single-match forecast used by the autonomous cycle.
type MatchAnalysis struct {
	Prediction string
	Confidence float64
	Edge       float64
	Stake      int
	Reasoning  string
}

var analysisSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"p": map[string]any{"type": "STRING", "description": "The specific prediction"},
		"c": map[string]any{"type": "NUMBER", "description": "Confidence index 0-100"},
		"e": map[string]any{"type": "NUMBER", "description": "Market edge percentage 0-20"},
		"s": map[string]any{"type": "NUMBER", "description": "Stake recommendation 1-5"},
		"r": map[string]any{"type": "STRING", "description": "Summary of reasoning"},
	},
	"required": []string{"p", "c", "e", "s", "r"},
}

// AnalyzeMatch forecasts one scouted match.
func (c *Client) AnalyzeMatch(ctx context.Context, m Match) (MatchAnalysis, error) {
	prompt := fmt.Sprintf(
		"Analyze: %s vs %s (%s). Forecast the winner and the value price. GOLDEN RULE: props to the WINNER only.",
		m.Home, m.Away, m.League,
	)
	res, err := c.generate(ctx, call{model: c.opts.FastModel, prompt: prompt, schema: analysisSchema})
	if err != nil {
		return MatchAnalysis{}, fmt.Errorf("analyze %s vs %s: %w", m.Home, m.Away, err)
	}
	var w struct {
		P string  `json:"p"`
		C float64 `json:"c"`
		E float64 `json:"e"`
		S float64 `json:"s"`
		R string  `json:"r"`
	}
	if err := decodeInto(res.text, &w); err != nil {
		return MatchAnalysis{}, fmt.Errorf("analyze %s vs %s: %w", m.Home, m.Away, err)
	}
	if strings.TrimSpace(w.P) == "" {
		return MatchAnalysis{}, fmt.Errorf("analyze %s vs %s: empty prediction", m.Home, m.Away)
	}
	return MatchAnalysis{
		Prediction: w.P,
		Confidence: w.C,
		Edge:       w.E,
		Stake:      models.ClampStake(int(math.Round(w.S))),
		Reasoning:  w.R,
	}, nil
}
