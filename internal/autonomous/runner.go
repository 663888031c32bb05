// Package autonomous runs the unattended cycle: a post-mortem audit of
// pending tickets followed by scouting and analysis of the day's matches.
package autonomous

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/kairos/internal/gemini"
	"github.com/rewired-gh/kairos/internal/ksm"
	"github.com/rewired-gh/kairos/internal/logger"
	"github.com/rewired-gh/kairos/internal/models"
)

// ErrNotIdle is returned when a cycle is requested outside STANDBY.
var ErrNotIdle = errors.New("autonomous cycle requires STANDBY")

// fireConfidence is the confidence above which a scouted pick is a fire signal.
const fireConfidence = 85

// AI is the model surface the cycle needs.
type AI interface {
	VerifyResult(ctx context.Context, t models.Ticket) (gemini.MatchResult, error)
	Scout(ctx context.Context, day string, limit int) ([]gemini.Match, error)
	AnalyzeMatch(ctx context.Context, m gemini.Match) (gemini.MatchAnalysis, error)
}

// Options bounds the work done per cycle.
type Options struct {
	MaxAudits  int
	MaxScouted int
	Clock      func() time.Time

	// Observe, when set, is called after every RunCycle with the report,
	// the elapsed time and the refusal error if any.
	Observe func(report models.CycleReport, took time.Duration, err error)
}

// Runner executes cycles against one manager. At most one cycle runs at a
// time.
type Runner struct {
	manager *ksm.Manager
	ai      AI
	opts    Options
	running atomic.Bool
}

// New creates a Runner.
func New(m *ksm.Manager, ai AI, opts Options) *Runner {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Runner{manager: m, ai: ai, opts: opts}
}

// RunCycle audits up to MaxAudits pending tickets, oldest first, then scouts
// up to MaxScouted new matches. Per-item failures are collected in the
// report; the system always ends in STANDBY.
func (r *Runner) RunCycle(ctx context.Context) (models.CycleReport, error) {
	start := time.Now()
	report, err := r.runCycle(ctx)
	if r.opts.Observe != nil {
		r.opts.Observe(report, time.Since(start), err)
	}
	return report, err
}

func (r *Runner) runCycle(ctx context.Context) (models.CycleReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return models.CycleReport{}, ErrNotIdle
	}
	defer r.running.Store(false)

	if !r.manager.TransitionFrom([]models.SystemState{models.StateStandby}, models.StateAutonomousCycle) {
		return models.CycleReport{}, ErrNotIdle
	}
	// A proposal raised while the cycle runs keeps its QUANTUM_COLLAPSE.
	defer r.manager.TransitionFrom([]models.SystemState{models.StateAutonomousCycle}, models.StateStandby)

	now := r.opts.Clock()
	report := models.CycleReport{Errors: []string{}, Timestamp: now.UnixMilli()}
	r.manager.LogActivity(models.SourceAutonomous, "Autonomous cycle started", models.SeverityHigh)

	r.audit(ctx, &report)
	if ctx.Err() == nil {
		r.scout(ctx, now, &report)
	}
	if err := ctx.Err(); err != nil {
		report.Errors = append(report.Errors, "cycle interrupted: "+err.Error())
		r.manager.LogActivity(models.SourceAutonomous, "Autonomous cycle interrupted", models.SeverityCritical)
		return report, nil
	}

	r.manager.LogActivity(models.SourceAutonomous,
		fmt.Sprintf("Cycle complete. PM: %d | Scout: %d", report.AuditedCount, report.NewSignalCount),
		models.SeverityMedium)
	logger.Info("Autonomous cycle: audited=%d scouted=%d errors=%d", report.AuditedCount, report.NewSignalCount, len(report.Errors))
	return report, nil
}

func (r *Runner) audit(ctx context.Context, report *models.CycleReport) {
	history := r.manager.GetHistory() // newest first
	var pending []models.Ticket
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status == models.StatusPending {
			pending = append(pending, history[i])
		}
	}
	if r.opts.MaxAudits >= 0 && len(pending) > r.opts.MaxAudits {
		pending = pending[:r.opts.MaxAudits]
	}

	for _, t := range pending {
		if ctx.Err() != nil {
			return
		}
		r.manager.LogActivity(models.SourceAutonomous, "Post-mortem check: "+t.HomeTeam+" vs "+t.AwayTeam, models.SeverityLow)
		res, err := r.ai.VerifyResult(ctx, t)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("post-mortem [%s]: %v", t.ID, err))
			continue
		}
		if !res.Finished {
			continue
		}
		status := models.StatusLost
		if predictionWon(t, res.Winner) {
			status = models.StatusWon
		}
		r.manager.UpdateTicketStatus(t.ID, status)
		report.AuditedCount++
	}
}

// predictionWon reports whether the prediction names the winning side.
func predictionWon(t models.Ticket, winner string) bool {
	pred := strings.ToLower(t.Prediction)
	switch winner {
	case gemini.WinnerHome:
		return t.HomeTeam != "" && strings.Contains(pred, strings.ToLower(t.HomeTeam))
	case gemini.WinnerAway:
		return t.AwayTeam != "" && strings.Contains(pred, strings.ToLower(t.AwayTeam))
	}
	return false
}

func (r *Runner) scout(ctx context.Context, now time.Time, report *models.CycleReport) {
	day := now.UTC().Format("2006-01-02")
	r.manager.LogActivity(models.SourceAutonomous, "Scouting slate for "+day, models.SeverityMedium)

	matches, err := r.ai.Scout(ctx, day, r.opts.MaxScouted)
	if err != nil {
		report.Errors = append(report.Errors, "scouting: "+err.Error())
		r.manager.LogActivity(models.SourceAutonomous, "Scouting failed: "+err.Error(), models.SeverityCritical)
		return
	}
	if r.opts.MaxScouted >= 0 && len(matches) > r.opts.MaxScouted {
		matches = matches[:r.opts.MaxScouted]
	}

	for _, m := range matches {
		if ctx.Err() != nil {
			return
		}
		r.manager.LogActivity(models.SourceAutonomous, "Analyzing "+m.Home+" vs "+m.Away, models.SeverityLow)
		a, err := r.ai.AnalyzeMatch(ctx, m)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("scouting [%s]: %v", m.Home, err))
			continue
		}
		module := m.Sport
		if module == "" || module == models.ModuleNone {
			module = models.ModuleGeneral
		}
		r.manager.UpdateTicket(models.Ticket{
			ID:           TicketID(day, m.Home, m.Away),
			Module:       module,
			HomeTeam:     m.Home,
			AwayTeam:     m.Away,
			Prediction:   a.Prediction,
			Edge:         a.Edge,
			Stake:        models.ClampStake(a.Stake),
			Status:       models.StatusPending,
			IsFireSignal: a.Confidence > fireConfidence,
			Timestamp:    r.opts.Clock().UnixMilli(),
			Summary:      a.Reasoning,
		})
		report.NewSignalCount++
	}
}

// TicketID builds the deterministic id of a scouted ticket, so re-scouting
// the same match on the same day updates rather than duplicates it.
func TicketID(day, home, away string) string {
	id := strings.ToLower("auto-" + day + "-" + home + "-" + away)
	return strings.Join(strings.Fields(id), "-")
}

// Loop runs a cycle every interval until ctx is done. Cycles requested
// while the system is busy are skipped.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.RunCycle(ctx)
			if errors.Is(err, ErrNotIdle) {
				logger.Info("Skipping autonomous cycle: system busy (%s)", r.manager.GetSystemState())
				continue
			}
			if len(report.Errors) > 0 {
				logger.Warn("Autonomous cycle finished with %d errors", len(report.Errors))
			}
		}
	}
}
