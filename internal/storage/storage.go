// Package storage provides SQLite-backed persistence for tickets, learned
// rules and intelligence notes.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/kairos/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the persistence surface the service depends on. Both the
// SQLite Storage and the postgres package implement it.
type Repository interface {
	FetchTickets(ctx context.Context) ([]models.Ticket, error)
	GetTicket(ctx context.Context, id string) (models.Ticket, error)
	SaveTicket(ctx context.Context, t models.Ticket) error
	FetchRules(ctx context.Context) ([]string, error)
	AddRule(ctx context.Context, content string) error
	FetchIntelligence(ctx context.Context) ([]models.Intelligence, error)
	SaveIntelligence(ctx context.Context, in models.Intelligence) error
	Close() error
}

var _ Repository = (*Storage)(nil)

// DefaultRules is returned when no learned rules are stored.
func DefaultRules() []string {
	return []string{
		"Golden Rule (28-Sep): Props assigned only to projected winner.",
		"Value Betting: Minimum EV threshold +3% required.",
		"LMB: Priority to home team momentum.",
	}
}

// DefaultIntelligence is returned when no intelligence notes are stored.
func DefaultIntelligence() []models.Intelligence {
	return []models.Intelligence{
		{ID: "intel-1", Topic: "NBA Fatigue", Summary: "Celtics load management expected.", Relevance: 0.95},
	}
}

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	maxTickets int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/kairos/data.db.
func New(maxTickets int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "kairos", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxTickets: maxTickets}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tickets (
			id             TEXT PRIMARY KEY,
			module         TEXT NOT NULL,
			home_team      TEXT NOT NULL DEFAULT '',
			away_team      TEXT NOT NULL DEFAULT '',
			prediction     TEXT NOT NULL DEFAULT '',
			edge           REAL NOT NULL DEFAULT 0,
			stake          INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL,
			is_fire_signal INTEGER NOT NULL DEFAULT 0,
			summary        TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_created_at ON tickets(created_at)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			content    TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ai_memory (
			id                  TEXT PRIMARY KEY,
			category            TEXT NOT NULL,
			pattern_description TEXT NOT NULL,
			impact_score        REAL NOT NULL DEFAULT 0,
			created_at          INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveTicket upserts t by ID and trims the table to the newest maxTickets
// rows by timestamp.
func (s *Storage) SaveTicket(ctx context.Context, t models.Ticket) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid ticket: %w", err)
	}
	if t.Timestamp == 0 {
		t.Timestamp = time.Now().UnixMilli()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets
			(id, module, home_team, away_team, prediction, edge, stake, status,
			 is_fire_signal, summary, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			module=excluded.module, home_team=excluded.home_team,
			away_team=excluded.away_team, prediction=excluded.prediction,
			edge=excluded.edge, stake=excluded.stake, status=excluded.status,
			is_fire_signal=excluded.is_fire_signal, summary=excluded.summary,
			created_at=excluded.created_at`,
		t.ID, string(t.Module), t.HomeTeam, t.AwayTeam, t.Prediction, t.Edge, t.Stake,
		string(statusOrPending(t.Status)), boolToInt(t.IsFireSignal), t.Summary, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ticket: %w", err)
	}

	if s.maxTickets > 0 {
		if _, err = tx.ExecContext(ctx, `
			DELETE FROM tickets WHERE id NOT IN (
				SELECT id FROM tickets ORDER BY created_at DESC LIMIT ?
			)`, s.maxTickets); err != nil {
			return fmt.Errorf("failed to enforce ticket cap: %w", err)
		}
	}

	return tx.Commit()
}

// GetTicket returns one ticket or ErrNotFound.
func (s *Storage) GetTicket(ctx context.Context, id string) (models.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketCols+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ticket{}, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Ticket{}, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

// FetchTickets returns every stored ticket, newest first.
func (s *Storage) FetchTickets(ctx context.Context) ([]models.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketCols+` FROM tickets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()
	tickets := []models.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// AddRule stores a learned rule. Duplicates are ignored.
func (s *Storage) AddRule(ctx context.Context, content string) error {
	if content == "" {
		return fmt.Errorf("rule content is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rules (content, created_at) VALUES (?, ?)`,
		content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// FetchRules returns the learned rules in insertion order, or DefaultRules
// when none are stored.
func (s *Storage) FetchRules(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()
	var rules []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return DefaultRules(), nil
	}
	return rules, nil
}

// SaveIntelligence upserts an intelligence note. Relevance is stored as an
// impact score on a 0..2 scale.
func (s *Storage) SaveIntelligence(ctx context.Context, in models.Intelligence) error {
	if in.ID == "" {
		return fmt.Errorf("intelligence id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_memory (id, category, pattern_description, impact_score, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			category=excluded.category,
			pattern_description=excluded.pattern_description,
			impact_score=excluded.impact_score`,
		in.ID, in.Topic, in.Summary, in.Relevance*2, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save intelligence: %w", err)
	}
	return nil
}

// FetchIntelligence returns the stored notes, or DefaultIntelligence when
// none are stored.
func (s *Storage) FetchIntelligence(ctx context.Context) ([]models.Intelligence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, pattern_description, impact_score
		FROM ai_memory ORDER BY impact_score DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query intelligence: %w", err)
	}
	defer rows.Close()
	var out []models.Intelligence
	for rows.Next() {
		var in models.Intelligence
		var impact float64
		if err := rows.Scan(&in.ID, &in.Topic, &in.Summary, &impact); err != nil {
			return nil, fmt.Errorf("failed to scan intelligence: %w", err)
		}
		in.Relevance = impact / 2
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return DefaultIntelligence(), nil
	}
	return out, nil
}

const ticketCols = `id, module, home_team, away_team, prediction, edge, stake, status,
	is_fire_signal, summary, created_at`

func scanTicket(scan func(...any) error) (models.Ticket, error) {
	var t models.Ticket
	var module, status string
	var fire int
	err := scan(
		&t.ID, &module, &t.HomeTeam, &t.AwayTeam, &t.Prediction, &t.Edge, &t.Stake,
		&status, &fire, &t.Summary, &t.Timestamp,
	)
	if err != nil {
		return models.Ticket{}, err
	}
	t.Module = models.Module(module)
	t.Status = models.BetStatus(status)
	t.IsFireSignal = fire != 0
	return t, nil
}

func statusOrPending(s models.BetStatus) models.BetStatus {
	if s == "" {
		return models.StatusPending
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
