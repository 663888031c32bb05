// Package postgres implements storage.Repository on PostgreSQL using the
// tickets, rules and ai_memory tables of the hosted backend.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rewired-gh/kairos/internal/models"
	"github.com/rewired-gh/kairos/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options configures the connection pool and the ticket cap.
type Options struct {
	DSN        string
	MinConns   int32
	MaxConns   int32
	MaxTickets int
}

// Store is a pgxpool-backed repository.
type Store struct {
	pool       *pgxpool.Pool
	maxTickets int
}

var _ storage.Repository = (*Store)(nil)

// Open connects, verifies the connection and applies migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, maxTickets: opts.MaxTickets}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies every embedded SQL file in lexical order. Files are
// idempotent.
func (s *Store) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveTicket upserts t on id, then trims to the newest maxTickets rows.
func (s *Store) SaveTicket(ctx context.Context, t models.Ticket) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid ticket: %w", err)
	}
	if t.Timestamp == 0 {
		t.Timestamp = time.Now().UnixMilli()
	}
	status := t.Status
	if status == "" {
		status = models.StatusPending
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			id, module, home_team, away_team, prediction, edge, stake, status,
			is_fire_signal, summary, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			module = EXCLUDED.module,
			home_team = EXCLUDED.home_team,
			away_team = EXCLUDED.away_team,
			prediction = EXCLUDED.prediction,
			edge = EXCLUDED.edge,
			stake = EXCLUDED.stake,
			status = EXCLUDED.status,
			is_fire_signal = EXCLUDED.is_fire_signal,
			summary = EXCLUDED.summary,
			created_at = EXCLUDED.created_at
	`,
		t.ID, string(t.Module), t.HomeTeam, t.AwayTeam, t.Prediction, t.Edge, t.Stake,
		string(status), t.IsFireSignal, t.Summary, time.UnixMilli(t.Timestamp).UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert ticket: %w", err)
	}

	if s.maxTickets > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM tickets WHERE id NOT IN (
				SELECT id FROM tickets ORDER BY created_at DESC LIMIT $1
			)`, s.maxTickets); err != nil {
			return fmt.Errorf("enforce ticket cap: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ticket: %w", err)
	}
	return nil
}

const ticketCols = `id, module, home_team, away_team, prediction, edge, stake, status,
	is_fire_signal, summary, created_at`

// GetTicket returns one ticket or storage.ErrNotFound.
func (s *Store) GetTicket(ctx context.Context, id string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketCols+` FROM tickets WHERE id = $1`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, fmt.Errorf("ticket %s: %w", id, storage.ErrNotFound)
		}
		return models.Ticket{}, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// FetchTickets returns all tickets, newest first.
func (s *Store) FetchTickets(ctx context.Context) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ticketCols+` FROM tickets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	out := []models.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	return out, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var (
		t         models.Ticket
		module    string
		status    string
		createdAt time.Time
	)
	err := row.Scan(
		&t.ID, &module, &t.HomeTeam, &t.AwayTeam, &t.Prediction, &t.Edge, &t.Stake,
		&status, &t.IsFireSignal, &t.Summary, &createdAt,
	)
	if err != nil {
		return models.Ticket{}, err
	}
	t.Module = models.Module(module)
	t.Status = models.BetStatus(status)
	t.Timestamp = createdAt.UnixMilli()
	return t, nil
}

// AddRule stores a learned rule; duplicates are ignored.
func (s *Store) AddRule(ctx context.Context, content string) error {
	if content == "" {
		return fmt.Errorf("rule content is empty")
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO rules (content) VALUES ($1) ON CONFLICT (content) DO NOTHING`, content); err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// FetchRules returns learned rules, or storage.DefaultRules when empty.
func (s *Store) FetchRules(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT content FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect rules: %w", err)
	}
	if len(rules) == 0 {
		return storage.DefaultRules(), nil
	}
	return rules, nil
}

// SaveIntelligence upserts a note. Relevance maps to impact_score / 2.
func (s *Store) SaveIntelligence(ctx context.Context, in models.Intelligence) error {
	if in.ID == "" {
		return fmt.Errorf("intelligence id is empty")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ai_memory (id, category, pattern_description, impact_score)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category,
			pattern_description = EXCLUDED.pattern_description,
			impact_score = EXCLUDED.impact_score
	`, in.ID, in.Topic, in.Summary, in.Relevance*2)
	if err != nil {
		return fmt.Errorf("save intelligence: %w", err)
	}
	return nil
}

// FetchIntelligence returns notes by impact, or storage.DefaultIntelligence
// when empty.
func (s *Store) FetchIntelligence(ctx context.Context) ([]models.Intelligence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, category, pattern_description, impact_score
		FROM ai_memory ORDER BY impact_score DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query intelligence: %w", err)
	}
	defer rows.Close()

	var out []models.Intelligence
	for rows.Next() {
		var in models.Intelligence
		var impact float64
		if err := rows.Scan(&in.ID, &in.Topic, &in.Summary, &impact); err != nil {
			return nil, fmt.Errorf("scan intelligence: %w", err)
		}
		in.Relevance = impact / 2
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intelligence: %w", err)
	}
	if len(out) == 0 {
		return storage.DefaultIntelligence(), nil
	}
	return out, nil
}
