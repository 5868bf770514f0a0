// Package feedback persists end-of-conversation ratings submitted by the
// browser client, keyed to the relay session that produced them.
package feedback

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsDir embed.FS

// Entry is one feedback record. RunID and UserID come from the relay
// session's setup identity and default to "unset" when absent.
type Entry struct {
	Score  int    `json:"score"`
	Text   string `json:"text"`
	RunID  string `json:"run_id"`
	UserID string `json:"user_id"`
}

func (e *Entry) normalize() {
	if strings.TrimSpace(e.RunID) == "" {
		e.RunID = "unset"
	}
	if strings.TrimSpace(e.UserID) == "" {
		e.UserID = "unset"
	}
}

// Validate rejects records the table cannot hold.
func (e Entry) Validate() error {
	if e.Score < 1 || e.Score > 5 {
		return fmt.Errorf("score must be between 1 and 5, got %d", e.Score)
	}
	return nil
}

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, applies pending migrations, and returns a
// ready store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := migrate(ctx, dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create feedback pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping feedback database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// migrate runs the embedded goose migrations over a short-lived stdlib
// connection; the pgx pool handles everything after that.
func migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	sub, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply feedback migrations: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e.normalize()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (score, feedback_text, run_id, user_id) VALUES ($1, $2, $3, $4)`,
		e.Score, e.Text, e.RunID, e.UserID)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}
