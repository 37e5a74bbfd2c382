package stores

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openfroyo/harbormaster/pkg/engine"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PostgresStore implements the Store interface on PostgreSQL. Updates take a
// row lock so concurrent merge-updates of one document are serialized.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewPostgresStore creates a PostgreSQL store. Call Init before use.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	return &PostgresStore{cfg: cfg}, nil
}

// Init opens the connection pool and verifies it with a ping.
func (s *PostgresStore) Init(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(s.cfg.MaxOpenConns)
	poolCfg.HealthCheckPeriod = 30 * time.Second
	if s.cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = s.cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("ping db: %w", err)
	}

	s.pool = pool
	return nil
}

// Migrate creates the documents table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Create persists a new document.
func (s *PostgresStore) Create(ctx context.Context, doc *Document) error {
	if doc.Link == "" {
		return engine.NewValidationError("document link is required", nil)
	}

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (link, kind, context_id, body, version, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $6)
	`, doc.Link, doc.Kind, doc.ContextID, []byte(doc.Body), doc.ExpiresAt, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return engine.NewAlreadyExistsError(doc.Link)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}

	doc.Version = 1
	doc.CreatedAt = now
	doc.UpdatedAt = now
	return nil
}

const pgSelectDocument = `
	SELECT link, kind, context_id, body, version, expires_at, created_at, updated_at
	FROM documents
`

// Get retrieves a document by link.
func (s *PostgresStore) Get(ctx context.Context, link string) (*Document, error) {
	doc, err := scanPgDocument(s.pool.QueryRow(ctx, pgSelectDocument+" WHERE link = $1", link))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.NewNotFoundError(link)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// Update applies fn while holding a row lock on the document.
func (s *PostgresStore) Update(ctx context.Context, link string, fn UpdateFunc) (*Document, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanPgDocument(tx.QueryRow(ctx, pgSelectDocument+" WHERE link = $1 FOR UPDATE", link))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.NewNotFoundError(link)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		if errors.Is(err, ErrNoop) {
			return current, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE documents
		SET context_id = $2, body = $3, version = version + 1, expires_at = $4, updated_at = $5
		WHERE link = $1
	`, link, working.ContextID, []byte(working.Body), working.ExpiresAt, now); err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}

	working.Link = current.Link
	working.Kind = current.Kind
	working.CreatedAt = current.CreatedAt
	working.Version = current.Version + 1
	working.UpdatedAt = now
	return working, nil
}

// Delete removes a document.
func (s *PostgresStore) Delete(ctx context.Context, link string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM documents WHERE link = $1", link); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Query returns a pager reading documents ordered by link.
func (s *PostgresStore) Query(q Query) *Pager {
	return newPager(q, s.fetchPage)
}

func (s *PostgresStore) fetchPage(ctx context.Context, q Query, after string, limit int) ([]*Document, error) {
	query := pgSelectDocument + " WHERE kind = $1 AND link > $2"
	args := []interface{}{q.Kind, after}
	if q.ContextID != "" {
		query += " AND context_id = $3 ORDER BY link LIMIT $4"
		args = append(args, q.ContextID, limit)
	} else {
		query += " ORDER BY link LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var page []*Document
	for rows.Next() {
		doc, err := scanPgDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		page = append(page, doc)
	}
	return page, rows.Err()
}

// DeleteExpired removes expired documents of a kind.
func (s *PostgresStore) DeleteExpired(ctx context.Context, kind string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM documents WHERE kind = $1 AND expires_at IS NOT NULL AND expires_at < $2",
		kind, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired documents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthCheck pings the database.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.pool.Ping(ctx)
}

func scanPgDocument(row pgx.Row) (*Document, error) {
	var (
		doc       Document
		body      []byte
		expiresAt *time.Time
	)
	if err := row.Scan(&doc.Link, &doc.Kind, &doc.ContextID, &body, &doc.Version,
		&expiresAt, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Body = body
	doc.ExpiresAt = expiresAt
	return &doc, nil
}
