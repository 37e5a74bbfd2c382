package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/harbormaster/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)
	if s.path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if s.path == memoryPath {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Create persists a new document.
func (s *SQLiteStore) Create(ctx context.Context, doc *Document) error {
	if doc.Link == "" {
		return engine.NewValidationError("document link is required", nil)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO documents (link, kind, context_id, body, version, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		doc.Link,
		doc.Kind,
		doc.ContextID,
		string(doc.Body),
		nullableUnix(doc.ExpiresAt),
		now.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewAlreadyExistsError(doc.Link)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}

	doc.Version = 1
	doc.CreatedAt = now
	doc.UpdatedAt = now
	return nil
}

const selectDocument = `
	SELECT link, kind, context_id, body, version, expires_at, created_at, updated_at
	FROM documents
`

// Get retrieves a document by link.
func (s *SQLiteStore) Get(ctx context.Context, link string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, selectDocument+" WHERE link = ?", link)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(link)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// Update applies fn inside an immediate transaction.
func (s *SQLiteStore) Update(ctx context.Context, link string, fn UpdateFunc) (*Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanDocument(tx.QueryRowContext(ctx, selectDocument+" WHERE link = ?", link))
	if err == sql.ErrNoRows {
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
	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET context_id = ?, body = ?, version = version + 1, expires_at = ?, updated_at = ?
		WHERE link = ? AND version = ?
	`,
		working.ContextID,
		string(working.Body),
		nullableUnix(working.ExpiresAt),
		now.UnixNano(),
		link,
		current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, engine.NewConflictError("document changed concurrently", nil).WithResource(link)
	}

	if err := tx.Commit(); err != nil {
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
func (s *SQLiteStore) Delete(ctx context.Context, link string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE link = ?", link); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Query returns a pager reading documents ordered by link.
func (s *SQLiteStore) Query(q Query) *Pager {
	return newPager(q, s.fetchPage)
}

func (s *SQLiteStore) fetchPage(ctx context.Context, q Query, after string, limit int) ([]*Document, error) {
	query := selectDocument + " WHERE kind = ? AND link > ?"
	args := []interface{}{q.Kind, after}
	if q.ContextID != "" {
		query += " AND context_id = ?"
		args = append(args, q.ContextID)
	}
	query += " ORDER BY link LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var page []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		page = append(page, doc)
	}
	return page, rows.Err()
}

// DeleteExpired removes expired documents of a kind.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, kind string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE kind = ? AND expires_at IS NOT NULL AND expires_at < ?",
		kind, now.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired documents: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc       Document
		body      string
		expiresAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&doc.Link, &doc.Kind, &doc.ContextID, &body, &doc.Version,
		&expiresAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	doc.Body = []byte(body)
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		doc.ExpiresAt = &t
	}
	return &doc, nil
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "constraint failed: PRIMARY KEY")
}
