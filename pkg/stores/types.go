package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openfroyo/harbormaster/pkg/engine"
)

// DefaultPageSize is used when a query does not set one.
const DefaultPageSize = 100

// ErrNoop is returned by an UpdateFunc to leave the document untouched.
// Update then returns the current document and a nil error.
var ErrNoop = errors.New("no change")

// Document is the persisted envelope of every engine document.
type Document struct {
	// Link is the unique self link, e.g. "/tasks/removal/<uuid>".
	Link string `json:"documentSelfLink"`

	// Kind is the document kind used for queries.
	Kind string `json:"documentKind"`

	// ContextID correlates documents of one higher-level request.
	ContextID string `json:"contextId,omitempty"`

	// Body is the JSON document content.
	Body json.RawMessage `json:"body"`

	// Version increases by one on every update.
	Version int64 `json:"documentVersion"`

	// ExpiresAt is when the retention policy may delete the document.
	ExpiresAt *time.Time `json:"documentExpirationTime,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Decode unmarshals the document body into v.
func (d *Document) Decode(v interface{}) error {
	return json.Unmarshal(d.Body, v)
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Body = append(json.RawMessage(nil), d.Body...)
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// Expired reports whether the document expired before now.
func (d *Document) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.IsZero() && d.ExpiresAt.Before(now)
}

// NewDocument builds a document from a JSON-serializable body.
func NewDocument(link, kind string, body interface{}) (*Document, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Document{Link: link, Kind: kind, Body: raw}, nil
}

// UpdateFunc mutates a document in place. Returning ErrNoop skips the write;
// any other error aborts the update and is returned to the caller.
type UpdateFunc func(doc *Document) error

// Query selects documents of one kind.
type Query struct {
	// Kind is required.
	Kind string

	// ContextID, when set, restricts results to one context.
	ContextID string

	// Match filters documents after they are read. Nil matches everything.
	Match func(doc *Document) bool

	// PageSize bounds the number of documents read per page.
	PageSize int
}

// Store defines the document store contract of the engine.
type Store interface {
	// Create persists a new document. It fails with a conflict error when
	// the link already exists.
	Create(ctx context.Context, doc *Document) error

	// Get returns the current snapshot or a not-found error.
	Get(ctx context.Context, link string) (*Document, error)

	// Update applies fn to the current document atomically with respect to
	// other updates of the same link and persists the result.
	Update(ctx context.Context, link string, fn UpdateFunc) (*Document, error)

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, link string) error

	// Query returns a lazy paginated sequence of matching documents.
	Query(q Query) *Pager

	// DeleteExpired removes documents of the given kind that expired before now.
	DeleteExpired(ctx context.Context, kind string, now time.Time) (int64, error)

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}

// pageFetcher reads one page of documents of a kind ordered by link,
// starting strictly after the given link.
type pageFetcher func(ctx context.Context, q Query, after string, limit int) ([]*Document, error)

// Pager iterates over query results one page at a time. A page may hold
// fewer documents than the page size when Match rejects some of them.
type Pager struct {
	q     Query
	fetch pageFetcher
	after string
	done  bool
}

func newPager(q Query, fetch pageFetcher) *Pager {
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	return &Pager{q: q, fetch: fetch}
}

// Done reports whether all pages were read.
func (p *Pager) Done() bool {
	return p.done
}

// Next returns the next page. It returns an empty page once Done is true.
// A failed page may be retried by calling Next again.
func (p *Pager) Next(ctx context.Context) ([]*Document, error) {
	if p.done {
		return nil, nil
	}
	if p.q.Kind == "" {
		return nil, errors.New("query kind is required")
	}

	docs, err := p.fetch(ctx, p.q, p.after, p.q.PageSize)
	if err != nil {
		return nil, err
	}
	if len(docs) < p.q.PageSize {
		p.done = true
	}
	if len(docs) > 0 {
		p.after = docs[len(docs)-1].Link
	}

	if p.q.Match == nil {
		return docs, nil
	}
	matched := docs[:0]
	for _, d := range docs {
		if p.q.Match(d) {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

// Collect drains the pager into a slice.
func Collect(ctx context.Context, p *Pager) ([]*Document, error) {
	var all []*Document
	for !p.Done() {
		page, err := p.Next(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
	}
	return all, nil
}

// CollectAs drains the pager and decodes every document body as T.
func CollectAs[T any](ctx context.Context, p *Pager) ([]T, error) {
	docs, err := Collect(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetAs reads a document and decodes its body as T.
func GetAs[T any](ctx context.Context, s Store, link string) (*T, error) {
	doc, err := s.Get(ctx, link)
	if err != nil {
		return nil, err
	}
	var v T
	if err := doc.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Upsert creates the document or replaces its body when it already exists.
func Upsert(ctx context.Context, s Store, doc *Document) error {
	err := s.Create(ctx, doc)
	if err == nil || !isAlreadyExists(err) {
		return err
	}
	_, err = s.Update(ctx, doc.Link, func(cur *Document) error {
		cur.Body = doc.Body
		cur.ContextID = doc.ContextID
		if doc.ExpiresAt != nil {
			cur.ExpiresAt = doc.ExpiresAt
		}
		return nil
	})
	return err
}

// Config holds store configuration.
type Config struct {
	// Driver selects the implementation: memory, sqlite or postgres.
	Driver string

	// Path is the SQLite database file.
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// UpdateWithRetry runs Update and retries it when a concurrent writer won
// the race. fn must be safe to run more than once.
func UpdateWithRetry(ctx context.Context, s Store, link string, attempts int, fn UpdateFunc) (*Document, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		doc, err := s.Update(ctx, link, fn)
		if err == nil || !isConflict(err) {
			return doc, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func isAlreadyExists(err error) bool {
	var e *engine.Error
	return errors.As(err, &e) && e.Code == engine.ErrCodeAlreadyExists
}

func isConflict(err error) bool {
	var e *engine.Error
	return errors.As(err, &e) && e.Code == engine.ErrCodeConflict
}
