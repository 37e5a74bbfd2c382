package stores

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/harbormaster/pkg/engine"
)

// MemoryStore implements the Store interface in process memory. It is used
// by tests and by single-shot CLI runs that need no durability.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*Document),
		now:  time.Now,
	}
}

// Create persists a new document.
func (s *MemoryStore) Create(_ context.Context, doc *Document) error {
	if doc.Link == "" {
		return engine.NewValidationError("document link is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.Link]; exists {
		return engine.NewAlreadyExistsError(doc.Link)
	}

	stored := doc.Clone()
	now := s.now().UTC()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.docs[doc.Link] = stored

	doc.Version = stored.Version
	doc.CreatedAt = now
	doc.UpdatedAt = now
	return nil
}

// Get returns a copy of the current document.
func (s *MemoryStore) Get(_ context.Context, link string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[link]
	if !ok {
		return nil, engine.NewNotFoundError(link)
	}
	return doc.Clone(), nil
}

// Update applies fn under the store lock.
func (s *MemoryStore) Update(_ context.Context, link string, fn UpdateFunc) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[link]
	if !ok {
		return nil, engine.NewNotFoundError(link)
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		if errors.Is(err, ErrNoop) {
			return current.Clone(), nil
		}
		return nil, err
	}

	working.Link = current.Link
	working.Kind = current.Kind
	working.CreatedAt = current.CreatedAt
	working.Version = current.Version + 1
	working.UpdatedAt = s.now().UTC()
	s.docs[link] = working
	return working.Clone(), nil
}

// Delete removes a document.
func (s *MemoryStore) Delete(_ context.Context, link string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, link)
	return nil
}

// Query returns a pager over documents ordered by link.
func (s *MemoryStore) Query(q Query) *Pager {
	return newPager(q, s.fetchPage)
}

func (s *MemoryStore) fetchPage(_ context.Context, q Query, after string, limit int) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	links := make([]string, 0, len(s.docs))
	for link, doc := range s.docs {
		if doc.Kind != q.Kind || link <= after {
			continue
		}
		if q.ContextID != "" && doc.ContextID != q.ContextID {
			continue
		}
		links = append(links, link)
	}
	sort.Strings(links)

	if len(links) > limit {
		links = links[:limit]
	}
	page := make([]*Document, 0, len(links))
	for _, link := range links {
		page = append(page, s.docs[link].Clone())
	}
	return page, nil
}

// DeleteExpired removes expired documents of a kind.
func (s *MemoryStore) DeleteExpired(_ context.Context, kind string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for link, doc := range s.docs {
		if doc.Kind == kind && doc.Expired(now) {
			delete(s.docs, link)
			n++
		}
	}
	return n, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
