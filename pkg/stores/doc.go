// Package stores provides the document store used by the Harbormaster engine.
//
// Every engine document (task, barrier, request status, container, container
// description) is stored as a Document: a self link, a kind, an optional
// context id, a JSON body, a monotonically increasing version and an optional
// expiration time.
//
// Three implementations satisfy the Store interface:
//
//   - MemoryStore: process memory, used by tests and one-shot CLI runs
//   - SQLiteStore: modernc SQLite with WAL mode and embedded migrations
//   - PostgresStore: pgx connection pool with row-locked updates
//
// Update is the merge primitive. The UpdateFunc sees the current document and
// mutates it in place; the store persists the result atomically with respect to
// other updates of the same link. Returning ErrNoop from the function leaves the
// document untouched.
//
// Queries are paginated and ordered by link:
//
//	pager := store.Query(stores.Query{Kind: engine.DocumentKindContainer})
//	for !pager.Done() {
//	    page, err := pager.Next(ctx)
//	    ...
//	}
package stores
