// Package task hosts long-running workflows as persisted state machines.
//
// Every workflow instance is a task document advanced by patches. A patch
// is checked against one transition table (stages only move forward,
// sub-stages follow the kind's declared order), merged into the document
// and then dispatched to the handler of the new sub-stage. Dispatch for one
// document is serial; different documents run concurrently.
//
// When a task reaches FINISHED or FAILED its parent callback is notified,
// the request tracker is updated and waiters are released.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/openfroyo/harbormaster/pkg/barrier"
	"github.com/openfroyo/harbormaster/pkg/callback"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/openfroyo/harbormaster/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DefaultExpiration is the retention of a task that never became terminal.
const DefaultExpiration = 5 * time.Hour

const updateAttempts = 5

// Options configures a Host.
type Options struct {
	Logger    zerolog.Logger
	Telemetry *telemetry.Telemetry

	// Expiration applies to tasks submitted without ExpiresAt.
	Expiration time.Duration

	// TrackRequests creates a request status document for every task.
	TrackRequests bool

	// Now overrides the clock.
	Now func() time.Time
}

// Host runs registered workflow kinds on top of a document store.
type Host struct {
	store    stores.Store
	notifier *callback.Notifier
	barriers *barrier.Service
	validate *validator.Validate
	logger   zerolog.Logger
	tel      *telemetry.Telemetry
	opts     Options

	mu      sync.RWMutex
	kinds   map[string]kind
	waiters map[string][]chan *Record

	// retired keeps the final record of deleted tasks for late Await calls,
	// oldest evicted first.
	retired      map[string]*Record
	retiredOrder []string

	locks    keyedMutex
	mailbox  mailbox
	inflight sync.WaitGroup
	closed   atomic.Bool
}

// NewHost creates a workflow host. Tasks report to parents through notifier
// and fan out through barriers.
func NewHost(store stores.Store, notifier *callback.Notifier, barriers *barrier.Service, opts Options) *Host {
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}
	if opts.Expiration <= 0 {
		opts.Expiration = DefaultExpiration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Host{
		store:    store,
		notifier: notifier,
		barriers: barriers,
		validate: validator.New(),
		logger:   opts.Logger.With().Str("component", "task").Logger(),
		tel:      opts.Telemetry,
		opts:     opts,
		kinds:    make(map[string]kind),
		waiters:  make(map[string][]chan *Record),
		retired:  make(map[string]*Record),
		locks:    keyedMutex{locks: make(map[string]*refLock)},
		mailbox:  mailbox{queues: make(map[string][]func())},
	}
}

func (h *Host) register(k kind) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := k.meta().name
	if _, exists := h.kinds[name]; exists {
		return fmt.Errorf("kind %s is already registered", name)
	}
	h.kinds[name] = k
	return nil
}

func (h *Host) kind(name string) (kind, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	k, ok := h.kinds[name]
	return k, ok
}

// Kinds returns the registered workflow kinds.
func (h *Host) Kinds() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.kinds))
	for name := range h.kinds {
		out = append(out, name)
	}
	return out
}

// Barriers returns the barrier service tasks fan out through.
func (h *Host) Barriers() *barrier.Service {
	return h.barriers
}

// Submit implements engine.Broker.
func (h *Host) Submit(ctx context.Context, req engine.SubmitRequest) (string, error) {
	return h.Start(ctx, req)
}

// Start validates the payload, persists a new task in CREATED and moves it
// to STARTED, which dispatches the CREATED handler. A payload that fails
// validation is rejected before anything is persisted.
func (h *Host) Start(ctx context.Context, req engine.SubmitRequest) (string, error) {
	if h.closed.Load() {
		return "", fmt.Errorf("task host is closed")
	}
	k, ok := h.kind(req.Kind)
	if !ok {
		return "", engine.NewValidationError(fmt.Sprintf("unknown workflow kind %q", req.Kind), nil)
	}
	payload, err := k.prepare(ctx, req.Payload)
	if err != nil {
		return "", err
	}

	now := h.opts.Now().UTC()
	link := engine.BuildLink(engine.FactoryTasks+"/"+req.Kind, uuid.New().String())
	rec := Record{
		Link:             link,
		Kind:             req.Kind,
		Stage:            engine.StageCreated,
		SubStage:         engine.SubStageCreated,
		Callback:         req.Callback,
		ContextID:        req.ContextID,
		TenantLinks:      req.TenantLinks,
		CustomProperties: req.CustomProperties,
		Payload:          payload,
		CreatedAt:        now,
	}
	if rec.ContextID == "" {
		rec.ContextID = engine.LastPathSegment(link)
	}

	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(h.opts.Expiration)
	}
	expiresAt = expiresAt.UTC()

	if req.TrackRequest || h.opts.TrackRequests {
		trackerLink, err := h.createTracker(ctx, &rec, expiresAt)
		if err != nil {
			return "", err
		}
		rec.RequestTrackerLink = trackerLink
	}

	doc, err := stores.NewDocument(link, DocumentKind(req.Kind), rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}
	doc.ContextID = rec.ContextID
	doc.ExpiresAt = &expiresAt
	if err := h.store.Create(ctx, doc); err != nil {
		if rec.RequestTrackerLink != "" {
			if derr := h.store.Delete(context.WithoutCancel(ctx), rec.RequestTrackerLink); derr != nil {
				h.logger.Warn().Err(derr).
					Str("tracker", rec.RequestTrackerLink).
					Msg("failed to delete request status of unpersisted task")
			}
		}
		return "", engine.NewCollaboratorError("failed to persist task", err).WithResource(link)
	}

	h.tel.Metrics.RecordTaskStarted(req.Kind)
	_ = h.tel.Events.PublishTaskStarted(link, req.Kind, rec.ContextID)
	h.logger.Info().
		Str("task", link).
		Str("kind", req.Kind).
		Str("context_id", rec.ContextID).
		Str("parent", req.Callback.TaskLink).
		Msg("task started")

	if err := h.Patch(ctx, link, engine.TaskPatch{Stage: engine.StageStarted, SubStage: engine.SubStageCreated}); err != nil {
		return link, err
	}
	return link, nil
}

// Get returns the current task record.
func (h *Host) Get(ctx context.Context, link string) (*Record, error) {
	return stores.GetAs[Record](ctx, h.store, link)
}

// Patch implements callback.Patcher. The patch is checked and persisted
// before Patch returns; the resulting handler runs asynchronously.
func (h *Host) Patch(ctx context.Context, link string, patch engine.TaskPatch) error {
	unlock := h.locks.Lock(link)
	defer unlock()

	var (
		applied  *Record
		target   engine.SubStage
		verdict  decision
		kindName string
	)

	_, err := stores.UpdateWithRetry(ctx, h.store, link, updateAttempts, func(doc *stores.Document) error {
		var rec Record
		if err := doc.Decode(&rec); err != nil {
			return fmt.Errorf("failed to decode task: %w", err)
		}
		kindName = rec.Kind
		k, ok := h.kind(rec.Kind)
		if !ok {
			return engine.NewValidationError(fmt.Sprintf("task %s has unregistered kind %q", link, rec.Kind), nil)
		}

		sub, d, err := k.meta().check(&rec, patch)
		if err != nil {
			return err
		}
		target, verdict = sub, d
		if d == decisionStale {
			return stores.ErrNoop
		}

		merged, err := k.merge(rec.Payload, patch.Payload)
		if err != nil {
			return engine.NewValidationError("patch payload does not match the task payload", err)
		}
		rec.Payload = merged
		for key, v := range patch.CustomProperties {
			if rec.CustomProperties == nil {
				rec.CustomProperties = make(map[string]string)
			}
			rec.CustomProperties[key] = v
		}
		if patch.Failure != nil && rec.Failure == nil {
			f := *patch.Failure
			rec.Failure = &f
		}
		if d == decisionApply {
			rec.Stage = patch.Stage
			rec.SubStage = sub
		}

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		doc.Body = raw
		applied = &rec
		return nil
	})

	if err != nil {
		if engine.IsTransition(err) {
			h.rejectTransition(link, kindName, patch, err)
		}
		return err
	}

	switch verdict {
	case decisionStale:
		h.logger.Debug().Str("task", link).Str("sub_stage", string(target)).Msg("stale patch absorbed")
	case decisionDuplicate:
		h.logger.Debug().Str("task", link).Str("sub_stage", string(target)).Msg("duplicate patch merged")
	case decisionApply:
		h.afterApply(ctx, applied)
	}
	return nil
}

func (h *Host) rejectTransition(link, kindName string, patch engine.TaskPatch, err error) {
	reason := "illegal"
	var e *engine.Error
	if errors.As(err, &e) {
		if r, ok := e.Details["reason"].(string); ok {
			reason = r
		}
	}
	h.tel.Metrics.RecordTransitionRejected(kindName, reason)
	h.logger.Warn().
		Err(err).
		Str("task", link).
		Str("kind", kindName).
		Str("stage", string(patch.Stage)).
		Str("sub_stage", string(patch.SubStage)).
		Str("source", patch.Source).
		Msg("transition rejected")
}

// afterApply runs with the link lock held so handlers are queued in commit
// order.
func (h *Host) afterApply(ctx context.Context, rec *Record) {
	h.tel.Metrics.RecordTransition(rec.Kind, string(rec.SubStage))
	_ = h.tel.Events.PublishTaskTransitioned(rec.Link, rec.Kind, string(rec.Stage), string(rec.SubStage))
	h.logger.Debug().
		Str("task", rec.Link).
		Str("kind", rec.Kind).
		Str("stage", string(rec.Stage)).
		Str("sub_stage", string(rec.SubStage)).
		Msg("task transitioned")

	if k, ok := h.kind(rec.Kind); ok && !k.meta().transient[rec.SubStage] {
		h.updateTracker(ctx, k.meta(), rec)
	}

	link, sub := rec.Link, rec.SubStage
	if rec.Stage.IsTerminal() {
		h.enqueue(link, func() { h.finish(link) })
		return
	}
	h.enqueue(link, func() { h.dispatch(link, sub) })
}

func (h *Host) enqueue(link string, fn func()) {
	if h.mailbox.push(link, fn) {
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			h.mailbox.drain(link)
		}()
	}
}

// dispatch runs the handler of sub against a fresh snapshot. A dispatch
// that a later transition already superseded is skipped.
func (h *Host) dispatch(link string, sub engine.SubStage) {
	ctx := context.Background()
	rec, err := h.Get(ctx, link)
	if err != nil {
		h.logger.Warn().Err(err).Str("task", link).Msg("failed to load task for dispatch")
		return
	}
	if !rec.Active() {
		return
	}
	k, ok := h.kind(rec.Kind)
	if !ok {
		return
	}
	if rec.SubStage != sub && k.meta().index[rec.SubStage] > k.meta().index[sub] {
		h.logger.Debug().Str("task", link).Str("sub_stage", string(sub)).
			Str("current", string(rec.SubStage)).Msg("superseded dispatch skipped")
		return
	}

	ctx, span := h.tel.Tracer.StartHandlerSpan(ctx, link, rec.Kind, string(sub))
	defer span.End()

	err = h.invoke(ctx, k, rec, sub)
	telemetry.SetSpanStatus(span, err)
	if err == nil {
		return
	}

	if engine.IsTransition(err) {
		// The handler raced with a terminal patch.
		return
	}
	h.logger.Warn().Err(err).Str("task", link).Str("sub_stage", string(sub)).Msg("handler failed")
	if ferr := h.failTask(ctx, link, engine.FailureFrom(err)); ferr != nil && !engine.IsTransition(ferr) {
		h.logger.Error().Err(ferr).Str("task", link).Msg("failed to record handler failure")
	}
}

func (h *Host) invoke(ctx context.Context, k kind, rec *Record, sub engine.SubStage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", sub, r)
		}
	}()
	h.logger.Debug().
		Str("task", rec.Link).
		Str("kind", rec.Kind).
		Str("sub_stage", string(sub)).
		Msg("dispatching handler")
	return k.run(ctx, h, rec, sub)
}

func (h *Host) failTask(ctx context.Context, link string, failure *engine.Failure) error {
	return h.Patch(ctx, link, engine.TaskPatch{
		Stage:    engine.StageFailed,
		SubStage: engine.SubStageError,
		Failure:  failure,
	})
}

// finish performs terminal processing: notify the parent, release waiters
// and optionally delete the document.
func (h *Host) finish(link string) {
	ctx := context.Background()
	rec, err := h.Get(ctx, link)
	if err != nil {
		h.logger.Warn().Err(err).Str("task", link).Msg("failed to load terminal task")
		return
	}
	if rec.Notified {
		return
	}
	k, ok := h.kind(rec.Kind)
	if !ok {
		return
	}

	out := callback.Outcome{Source: link, CustomProperties: rec.CustomProperties}
	if rec.Stage == engine.StageFinished {
		resp, err := k.response(rec)
		if err != nil {
			h.logger.Warn().Err(err).Str("task", link).Msg("failed to build response payload")
		}
		out.Payload = resp
	} else {
		out.Failure = rec.Failure
		if out.Failure == nil {
			out.Failure = &engine.Failure{Message: fmt.Sprintf("task %s %s", link, rec.Stage), Code: engine.ErrCodeInternal}
		}
	}
	h.notifier.Notify(ctx, rec.Callback, out)

	duration := h.opts.Now().Sub(rec.CreatedAt)
	h.tel.Metrics.RecordTaskCompleted(rec.Kind, string(rec.Stage), duration)
	if rec.Stage == engine.StageFinished {
		_ = h.tel.Events.PublishTaskFinished(link, rec.Kind, rec.ContextID, duration)
		h.logger.Info().Str("task", link).Str("kind", rec.Kind).Dur("duration", duration).Msg("task finished")
	} else {
		code, msg := "", ""
		if rec.Failure != nil {
			code, msg = rec.Failure.Code, rec.Failure.Message
			h.tel.Metrics.RecordError(string(rec.Failure.Class), rec.Failure.Code)
		}
		_ = h.tel.Events.PublishTaskFailed(link, rec.Kind, rec.ContextID, code, msg)
		h.logger.Warn().Str("task", link).Str("kind", rec.Kind).Str("code", code).Str("reason", msg).Msg("task failed")
	}

	rec.Notified = true
	defer h.resolveWaiters(rec)

	expired := rec.Failure != nil && rec.Failure.Code == engine.ErrCodeTaskExpired
	if k.meta().selfDelete || expired {
		h.retire(rec)
		if err := h.store.Delete(ctx, link); err != nil {
			h.logger.Warn().Err(err).Str("task", link).Msg("failed to delete terminal task")
		}
		return
	}
	_, err = h.store.Update(ctx, link, func(doc *stores.Document) error {
		var cur Record
		if err := doc.Decode(&cur); err != nil {
			return err
		}
		cur.Notified = true
		raw, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		doc.Body = raw
		return nil
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("task", link).Msg("failed to mark task notified")
	}
}

// Await blocks until the task is terminal and returns its final record.
// Records of deleted tasks stay available to Await for the last
// maxRetiredRecords deletions.
func (h *Host) Await(ctx context.Context, link string) (*Record, error) {
	ch := make(chan *Record, 1)
	h.mu.Lock()
	h.waiters[link] = append(h.waiters[link], ch)
	h.mu.Unlock()
	defer h.removeWaiter(link, ch)

	rec, err := h.Get(ctx, link)
	if err != nil {
		if r, ok := h.retiredRecord(link); ok && engine.IsNotFound(err) {
			return r, nil
		}
		return nil, err
	}
	if !rec.Active() && rec.Notified {
		return rec, nil
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

const maxRetiredRecords = 512

func (h *Host) retire(rec *Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.retired[rec.Link]; !ok {
		h.retiredOrder = append(h.retiredOrder, rec.Link)
	}
	cp := *rec
	h.retired[rec.Link] = &cp
	for len(h.retiredOrder) > maxRetiredRecords {
		delete(h.retired, h.retiredOrder[0])
		h.retiredOrder = h.retiredOrder[1:]
	}
}

func (h *Host) retiredRecord(link string) (*Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.retired[link]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

func (h *Host) removeWaiter(link string, ch chan *Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.waiters[link]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.waiters, link)
		return
	}
	h.waiters[link] = list
}

func (h *Host) resolveWaiters(rec *Record) {
	h.mu.RLock()
	list := append([]chan *Record(nil), h.waiters[rec.Link]...)
	h.mu.RUnlock()
	for _, ch := range list {
		cp := *rec
		select {
		case ch <- &cp:
		default:
		}
	}
}

// Recover resumes tasks left active by a previous process. Each active task
// is dispatched again at its current sub-stage and terminal tasks whose
// parent was never notified are finished. It returns the number of tasks
// resumed.
func (h *Host) Recover(ctx context.Context) (int, error) {
	resumed := 0
	for _, name := range h.Kinds() {
		recs, err := stores.CollectAs[Record](ctx, h.store.Query(stores.Query{Kind: DocumentKind(name)}))
		if err != nil {
			return resumed, engine.NewCollaboratorError("failed to list tasks", err).WithOperation("recover")
		}
		for i := range recs {
			rec := recs[i]
			switch {
			case rec.Stage == engine.StageCreated:
				if err := h.Patch(ctx, rec.Link, engine.TaskPatch{Stage: engine.StageStarted, SubStage: engine.SubStageCreated}); err != nil {
					h.logger.Warn().Err(err).Str("task", rec.Link).Msg("failed to restart task")
					continue
				}
			case rec.Active():
				link, sub := rec.Link, rec.SubStage
				h.enqueue(link, func() { h.dispatch(link, sub) })
			case !rec.Notified:
				link := rec.Link
				h.enqueue(link, func() { h.finish(link) })
			default:
				continue
			}
			resumed++
		}
	}
	if resumed > 0 {
		h.logger.Info().Int("tasks", resumed).Msg("resumed tasks")
	}
	return resumed, nil
}

// Sweep fails active tasks that expired before now and deletes expired
// request status documents. The parent of an expired task is notified with
// a TASK_EXPIRED failure.
func (h *Host) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for _, name := range h.Kinds() {
		docs, err := stores.Collect(ctx, h.store.Query(stores.Query{
			Kind:  DocumentKind(name),
			Match: func(doc *stores.Document) bool { return doc.Expired(now) },
		}))
		if err != nil {
			return expired, engine.NewCollaboratorError("failed to list expired tasks", err).WithOperation("sweep")
		}
		for _, doc := range docs {
			var rec Record
			if err := doc.Decode(&rec); err != nil {
				continue
			}
			if !rec.Active() {
				if err := h.store.Delete(ctx, rec.Link); err != nil {
					h.logger.Warn().Err(err).Str("task", rec.Link).Msg("failed to delete expired task")
				}
				continue
			}
			failure := &engine.Failure{
				Message: fmt.Sprintf("task expired in stage %s", rec.SubStage),
				Code:    engine.ErrCodeTaskExpired,
				Class:   engine.ErrorClassPermanent,
			}
			if err := h.failTask(ctx, rec.Link, failure); err != nil {
				if !engine.IsTransition(err) {
					h.logger.Warn().Err(err).Str("task", rec.Link).Msg("failed to expire task")
				}
				continue
			}
			expired++
		}
	}

	if _, err := h.store.DeleteExpired(ctx, engine.DocumentKindRequest, now); err != nil {
		return expired, engine.NewCollaboratorError("failed to delete expired request status", err).WithOperation("sweep")
	}
	if expired > 0 {
		h.logger.Info().Int("tasks", expired).Msg("expired tasks failed")
	}
	return expired, nil
}

// HasActive reports whether a task of kind is still running in contextID.
func (h *Host) HasActive(ctx context.Context, kind, contextID string) (bool, error) {
	pager := h.store.Query(stores.Query{
		Kind:      DocumentKind(kind),
		ContextID: contextID,
		Match: func(doc *stores.Document) bool {
			var probe struct {
				Stage engine.TaskStage `json:"taskStage"`
			}
			return doc.Decode(&probe) == nil && !probe.Stage.IsTerminal()
		},
	})
	for !pager.Done() {
		page, err := pager.Next(ctx)
		if err != nil {
			return false, engine.NewCollaboratorError("failed to list tasks", err)
		}
		if len(page) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Wait blocks until every queued handler has run. Handlers that queue more
// work keep Wait blocked.
func (h *Host) Wait() {
	h.inflight.Wait()
}

// Close stops accepting new tasks and waits for queued handlers until ctx
// is done.
func (h *Host) Close(ctx context.Context) error {
	h.closed.Store(true)
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
