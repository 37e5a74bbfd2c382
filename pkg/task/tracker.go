package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
)

func (h *Host) createTracker(ctx context.Context, rec *Record, expiresAt time.Time) (string, error) {
	link := engine.BuildLink(engine.FactoryRequestStatus, uuid.New().String())
	status := RequestStatus{
		Link:      link,
		TaskLink:  rec.Link,
		Phase:     rec.Kind,
		Stage:     rec.Stage,
		SubStage:  rec.SubStage,
		ContextID: rec.ContextID,
		UpdatedAt: h.opts.Now().UTC(),
	}
	doc, err := stores.NewDocument(link, engine.DocumentKindRequest, status)
	if err != nil {
		return "", err
	}
	doc.ContextID = rec.ContextID
	doc.ExpiresAt = &expiresAt
	if err := h.store.Create(ctx, doc); err != nil {
		return "", engine.NewCollaboratorError("failed to create request status", err).WithResource(link)
	}
	return link, nil
}

// updateTracker mirrors a non-transient transition onto the request status.
// Tracker failures are logged and never fail the transition.
func (h *Host) updateTracker(ctx context.Context, m *kindMeta, rec *Record) {
	if rec.RequestTrackerLink == "" {
		return
	}
	_, err := h.store.Update(ctx, rec.RequestTrackerLink, func(doc *stores.Document) error {
		var status RequestStatus
		if err := doc.Decode(&status); err != nil {
			return err
		}
		status.Stage = rec.Stage
		status.SubStage = rec.SubStage
		status.Progress = m.progress(rec.SubStage)
		status.Failure = rec.Failure
		if links := resourceLinks(rec.Payload); len(links) > 0 {
			status.ResourceLinks = links
		}
		status.UpdatedAt = h.opts.Now().UTC()
		raw, err := json.Marshal(status)
		if err != nil {
			return err
		}
		doc.Body = raw
		return nil
	})
	if err != nil {
		h.logger.Warn().Err(err).
			Str("task", rec.Link).
			Str("tracker", rec.RequestTrackerLink).
			Msg("failed to update request status")
	}
}

// RequestStatus returns the request status document at link.
func (h *Host) RequestStatus(ctx context.Context, link string) (*RequestStatus, error) {
	return stores.GetAs[RequestStatus](ctx, h.store, link)
}
