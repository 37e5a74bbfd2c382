// Package callback implements the completion callback protocol: a child
// workflow notifies its parent by sending a merge-update patch that moves the
// parent to the success or failure target registered in an engine.Callback.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/rs/zerolog"
)

// Patcher applies a task patch to the document behind link.
type Patcher interface {
	Patch(ctx context.Context, link string, patch engine.TaskPatch) error
}

// PatcherFunc adapts an ordinary function to the Patcher interface.
type PatcherFunc func(ctx context.Context, link string, patch engine.TaskPatch) error

// Patch calls f.
func (f PatcherFunc) Patch(ctx context.Context, link string, patch engine.TaskPatch) error {
	return f(ctx, link, patch)
}

// Outcome is what a child reports to its parent.
type Outcome struct {
	// Source is the link of the reporting document.
	Source string

	// Failure selects the failure target when set.
	Failure *engine.Failure

	// Payload is the response payload merged into the parent.
	Payload interface{}

	// CustomProperties are copied to the parent.
	CustomProperties map[string]string
}

// Success builds a successful outcome.
func Success(source string, payload interface{}) Outcome {
	return Outcome{Source: source, Payload: payload}
}

// Failed builds a failed outcome from err.
func Failed(source string, err error) Outcome {
	f := engine.FailureFrom(err)
	if f == nil {
		f = &engine.Failure{Message: "unknown failure", Code: engine.ErrCodeInternal}
	}
	return Outcome{Source: source, Failure: f}
}

// Response builds the patch sent to the parent registered in cb.
func Response(cb engine.Callback, out Outcome) (engine.TaskPatch, error) {
	target := cb.Success
	if out.Failure != nil {
		target = cb.Failure
	}

	patch := engine.TaskPatch{
		Stage:    target.Stage,
		SubStage: target.SubStage,
		Failure:  out.Failure,
		Source:   out.Source,
	}

	if out.Payload != nil {
		raw, err := json.Marshal(out.Payload)
		if err != nil {
			return engine.TaskPatch{}, fmt.Errorf("failed to encode response payload: %w", err)
		}
		patch.Payload = raw
	}

	if len(out.CustomProperties) > 0 {
		patch.CustomProperties = make(map[string]string, len(out.CustomProperties))
		for k, v := range out.CustomProperties {
			patch.CustomProperties[k] = v
		}
	}

	return patch, nil
}

// Router dispatches patches to the Patcher registered for the longest
// matching link prefix.
type Router struct {
	mu       sync.RWMutex
	prefixes []string
	routes   map[string]Patcher
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Patcher)}
}

// Handle registers p for every link under prefix.
func (r *Router) Handle(prefix string, p Patcher) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[prefix]; !exists {
		r.prefixes = append(r.prefixes, prefix)
		sort.Slice(r.prefixes, func(i, j int) bool {
			return len(r.prefixes[i]) > len(r.prefixes[j])
		})
	}
	r.routes[prefix] = p
}

// Patch routes the patch to the owning Patcher.
func (r *Router) Patch(ctx context.Context, link string, patch engine.TaskPatch) error {
	r.mu.RLock()
	var target Patcher
	for _, prefix := range r.prefixes {
		if strings.HasPrefix(link, prefix) {
			target = r.routes[prefix]
			break
		}
	}
	r.mu.RUnlock()

	if target == nil {
		return engine.NewNotFoundError(link).WithOperation("patch")
	}
	return target.Patch(ctx, link, patch)
}

// Notifier delivers callbacks without blocking the sender. A failed delivery
// is logged and otherwise ignored: the sender has already reached its own
// terminal state and the parent relies on its expiration to notice.
type Notifier struct {
	patcher Patcher
	logger  zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier delivering through p.
func NewNotifier(p Patcher, logger zerolog.Logger) *Notifier {
	return &Notifier{
		patcher: p,
		logger:  logger.With().Str("component", "callback").Logger(),
		timeout: 30 * time.Second,
	}
}

// Notify sends the response for out to the parent registered in cb. An empty
// callback is ignored.
func (n *Notifier) Notify(ctx context.Context, cb engine.Callback, out Outcome) {
	if cb.IsEmpty() {
		return
	}

	patch, err := Response(cb, out)
	if err != nil {
		n.logger.Warn().Err(err).
			Str("parent", cb.TaskLink).
			Str("source", out.Source).
			Msg("failed to build callback response")
		return
	}
	n.Send(ctx, cb.TaskLink, patch)
}

// Send delivers patch to link on a separate goroutine. The delivery outlives
// cancellation of ctx.
func (n *Notifier) Send(ctx context.Context, link string, patch engine.TaskPatch) {
	deliveryCtx := context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(deliveryCtx, n.timeout)
		defer cancel()

		if err := n.patcher.Patch(ctx, link, patch); err != nil {
			n.logger.Warn().Err(err).
				Str("target", link).
				Str("source", patch.Source).
				Str("stage", string(patch.Stage)).
				Str("sub_stage", string(patch.SubStage)).
				Msg("callback delivery failed")
		}
	}()
}

// Wait blocks until all in-flight deliveries finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
