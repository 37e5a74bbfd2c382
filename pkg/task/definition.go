package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/harbormaster/pkg/engine"
)

// HandlerFunc performs the side effect of one sub-stage. Returning an error
// fails the task with that error as the recorded cause.
type HandlerFunc[P any] func(ctx context.Context, run *Run[P]) error

// Definition declares a workflow kind: its ordered sub-stages, the transient
// ones, its payload type P and one handler per sub-stage.
//
// Payload fields use `validate` tags (checked at start) and `merge` tags
// (replace, union; default ignore-if-null) that decide how patches merge.
type Definition[P any] struct {
	// Kind names the workflow, e.g. "removal".
	Kind string

	// SubStages is the legal forward order. CREATED is prepended and
	// COMPLETED, ERROR are appended when missing.
	SubStages []engine.SubStage

	// Transient sub-stages are never reported to the request tracker and a
	// late patch to one of them is absorbed instead of rejected.
	Transient []engine.SubStage

	// Validate runs after the struct tags are checked. It may apply
	// defaults to the payload.
	Validate func(ctx context.Context, p *P) error

	// Handlers maps sub-stages to their side effects. A missing COMPLETED
	// handler completes the task, a missing ERROR handler fails it and any
	// other missing handler waits for the next patch.
	Handlers map[engine.SubStage]HandlerFunc[P]

	// Response builds the payload sent to the parent on success.
	Response func(p *P) interface{}

	// SelfDelete removes the task document after terminal processing.
	SelfDelete bool
}

// kindMeta is the type-independent part of a definition the transition
// table works on.
type kindMeta struct {
	name       string
	order      []engine.SubStage
	index      map[engine.SubStage]int
	transient  map[engine.SubStage]bool
	selfDelete bool
}

func newKindMeta(name string, subStages, transient []engine.SubStage, selfDelete bool) (*kindMeta, error) {
	order := make([]engine.SubStage, 0, len(subStages)+3)
	if len(subStages) == 0 || subStages[0] != engine.SubStageCreated {
		order = append(order, engine.SubStageCreated)
	}
	for _, s := range subStages {
		if s == engine.SubStageCompleted || s == engine.SubStageError {
			continue
		}
		order = append(order, s)
	}
	order = append(order, engine.SubStageCompleted, engine.SubStageError)

	m := &kindMeta{
		name:       name,
		order:      order,
		index:      make(map[engine.SubStage]int, len(order)),
		transient:  make(map[engine.SubStage]bool, len(transient)),
		selfDelete: selfDelete,
	}
	for i, s := range order {
		if s == "" {
			return nil, fmt.Errorf("kind %s declares an empty sub-stage", name)
		}
		if _, dup := m.index[s]; dup {
			return nil, fmt.Errorf("kind %s declares sub-stage %s twice", name, s)
		}
		m.index[s] = i
	}
	for _, s := range transient {
		if _, ok := m.index[s]; !ok {
			return nil, fmt.Errorf("kind %s marks undeclared sub-stage %s transient", name, s)
		}
		if s == engine.SubStageCreated || s == engine.SubStageCompleted || s == engine.SubStageError {
			return nil, fmt.Errorf("kind %s cannot mark %s transient", name, s)
		}
		m.transient[s] = true
	}
	return m, nil
}

// progress maps a sub-stage onto 0..100 over the declared order.
func (m *kindMeta) progress(sub engine.SubStage) int {
	idx, ok := m.index[sub]
	if !ok {
		return 0
	}
	span := len(m.order) - 2
	if span <= 0 {
		return 100
	}
	p := 100 * idx / span
	if p > 100 {
		p = 100
	}
	return p
}

// kind is a registered definition with its payload type erased.
type kind interface {
	meta() *kindMeta
	prepare(ctx context.Context, payload interface{}) (json.RawMessage, error)
	merge(current, patch json.RawMessage) (json.RawMessage, error)
	run(ctx context.Context, h *Host, rec *Record, sub engine.SubStage) error
	response(rec *Record) (interface{}, error)
}

type kindImpl[P any] struct {
	def      Definition[P]
	m        *kindMeta
	validate *validator.Validate
}

func (k *kindImpl[P]) meta() *kindMeta {
	return k.m
}

// prepare decodes the initial payload as P, validates it and re-encodes the
// result so defaults applied by the hook are persisted.
func (k *kindImpl[P]) prepare(ctx context.Context, payload interface{}) (json.RawMessage, error) {
	var p P
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, engine.NewValidationError("payload is not serializable", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("payload does not match kind %s", k.m.name), err)
	}

	if err := k.validate.Struct(&p); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return nil, engine.NewValidationError(fmt.Sprintf("invalid %s payload", k.m.name), err)
		}
	}
	if k.def.Validate != nil {
		if err := k.def.Validate(ctx, &p); err != nil {
			if engine.IsValidation(err) {
				return nil, err
			}
			return nil, engine.NewValidationError(err.Error(), err)
		}
	}

	return json.Marshal(&p)
}

func (k *kindImpl[P]) merge(current, patch json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 || string(patch) == "null" {
		return current, nil
	}
	var p P
	if len(current) > 0 {
		if err := json.Unmarshal(current, &p); err != nil {
			return nil, fmt.Errorf("failed to decode current payload: %w", err)
		}
	}
	if err := mergePayload(&p, patch); err != nil {
		return nil, err
	}
	return json.Marshal(&p)
}

func (k *kindImpl[P]) decode(rec *Record) (*P, error) {
	var p P
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", k.m.name, err)
		}
	}
	return &p, nil
}

func (k *kindImpl[P]) run(ctx context.Context, h *Host, rec *Record, sub engine.SubStage) error {
	p, err := k.decode(rec)
	if err != nil {
		return err
	}
	r := &Run[P]{host: h, kind: k, record: rec, Payload: p}

	handler, ok := k.def.Handlers[sub]
	if !ok {
		switch sub {
		case engine.SubStageCompleted:
			return r.Complete(ctx)
		case engine.SubStageError:
			return r.CompleteWithError(ctx, nil)
		default:
			return nil
		}
	}
	return handler(ctx, r)
}

func (k *kindImpl[P]) response(rec *Record) (interface{}, error) {
	if k.def.Response == nil {
		return nil, nil
	}
	p, err := k.decode(rec)
	if err != nil {
		return nil, err
	}
	return k.def.Response(p), nil
}

// Register adds a workflow definition to the host.
func Register[P any](h *Host, def Definition[P]) error {
	if def.Kind == "" {
		return fmt.Errorf("workflow kind is required")
	}
	m, err := newKindMeta(def.Kind, def.SubStages, def.Transient, def.SelfDelete)
	if err != nil {
		return err
	}
	for sub := range def.Handlers {
		if _, ok := m.index[sub]; !ok {
			return fmt.Errorf("kind %s has a handler for undeclared sub-stage %s", def.Kind, sub)
		}
	}
	return h.register(&kindImpl[P]{def: def, m: m, validate: h.validate})
}
