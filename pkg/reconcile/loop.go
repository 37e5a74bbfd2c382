package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/telemetry"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrPassInFlight is returned when a pass is requested while another runs.
var ErrPassInFlight = errors.New("reconciliation pass already in flight")

// ErrLoopRunning is returned when a second control loop is started in the
// same process.
var ErrLoopRunning = errors.New("a control loop is already running")

// activeLoop allows one scheduled control loop per process.
var activeLoop atomic.Bool

// Group actions reported by a pass.
const (
	ActionNone       = "none"
	ActionDispatched = "dispatched"
	ActionDenied     = "denied"
	ActionDryRun     = "dry_run"
	ActionInProgress = "in_progress"
	ActionFailed     = "failed"
)

// RedeployRequest is the payload of the redeployment workflow.
type RedeployRequest struct {
	DescriptionLink string   `json:"descriptionLink"`
	ContextID       string   `json:"contextId"`
	ResourceLinks   []string `json:"resourceLinks"`
	DesiredCount    int      `json:"desiredCount"`
	TenantLinks     []string `json:"tenantLinks,omitempty"`
}

// AdmissionRequest is what an Admitter decides on.
type AdmissionRequest struct {
	Description    *engine.ContainerDescription `json:"description"`
	Group          Group                        `json:"group"`
	Diffs          []DiffEntry                  `json:"diffs"`
	Recommendation engine.Recommendation        `json:"recommendation"`
}

// Admission is an Admitter verdict.
type Admission struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Admitter decides whether a recommended redeploy may be dispatched.
type Admitter interface {
	Admit(ctx context.Context, req AdmissionRequest) (Admission, error)
}

// InFlight reports whether a workflow of kind is still active for a context.
type InFlight interface {
	HasActive(ctx context.Context, kind, contextID string) (bool, error)
}

// GroupReport is the outcome of one group in a pass.
type GroupReport struct {
	DescriptionLink string                `json:"descriptionLink"`
	ContextID       string                `json:"contextId"`
	Instances       []string              `json:"instances"`
	Diffs           []DiffEntry           `json:"diffs,omitempty"`
	Recommendation  engine.Recommendation `json:"recommendation"`
	Action          string                `json:"action"`
	TaskLink        string                `json:"taskLink,omitempty"`
	Reasons         []string              `json:"reasons,omitempty"`
	Error           string                `json:"error,omitempty"`
}

// PassReport summarizes one reconciliation pass.
type PassReport struct {
	Trigger     string        `json:"trigger"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	Descriptors int           `json:"descriptors"`
	Groups      []GroupReport `json:"groups"`
	Redeploys   int           `json:"redeploys"`
	DryRun      bool          `json:"dryRun,omitempty"`
}

// LoopConfig configures the control loop.
type LoopConfig struct {
	// Schedule is a cron spec such as "@every 5m".
	Schedule string

	// Concurrency bounds the descriptors reconciled in parallel.
	Concurrency int

	// DryRun computes recommendations without dispatching.
	DryRun bool
}

// ValidateSchedule checks a cron spec.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ControlLoop periodically compares actual instances with their descriptions
// and dispatches redeployments for groups that drifted.
type ControlLoop struct {
	inv      *Inventory
	broker   engine.Broker
	admitter Admitter
	inflight InFlight
	logger   zerolog.Logger
	tel      *telemetry.Telemetry
	cfg      LoopConfig

	running atomic.Bool

	mu   sync.Mutex
	cron *cron.Cron
	done chan struct{}
	last *PassReport

	// watch tracks the goroutine that stops the loop when Start's ctx ends.
	watch sync.WaitGroup
}

// Option configures a ControlLoop.
type Option func(*ControlLoop)

// WithAdmitter gates every redeploy.
func WithAdmitter(a Admitter) Option {
	return func(l *ControlLoop) { l.admitter = a }
}

// WithInFlight skips groups whose redeployment is still running.
func WithInFlight(f InFlight) Option {
	return func(l *ControlLoop) { l.inflight = f }
}

// WithTelemetry enables metrics, events and tracing.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(l *ControlLoop) {
		if tel != nil {
			l.tel = tel
		}
	}
}

// NewControlLoop creates a control loop. broker receives redeployments.
func NewControlLoop(inv *Inventory, broker engine.Broker, cfg LoopConfig, logger zerolog.Logger, opts ...Option) *ControlLoop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	l := &ControlLoop{
		inv:    inv,
		broker: broker,
		logger: logger.With().Str("component", "reconcile").Logger(),
		tel:    telemetry.Nop(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start schedules passes until ctx is done or Stop is called.
func (l *ControlLoop) Start(ctx context.Context) error {
	if err := ValidateSchedule(l.cfg.Schedule); err != nil {
		return err
	}
	if !activeLoop.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}

	c := cron.New()
	if _, err := c.AddFunc(l.cfg.Schedule, func() { l.tick(ctx) }); err != nil {
		activeLoop.Store(false)
		return fmt.Errorf("failed to schedule control loop: %w", err)
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.cron = c
	l.done = done
	l.mu.Unlock()
	c.Start()

	l.logger.Info().Str("schedule", l.cfg.Schedule).Msg("control loop started")
	l.watch.Add(1)
	go func() {
		defer l.watch.Done()
		select {
		case <-ctx.Done():
			l.Stop()
		case <-done:
		}
	}()
	return nil
}

// Stop stops scheduling and waits for a running pass to end.
func (l *ControlLoop) Stop() {
	l.mu.Lock()
	c, done := l.cron, l.done
	l.cron, l.done = nil, nil
	l.mu.Unlock()
	if c == nil {
		return
	}
	close(done)
	<-c.Stop().Done()
	activeLoop.Store(false)
	l.logger.Info().Msg("control loop stopped")
}

func (l *ControlLoop) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := l.run(ctx, "schedule", l.cfg.DryRun); err != nil {
		if errors.Is(err, ErrPassInFlight) {
			l.tel.Metrics.RecordReconcileSkipped()
			l.logger.Warn().Msg("previous pass still in flight, tick skipped")
			return
		}
		l.logger.Error().Err(err).Msg("reconciliation pass failed")
	}
}

// Trigger runs a pass now unless one is in flight.
func (l *ControlLoop) Trigger(ctx context.Context) (*PassReport, error) {
	return l.run(ctx, "manual", l.cfg.DryRun)
}

// RunOnce runs a single pass, optionally without dispatching.
func (l *ControlLoop) RunOnce(ctx context.Context, dryRun bool) (*PassReport, error) {
	return l.run(ctx, "once", dryRun)
}

// LastReport returns the report of the most recent pass.
func (l *ControlLoop) LastReport() *PassReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *ControlLoop) run(ctx context.Context, trigger string, dryRun bool) (*PassReport, error) {
	if !l.running.CompareAndSwap(false, true) {
		return nil, ErrPassInFlight
	}
	defer l.running.Store(false)

	ctx, span := l.tel.Tracer.StartReconcileSpan(ctx, trigger)
	defer span.End()

	report := &PassReport{Trigger: trigger, StartedAt: time.Now().UTC(), DryRun: dryRun}
	descs, err := l.inv.Descriptors(ctx)
	if err != nil {
		telemetry.SetSpanStatus(span, err)
		l.tel.Metrics.RecordReconcilePass("error", time.Since(report.StartedAt))
		return nil, err
	}
	report.Descriptors = len(descs)

	results := make([][]GroupReport, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for i := range descs {
		i := i
		g.Go(func() error {
			results[i] = l.reconcileDescriptor(gctx, &descs[i], dryRun)
			return nil
		})
	}
	_ = g.Wait()

	for _, groups := range results {
		for _, gr := range groups {
			if gr.Action == ActionDispatched {
				report.Redeploys++
			}
			report.Groups = append(report.Groups, gr)
		}
	}
	report.Duration = time.Since(report.StartedAt)

	l.tel.Metrics.RecordReconcilePass("success", report.Duration)
	_ = l.tel.Events.PublishReconcileCompleted(report.Descriptors, len(report.Groups), report.Redeploys, report.Duration)
	telemetry.SetSpanStatus(span, nil)
	l.logger.Info().
		Str("trigger", trigger).
		Int("descriptors", report.Descriptors).
		Int("groups", len(report.Groups)).
		Int("redeploys", report.Redeploys).
		Dur("duration", report.Duration).
		Msg("reconciliation pass completed")

	l.mu.Lock()
	l.last = report
	l.mu.Unlock()
	return report, nil
}

func (l *ControlLoop) reconcileDescriptor(ctx context.Context, desc *engine.ContainerDescription, dryRun bool) []GroupReport {
	logger := l.logger.With().Str("description", desc.Link).Logger()

	groups, err := l.inv.Groups(ctx, desc.Link)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list instances")
		return []GroupReport{{DescriptionLink: desc.Link, Action: ActionFailed, Error: err.Error()}}
	}

	reports := make([]GroupReport, 0, len(groups))
	for _, group := range groups {
		reports = append(reports, l.reconcileGroup(ctx, desc, group, dryRun))
	}
	return reports
}

// driftedLinks returns the group's instances that have at least one diff
// entry, in group order. Healthy siblings stay running and the recluster
// step refills the count.
func driftedLinks(group Group, diffs []DiffEntry) []string {
	drifted := make(map[string]bool, len(diffs))
	for _, d := range diffs {
		drifted[d.InstanceLink] = true
	}
	var links []string
	for _, c := range group.Instances {
		if drifted[c.Link] {
			links = append(links, c.Link)
			delete(drifted, c.Link)
		}
	}
	return links
}

func (l *ControlLoop) reconcileGroup(ctx context.Context, desc *engine.ContainerDescription, group Group, dryRun bool) GroupReport {
	diffs := Diff(desc, group)
	rec := Recommend(diffs)
	gr := GroupReport{
		DescriptionLink: desc.Link,
		ContextID:       group.ContextID,
		Instances:       group.Links(),
		Diffs:           diffs,
		Recommendation:  rec,
		Action:          ActionNone,
	}

	perField := make(map[string]int)
	for _, d := range diffs {
		perField[d.Field]++
	}
	for field, n := range perField {
		l.tel.Metrics.RecordDiffEntries(field, n)
	}

	if rec != engine.RecommendationRedeploy {
		return gr
	}

	logger := l.logger.With().
		Str("description", desc.Link).
		Str("context_id", group.ContextID).
		Int("diffs", len(diffs)).
		Logger()

	if l.inflight != nil {
		active, err := l.inflight.HasActive(ctx, engine.KindRedeployment, group.ContextID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to check running redeployments")
		} else if active {
			gr.Action = ActionInProgress
			l.tel.Metrics.RecordRedeploy(ActionInProgress)
			return gr
		}
	}

	if l.admitter != nil {
		adm, err := l.admitter.Admit(ctx, AdmissionRequest{
			Description:    desc,
			Group:          group,
			Diffs:          diffs,
			Recommendation: rec,
		})
		if err != nil {
			gr.Action, gr.Error = ActionFailed, err.Error()
			l.tel.Metrics.RecordRedeploy(ActionFailed)
			logger.Warn().Err(err).Msg("redeploy admission failed")
			return gr
		}
		if !adm.Allowed {
			gr.Action, gr.Reasons = ActionDenied, adm.Reasons
			l.tel.Metrics.RecordRedeploy(ActionDenied)
			_ = l.tel.Events.PublishRedeployDenied(desc.Link, group.ContextID, adm.Reasons)
			logger.Warn().Strs("reasons", adm.Reasons).Msg("redeploy denied")
			return gr
		}
	}

	_ = l.tel.Events.PublishRedeployRecommended(desc.Link, group.ContextID, len(diffs))
	if dryRun {
		gr.Action = ActionDryRun
		l.tel.Metrics.RecordRedeploy(ActionDryRun)
		return gr
	}

	link, err := l.broker.Submit(ctx, engine.SubmitRequest{
		Kind: engine.KindRedeployment,
		Payload: RedeployRequest{
			DescriptionLink: desc.Link,
			ContextID:       group.ContextID,
			ResourceLinks:   driftedLinks(group, diffs),
			DesiredCount:    desc.DesiredCount(),
			TenantLinks:     desc.TenantLinks,
		},
		ContextID:   group.ContextID,
		TenantLinks: desc.TenantLinks,
	})
	if err != nil {
		gr.Action, gr.Error = ActionFailed, err.Error()
		l.tel.Metrics.RecordRedeploy(ActionFailed)
		logger.Warn().Err(err).Msg("failed to dispatch redeployment")
		return gr
	}

	gr.Action, gr.TaskLink = ActionDispatched, link
	l.tel.Metrics.RecordRedeploy(ActionDispatched)
	logger.Info().Str("task", link).Msg("redeployment dispatched")
	return gr
}
