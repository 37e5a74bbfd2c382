package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroker struct {
	mu       sync.Mutex
	requests []engine.SubmitRequest
	block    chan struct{}
	entered  chan struct{}
	err      error
}

func (b *recordingBroker) Submit(_ context.Context, req engine.SubmitRequest) (string, error) {
	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.block != nil {
		<-b.block
	}
	if b.err != nil {
		return "", b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	return "/tasks/redeployment/1", nil
}

func (b *recordingBroker) all() []engine.SubmitRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]engine.SubmitRequest(nil), b.requests...)
}

type admitterFunc func(ctx context.Context, req AdmissionRequest) (Admission, error)

func (f admitterFunc) Admit(ctx context.Context, req AdmissionRequest) (Admission, error) {
	return f(ctx, req)
}

type inFlightFunc func(ctx context.Context, kind, contextID string) (bool, error)

func (f inFlightFunc) HasActive(ctx context.Context, kind, contextID string) (bool, error) {
	return f(ctx, kind, contextID)
}

func seedInventory(t *testing.T) *Inventory {
	t.Helper()
	ctx := context.Background()
	inv := NewInventory(stores.NewMemoryStore())

	descs := []engine.ContainerDescription{
		{
			Link: "/resources/container-descriptions/web", Name: "web", Image: "nginx",
			Env: []string{"A=1"}, ClusterSize: 2,
			HealthConfig: &engine.HealthConfig{AutoRedeploy: true},
			TenantLinks:  []string{"/tenants/t1"},
		},
		{
			Link: "/resources/container-descriptions/manual", Name: "manual", Image: "nginx",
			Env: []string{"A=1"},
		},
		{
			Link: "/resources/container-descriptions/agent", Name: "agent", Image: "agent",
			Env: []string{"A=1"}, System: true,
			HealthConfig: &engine.HealthConfig{AutoRedeploy: true},
		},
	}
	for i := range descs {
		require.NoError(t, inv.SaveDescription(ctx, &descs[i]))
	}

	containers := []engine.Container{
		{Link: "/resources/containers/drifted", DescriptionLink: descs[0].Link, ContextID: "ctx-a",
			Env: []string{"A=2"}, PowerState: engine.PowerStateRunning},
		{Link: "/resources/containers/healthy", DescriptionLink: descs[0].Link, ContextID: "ctx-b",
			Env: []string{"A=1"}, PowerState: engine.PowerStateRunning},
		{Link: "/resources/containers/oob", DescriptionLink: descs[0].Link,
			Env: []string{"A=2"}, PowerState: engine.PowerStateError},
		{Link: "/resources/containers/manual", DescriptionLink: descs[1].Link, ContextID: "ctx-m",
			Env: []string{"A=2"}, PowerState: engine.PowerStateError},
		{Link: "/resources/containers/agent", DescriptionLink: descs[2].Link, ContextID: "ctx-s",
			Env: []string{"A=2"}, PowerState: engine.PowerStateError},
	}
	for i := range containers {
		require.NoError(t, inv.SaveContainer(ctx, &containers[i]))
	}
	return inv
}

func TestInventory_Descriptors(t *testing.T) {
	inv := seedInventory(t)
	descs, err := inv.Descriptors(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "/resources/container-descriptions/web", descs[0].Link)

	instances, err := inv.Instances(context.Background(), descs[0].Link, "ctx-a")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "/resources/containers/drifted", instances[0].Link)
}

func TestControlLoop_RunOnceDispatchesRedeploy(t *testing.T) {
	inv := seedInventory(t)
	require.NoError(t, inv.SaveContainer(context.Background(), &engine.Container{
		Link: "/resources/containers/steady", DescriptionLink: "/resources/container-descriptions/web",
		ContextID: "ctx-a", Env: []string{"A=1"}, PowerState: engine.PowerStateRunning,
	}))
	broker := &recordingBroker{}
	loop := NewControlLoop(inv, broker, LoopConfig{}, zerolog.Nop())

	report, err := loop.RunOnce(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Descriptors)
	require.Len(t, report.Groups, 2, "the out-of-band instance is not grouped")
	assert.Equal(t, 1, report.Redeploys)

	drifted := report.Groups[0]
	assert.Equal(t, "ctx-a", drifted.ContextID)
	assert.Equal(t, engine.RecommendationRedeploy, drifted.Recommendation)
	assert.Equal(t, ActionDispatched, drifted.Action)
	assert.Equal(t, "/tasks/redeployment/1", drifted.TaskLink)
	assert.ElementsMatch(t, []string{"/resources/containers/drifted", "/resources/containers/steady"}, drifted.Instances)
	require.Len(t, drifted.Diffs, 1)
	assert.Equal(t, FieldEnv, drifted.Diffs[0].Field)

	assert.Equal(t, engine.RecommendationNone, report.Groups[1].Recommendation)
	assert.Equal(t, ActionNone, report.Groups[1].Action)

	reqs := broker.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, engine.KindRedeployment, reqs[0].Kind)
	assert.Equal(t, "ctx-a", reqs[0].ContextID)

	raw, err := json.Marshal(reqs[0].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"descriptionLink": "/resources/container-descriptions/web",
		"contextId": "ctx-a",
		"resourceLinks": ["/resources/containers/drifted"],
		"desiredCount": 2,
		"tenantLinks": ["/tenants/t1"]
	}`, string(raw))

	assert.Same(t, report, loop.LastReport())
}

func TestControlLoop_DryRun(t *testing.T) {
	broker := &recordingBroker{}
	loop := NewControlLoop(seedInventory(t), broker, LoopConfig{}, zerolog.Nop())

	report, err := loop.RunOnce(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, ActionDryRun, report.Groups[0].Action)
	assert.Equal(t, 0, report.Redeploys)
	assert.Empty(t, broker.all())
}

func TestControlLoop_AdmissionDenied(t *testing.T) {
	broker := &recordingBroker{}
	var seen AdmissionRequest
	loop := NewControlLoop(seedInventory(t), broker, LoopConfig{}, zerolog.Nop(),
		WithAdmitter(admitterFunc(func(_ context.Context, req AdmissionRequest) (Admission, error) {
			seen = req
			return Admission{Allowed: false, Reasons: []string{"change freeze"}}, nil
		})))

	report, err := loop.RunOnce(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, ActionDenied, report.Groups[0].Action)
	assert.Equal(t, []string{"change freeze"}, report.Groups[0].Reasons)
	assert.Equal(t, "ctx-a", seen.Group.ContextID)
	assert.Empty(t, broker.all())
}

func TestControlLoop_SkipsGroupsWithRunningRedeploy(t *testing.T) {
	broker := &recordingBroker{}
	loop := NewControlLoop(seedInventory(t), broker, LoopConfig{}, zerolog.Nop(),
		WithInFlight(inFlightFunc(func(_ context.Context, kind, contextID string) (bool, error) {
			return kind == engine.KindRedeployment && contextID == "ctx-a", nil
		})))

	report, err := loop.RunOnce(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, ActionInProgress, report.Groups[0].Action)
	assert.Empty(t, broker.all())
}

func TestControlLoop_DispatchFailureIsReported(t *testing.T) {
	broker := &recordingBroker{err: errors.New("store down")}
	loop := NewControlLoop(seedInventory(t), broker, LoopConfig{}, zerolog.Nop())

	report, err := loop.RunOnce(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, ActionFailed, report.Groups[0].Action)
	assert.Contains(t, report.Groups[0].Error, "store down")
}

// A pass requested while another runs is rejected, not queued.
func TestControlLoop_ReentrancyGuard(t *testing.T) {
	broker := &recordingBroker{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	loop := NewControlLoop(seedInventory(t), broker, LoopConfig{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := loop.RunOnce(context.Background(), false)
		done <- err
	}()

	select {
	case <-broker.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first pass never reached the broker")
	}

	_, err := loop.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrPassInFlight)

	close(broker.block)
	require.NoError(t, <-done)

	_, err = loop.Trigger(context.Background())
	assert.NoError(t, err, "guard is released after the pass")
}

func TestControlLoop_StartOncePerProcess(t *testing.T) {
	inv := NewInventory(stores.NewMemoryStore())
	first := NewControlLoop(inv, &recordingBroker{}, LoopConfig{Schedule: "@every 1h"}, zerolog.Nop())
	second := NewControlLoop(inv, &recordingBroker{}, LoopConfig{Schedule: "@every 1h"}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, first.Start(ctx))
	assert.ErrorIs(t, second.Start(ctx), ErrLoopRunning)

	first.Stop()
	require.NoError(t, second.Start(ctx))
	second.Stop()

	bad := NewControlLoop(inv, &recordingBroker{}, LoopConfig{Schedule: "every now and then"}, zerolog.Nop())
	assert.Error(t, bad.Start(ctx))
}

func TestControlLoop_StopReleasesWatcher(t *testing.T) {
	loop := NewControlLoop(NewInventory(stores.NewMemoryStore()), &recordingBroker{},
		LoopConfig{Schedule: "@every 1h"}, zerolog.Nop())

	// The context outlives the loop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, loop.Start(ctx))
	loop.Stop()
	loop.Stop()

	exited := make(chan struct{})
	go func() {
		loop.watch.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher goroutine still running after Stop")
	}

	require.NoError(t, loop.Start(ctx), "a stopped loop can be started again")
	cancel()
	loop.watch.Wait()
	loop.mu.Lock()
	defer loop.mu.Unlock()
	assert.Nil(t, loop.cron, "cancelling ctx stops the loop")
}

func TestDriftedLinks(t *testing.T) {
	desc := &engine.ContainerDescription{Env: []string{"A=1"}}
	group := Group{ContextID: "ctx", Instances: []engine.Container{
		{Link: "/c/z", Env: []string{"A=2"}, PowerState: engine.PowerStateError},
		{Link: "/c/ok", Env: []string{"A=1"}, PowerState: engine.PowerStateRunning},
		{Link: "/c/a", Env: []string{"A=1"}, PowerState: engine.PowerStateError},
	}}

	diffs := Diff(desc, group)
	require.Len(t, diffs, 3)
	assert.Equal(t, []string{"/c/z", "/c/a"}, driftedLinks(group, diffs))
	assert.Nil(t, driftedLinks(group, nil))
}
