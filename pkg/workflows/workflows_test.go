package workflows

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/harbormaster/pkg/adapter"
	"github.com/openfroyo/harbormaster/pkg/barrier"
	"github.com/openfroyo/harbormaster/pkg/callback"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/openfroyo/harbormaster/pkg/task"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const descLink = "/resources/container-descriptions/web"

type countingAdapter struct {
	engine.Adapter
	mu       sync.Mutex
	requests []engine.AdapterRequest
}

func (a *countingAdapter) Invoke(ctx context.Context, req engine.AdapterRequest) error {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	return a.Adapter.Invoke(ctx, req)
}

func (a *countingAdapter) count(op engine.ResourceOperation) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.requests {
		if r.Operation == op {
			n++
		}
	}
	return n
}

type env struct {
	store   *stores.MemoryStore
	inv     *reconcile.Inventory
	host    *task.Host
	adapter *countingAdapter
}

func newEnv(t *testing.T, opts ...adapter.Option) *env {
	t.Helper()
	logger := zerolog.Nop()
	store := stores.NewMemoryStore()
	router := callback.NewRouter()
	notifier := callback.NewNotifier(router, logger)
	barriers := barrier.NewService(store, notifier, logger)
	host := task.NewHost(store, notifier, barriers, task.Options{Logger: logger})
	router.Handle(engine.FactoryTasks, host)
	router.Handle(engine.FactoryBarriers, barriers)

	sim := adapter.NewSimulated(store, notifier, logger, opts...)
	counting := &countingAdapter{Adapter: sim}
	require.NoError(t, Register(host, Deps{Store: store, Adapter: counting}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = host.Close(ctx)
		sim.Close()
		notifier.Wait()
	})

	e := &env{store: store, inv: reconcile.NewInventory(store), host: host, adapter: counting}
	e.describe(t, engine.ContainerDescription{
		Link:        descLink,
		Name:        "web",
		Image:       "nginx",
		Env:         []string{"A=1"},
		ClusterSize: 2,
	})
	return e
}

func (e *env) describe(t *testing.T, d engine.ContainerDescription) {
	t.Helper()
	require.NoError(t, e.inv.SaveDescription(context.Background(), &d))
}

func (e *env) seed(t *testing.T, contextID string, states ...engine.PowerState) []string {
	t.Helper()
	var links []string
	for i, s := range states {
		c := engine.Container{
			Link:            engine.BuildLink(engine.FactoryContainers, contextID+"-"+string(rune('a'+i))),
			ID:              "rt-" + string(rune('a'+i)),
			DescriptionLink: descLink,
			ContextID:       contextID,
			Env:             []string{"A=1"},
			PowerState:      s,
		}
		require.NoError(t, e.inv.SaveContainer(context.Background(), &c))
		links = append(links, c.Link)
	}
	return links
}

func (e *env) run(t *testing.T, kind string, payload interface{}, contextID string) *task.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	link, err := e.host.Start(ctx, engine.SubmitRequest{Kind: kind, Payload: payload, ContextID: contextID})
	require.NoError(t, err)
	rec, err := e.host.Await(ctx, link)
	require.NoError(t, err)
	return rec
}

func (e *env) instances(t *testing.T, contextID string) []engine.Container {
	t.Helper()
	out, err := e.inv.Instances(context.Background(), descLink, contextID)
	require.NoError(t, err)
	return out
}

func links(cs []engine.Container) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Link)
	}
	sort.Strings(out)
	return out
}

// Two healthy instances scaled to five: three provisioned, none removed.
func TestClustering_ScaleUp(t *testing.T) {
	e := newEnv(t)
	existing := e.seed(t, "ctx", engine.PowerStateRunning, engine.PowerStateRunning)

	rec := e.run(t, engine.KindClustering, ClusteringRequest{
		DescriptionLink: descLink,
		ResourceCount:   5,
		ContextID:       "ctx",
	}, "ctx")
	require.Equal(t, engine.StageFinished, rec.Stage, "failure: %+v", rec.Failure)

	instances := e.instances(t, "ctx")
	require.Len(t, instances, 5)
	for _, c := range instances {
		assert.Equal(t, engine.PowerStateRunning, c.PowerState, c.Link)
		assert.Equal(t, []string{"A=1"}, c.Env)
	}
	assert.Equal(t, 3, e.adapter.count(engine.OperationCreate))
	assert.Zero(t, e.adapter.count(engine.OperationDelete))

	var p ClusteringRequest
	require.NoError(t, rec.Decode(&p))
	assert.ElementsMatch(t, links(instances), p.ResourceLinks)
	assert.Subset(t, p.ResourceLinks, existing)
}

// Two healthy and three error instances scaled to three: the two surplus
// instances both come from the error set.
func TestClustering_ScaleDownRemovesErrorInstances(t *testing.T) {
	e := newEnv(t)
	seeded := e.seed(t, "ctx",
		engine.PowerStateError, engine.PowerStateRunning, engine.PowerStateError,
		engine.PowerStateRunning, engine.PowerStateError)

	rec := e.run(t, engine.KindClustering, ClusteringRequest{
		DescriptionLink: descLink,
		ResourceCount:   3,
		ContextID:       "ctx",
	}, "ctx")
	require.Equal(t, engine.StageFinished, rec.Stage, "failure: %+v", rec.Failure)

	remaining := e.instances(t, "ctx")
	require.Len(t, remaining, 3)
	assert.Equal(t, []string{seeded[0], seeded[1], seeded[3]}, links(remaining))
	assert.Equal(t, 2, e.adapter.count(engine.OperationDelete))
	assert.Zero(t, e.adapter.count(engine.OperationCreate))
}

func TestClustering_AlreadyAtSize(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "ctx", engine.PowerStateRunning, engine.PowerStateStopped)

	rec := e.run(t, engine.KindClustering, ClusteringRequest{
		DescriptionLink: descLink,
		ResourceCount:   2,
		ContextID:       "ctx",
	}, "ctx")
	assert.Equal(t, engine.StageFinished, rec.Stage)
	assert.Empty(t, e.adapter.requests)

	children, err := stores.Collect(context.Background(), e.store.Query(stores.Query{Kind: task.DocumentKind(engine.KindProvisioning)}))
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestClustering_PlacementLinkIsInherited(t *testing.T) {
	e := newEnv(t)
	c := engine.Container{
		Link:            "/resources/containers/placed",
		ID:              "rt-1",
		DescriptionLink: descLink,
		ContextID:       "ctx",
		PowerState:      engine.PowerStateRunning,
		PlacementLink:   "/resources/group-placements/p1",
	}
	require.NoError(t, e.inv.SaveContainer(context.Background(), &c))

	rec := e.run(t, engine.KindClustering, ClusteringRequest{DescriptionLink: descLink, ResourceCount: 3, ContextID: "ctx"}, "ctx")
	require.Equal(t, engine.StageFinished, rec.Stage)

	for _, inst := range e.instances(t, "ctx") {
		assert.Equal(t, "/resources/group-placements/p1", inst.PlacementLink, inst.Link)
	}
}

func TestClustering_Validation(t *testing.T) {
	e := newEnv(t)
	e.describe(t, engine.ContainerDescription{
		Link: "/resources/container-descriptions/agent", Name: "agent", Image: "agent", System: true,
	})

	tests := []struct {
		name    string
		payload ClusteringRequest
		code    string
	}{
		{name: "missing description link", payload: ClusteringRequest{ResourceCount: 1}, code: engine.ErrCodeValidation},
		{name: "zero count", payload: ClusteringRequest{DescriptionLink: descLink}, code: engine.ErrCodeValidation},
		{name: "unknown description", payload: ClusteringRequest{DescriptionLink: "/resources/container-descriptions/nope", ResourceCount: 1}, code: engine.ErrCodeValidation},
		{name: "system description", payload: ClusteringRequest{DescriptionLink: "/resources/container-descriptions/agent", ResourceCount: 1}, code: engine.ErrCodeDay2Unsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.host.Start(context.Background(), engine.SubmitRequest{Kind: engine.KindClustering, Payload: tt.payload})
			require.Error(t, err)
			assert.True(t, engine.IsValidation(err))
			var ee *engine.Error
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tt.code, ee.Code)
		})
	}

	n := e.store.Len()
	_, err := e.host.Start(context.Background(), engine.SubmitRequest{Kind: engine.KindClustering, Payload: ClusteringRequest{}})
	require.Error(t, err)
	assert.Equal(t, n, e.store.Len(), "nothing is persisted for a rejected request")
}

func TestClustering_SystemInstanceIsDay2Unsupported(t *testing.T) {
	e := newEnv(t)
	c := engine.Container{
		Link: "/resources/containers/sys", ID: "rt", DescriptionLink: descLink, ContextID: "ctx",
		PowerState: engine.PowerStateRunning, System: true,
	}
	require.NoError(t, e.inv.SaveContainer(context.Background(), &c))

	rec := e.run(t, engine.KindClustering, ClusteringRequest{DescriptionLink: descLink, ResourceCount: 2, ContextID: "ctx"}, "ctx")
	assert.Equal(t, engine.StageFailed, rec.Stage)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, engine.ErrCodeDay2Unsupported, rec.Failure.Code)
}

// A failed adapter create fails provisioning at its barrier and the failure
// reaches the clustering task.
func TestClustering_ProvisioningFailurePropagates(t *testing.T) {
	e := newEnv(t, adapter.WithFailures(func(req engine.AdapterRequest) error {
		if req.Operation == engine.OperationCreate {
			return errors.New("no capacity")
		}
		return nil
	}))

	rec := e.run(t, engine.KindClustering, ClusteringRequest{DescriptionLink: descLink, ResourceCount: 2, ContextID: "ctx"}, "ctx")
	assert.Equal(t, engine.StageFailed, rec.Stage)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, engine.ErrCodeSubtaskFailed, rec.Failure.Code)
	assert.Contains(t, rec.Failure.Message, "2 of 2 operations failed")
	assert.Contains(t, rec.Failure.Message, "no capacity")

	for _, c := range e.instances(t, "ctx") {
		assert.Equal(t, engine.PowerStateError, c.PowerState)
	}
}

func TestRemoval_AbsorbsMissingAllocatedAndSystem(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	containers := []engine.Container{
		{Link: "/resources/containers/running", ID: "rt-1", DescriptionLink: descLink, PowerState: engine.PowerStateRunning},
		{Link: "/resources/containers/allocated", DescriptionLink: descLink, PowerState: engine.PowerStateProvisioning},
		{Link: "/resources/containers/system", ID: "rt-2", DescriptionLink: descLink, PowerState: engine.PowerStateRunning, System: true},
	}
	for i := range containers {
		require.NoError(t, e.inv.SaveContainer(ctx, &containers[i]))
	}

	rec := e.run(t, engine.KindRemoval, RemovalRequest{ResourceLinks: []string{
		"/resources/containers/running",
		"/resources/containers/allocated",
		"/resources/containers/system",
		"/resources/containers/missing",
	}}, "")
	require.Equal(t, engine.StageFinished, rec.Stage, "failure: %+v", rec.Failure)
	assert.Equal(t, 1, e.adapter.count(engine.OperationDelete))

	_, err := e.store.Get(ctx, "/resources/containers/running")
	assert.True(t, engine.IsNotFound(err))
	_, err = e.store.Get(ctx, "/resources/containers/allocated")
	assert.True(t, engine.IsNotFound(err))
	_, err = e.store.Get(ctx, "/resources/containers/system")
	assert.NoError(t, err)
}

func TestRemoval_OnlyAbsorbedContainersSkipsFanOut(t *testing.T) {
	e := newEnv(t)
	rec := e.run(t, engine.KindRemoval, RemovalRequest{ResourceLinks: []string{"/resources/containers/missing"}}, "")
	assert.Equal(t, engine.StageFinished, rec.Stage)
	assert.Zero(t, e.adapter.count(engine.OperationDelete))
}

func TestRemoval_RequiresLinks(t *testing.T) {
	e := newEnv(t)
	_, err := e.host.Start(context.Background(), engine.SubmitRequest{Kind: engine.KindRemoval, Payload: RemovalRequest{}})
	assert.True(t, engine.IsValidation(err))
}

// A drifted group is replaced by fresh instances in the same context.
func TestRedeployment_ReplacesGroup(t *testing.T) {
	e := newEnv(t)
	old := e.seed(t, "ctx", engine.PowerStateRunning, engine.PowerStateError)

	rec := e.run(t, engine.KindRedeployment, RedeploymentRequest{
		DescriptionLink: descLink,
		ContextID:       "ctx",
		ResourceLinks:   old,
		DesiredCount:    2,
	}, "ctx")
	require.Equal(t, engine.StageFinished, rec.Stage, "failure: %+v", rec.Failure)

	fresh := e.instances(t, "ctx")
	require.Len(t, fresh, 2)
	for _, c := range fresh {
		assert.NotContains(t, old, c.Link)
		assert.Equal(t, engine.PowerStateRunning, c.PowerState)
	}
	assert.Equal(t, 2, e.adapter.count(engine.OperationDelete))
	assert.Equal(t, 2, e.adapter.count(engine.OperationCreate))
}

func TestRedeployment_DefaultsDesiredCount(t *testing.T) {
	e := newEnv(t)
	rec := e.run(t, engine.KindRedeployment, RedeploymentRequest{DescriptionLink: descLink, ContextID: "ctx"}, "ctx")
	require.Equal(t, engine.StageFinished, rec.Stage)

	var p RedeploymentRequest
	require.NoError(t, rec.Decode(&p))
	assert.Equal(t, 1, p.DesiredCount)
	assert.Len(t, e.instances(t, "ctx"), 1)
}
