package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/harbormaster/pkg/callback"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parent = "/parents/p1"

type fixture struct {
	store    *stores.MemoryStore
	notifier *callback.Notifier
	patches  chan engine.TaskPatch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: stores.NewMemoryStore(), patches: make(chan engine.TaskPatch, 8)}
	router := callback.NewRouter()
	router.Handle("/parents", callback.PatcherFunc(func(_ context.Context, _ string, p engine.TaskPatch) error {
		f.patches <- p
		return nil
	}))
	f.notifier = callback.NewNotifier(router, zerolog.Nop())
	return f
}

func (f *fixture) container(t *testing.T, c engine.Container) {
	t.Helper()
	doc, err := stores.NewDocument(c.Link, engine.DocumentKindContainer, c)
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), doc))
}

func (f *fixture) get(t *testing.T, link string) *engine.Container {
	t.Helper()
	c, err := stores.GetAs[engine.Container](context.Background(), f.store, link)
	require.NoError(t, err)
	return c
}

func (f *fixture) next(t *testing.T) engine.TaskPatch {
	t.Helper()
	select {
	case p := <-f.patches:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no callback delivered")
		return engine.TaskPatch{}
	}
}

func request(link string, op engine.ResourceOperation) engine.AdapterRequest {
	return engine.AdapterRequest{
		ResourceLink: link,
		Operation:    op,
		Callback:     engine.NewCallback(parent, "DONE", engine.SubStageError),
	}
}

func TestSimulated_CreateRecordsRunningState(t *testing.T) {
	f := newFixture(t)
	f.container(t, engine.Container{Link: "/resources/containers/c1", PowerState: engine.PowerStateProvisioning})

	sim := NewSimulated(f.store, f.notifier, zerolog.Nop(), WithLatency(time.Millisecond))
	require.NoError(t, sim.Invoke(context.Background(), request("/resources/containers/c1", engine.OperationCreate)))

	p := f.next(t)
	assert.Equal(t, engine.SubStage("DONE"), p.SubStage)
	assert.Equal(t, "/resources/containers/c1", p.Source)
	assert.Nil(t, p.Failure)

	c := f.get(t, "/resources/containers/c1")
	assert.Equal(t, engine.PowerStateRunning, c.PowerState)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, SimulatedHostLink, c.HostLink)
}

func TestSimulated_InjectedFailure(t *testing.T) {
	f := newFixture(t)
	f.container(t, engine.Container{Link: "/resources/containers/c1", PowerState: engine.PowerStateProvisioning})

	sim := NewSimulated(f.store, f.notifier, zerolog.Nop(), WithFailures(func(engine.AdapterRequest) error {
		return errors.New("host unreachable")
	}))
	require.NoError(t, sim.Invoke(context.Background(), request("/resources/containers/c1", engine.OperationCreate)))

	p := f.next(t)
	assert.Equal(t, engine.SubStageError, p.SubStage)
	require.NotNil(t, p.Failure)
	assert.Contains(t, p.Failure.Message, "host unreachable")

	sim.Wait()
	assert.Equal(t, engine.PowerStateError, f.get(t, "/resources/containers/c1").PowerState)
}

func TestSimulated_DeleteOfMissingContainerSucceeds(t *testing.T) {
	f := newFixture(t)
	sim := NewSimulated(f.store, f.notifier, zerolog.Nop())

	require.NoError(t, sim.Invoke(context.Background(), request("/resources/containers/gone", engine.OperationDelete)))
	p := f.next(t)
	assert.Nil(t, p.Failure)

	require.NoError(t, sim.Invoke(context.Background(), request("/resources/containers/gone", engine.OperationStart)))
	p = f.next(t)
	assert.NotNil(t, p.Failure, "only destructive operations absorb a missing container")
}

func TestSimulated_RejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	sim := NewSimulated(f.store, f.notifier, zerolog.Nop())

	err := sim.Invoke(context.Background(), request("", engine.OperationCreate))
	assert.True(t, engine.IsValidation(err))

	err = sim.Invoke(context.Background(), request("/resources/containers/c1", "reboot"))
	assert.True(t, engine.IsValidation(err))

	sim.Close()
	err = sim.Invoke(context.Background(), request("/resources/containers/c1", engine.OperationCreate))
	assert.True(t, engine.IsCollaborator(err))
}

type mockExecutor struct {
	mu       sync.Mutex
	commands []string
	stdout   string
	stderr   string
	err      error
}

func (m *mockExecutor) ExecuteCommand(_ context.Context, cmd string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	return m.stdout, m.stderr, m.err
}

func TestDocker_Create(t *testing.T) {
	f := newFixture(t)
	f.container(t, engine.Container{
		Link:       "/resources/containers/c1",
		Names:      []string{"web-1"},
		Image:      "nginx:1.27",
		Env:        []string{"B=it's", "A=1"},
		ContextID:  "ctx",
		PowerState: engine.PowerStateProvisioning,
	})

	exec := &mockExecutor{stdout: "4f2a9c\n"}
	d := NewDocker(exec, "/resources/hosts/h1", f.store, f.notifier, zerolog.Nop())
	require.NoError(t, d.Invoke(context.Background(), request("/resources/containers/c1", engine.OperationCreate)))
	assert.Nil(t, f.next(t).Failure)

	require.Len(t, exec.commands, 1)
	assert.Equal(t,
		`docker run -d --name 'web-1' -e 'A=1' -e 'B=it'\''s' --label 'harbormaster.link=/resources/containers/c1' --label 'harbormaster.context=ctx' 'nginx:1.27'`,
		exec.commands[0])

	c := f.get(t, "/resources/containers/c1")
	assert.Equal(t, "4f2a9c", c.ID)
	assert.Equal(t, "/resources/hosts/h1", c.HostLink)
	assert.Equal(t, engine.PowerStateRunning, c.PowerState)
}

func TestDocker_FailureCarriesStderr(t *testing.T) {
	f := newFixture(t)
	f.container(t, engine.Container{Link: "/resources/containers/c1", ID: "abc", PowerState: engine.PowerStateRunning})

	exec := &mockExecutor{err: errors.New("exit status 1"), stderr: "No such container: abc"}
	d := NewDocker(exec, "/resources/hosts/h1", f.store, f.notifier, zerolog.Nop())
	require.NoError(t, d.Invoke(context.Background(), request("/resources/containers/c1", engine.OperationStop)))

	p := f.next(t)
	require.NotNil(t, p.Failure)
	assert.Contains(t, p.Failure.Message, "No such container")
	assert.Equal(t, []string{"docker stop 'abc'"}, exec.commands)
}

func TestDocker_DeleteOfUnprovisionedContainer(t *testing.T) {
	f := newFixture(t)
	f.container(t, engine.Container{Link: "/resources/containers/c1", PowerState: engine.PowerStateProvisioning})

	exec := &mockExecutor{}
	d := NewDocker(exec, "/resources/hosts/h1", f.store, f.notifier, zerolog.Nop())
	require.NoError(t, d.Invoke(context.Background(), request("/resources/containers/c1", engine.OperationDelete)))

	assert.Nil(t, f.next(t).Failure)
	assert.Empty(t, exec.commands)
	d.Wait()
	assert.Equal(t, engine.PowerStateRetired, f.get(t, "/resources/containers/c1").PowerState)
}
