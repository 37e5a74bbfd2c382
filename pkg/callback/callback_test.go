package callback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPatcher records every patch it receives.
type recordingPatcher struct {
	mu      sync.Mutex
	links   []string
	patches []engine.TaskPatch
	err     error
}

func (r *recordingPatcher) Patch(_ context.Context, link string, patch engine.TaskPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links = append(r.links, link)
	r.patches = append(r.patches, patch)
	return r.err
}

func (r *recordingPatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.patches)
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestResponse_Success(t *testing.T) {
	cb := engine.NewCallback("/tasks/clustering/1", "COMPLETED", engine.SubStageError)
	patch, err := Response(cb, Outcome{
		Source:           "/tasks/provisioning/2",
		Payload:          map[string][]string{"resourceLinks": {"/resources/containers/a"}},
		CustomProperties: map[string]string{"zone": "eu"},
	})
	require.NoError(t, err)

	assert.Equal(t, engine.StageStarted, patch.Stage)
	assert.Equal(t, engine.SubStage("COMPLETED"), patch.SubStage)
	assert.Nil(t, patch.Failure)
	assert.Equal(t, "/tasks/provisioning/2", patch.Source)
	assert.JSONEq(t, `{"resourceLinks":["/resources/containers/a"]}`, string(patch.Payload))
	assert.Equal(t, "eu", patch.CustomProperties["zone"])
	assert.False(t, patch.IsFailure())
}

func TestResponse_Failure(t *testing.T) {
	cb := engine.NewCallback("/tasks/clustering/1", "COMPLETED", engine.SubStageError)
	patch, err := Response(cb, Failed("/tasks/removal/3", engine.NewAggregateError("1 of 2 removals failed")))
	require.NoError(t, err)

	assert.Equal(t, engine.SubStageError, patch.SubStage)
	require.NotNil(t, patch.Failure)
	assert.Equal(t, engine.ErrCodeSubtaskFailed, patch.Failure.Code)
	assert.True(t, patch.IsFailure())
}

func TestResponse_BadPayload(t *testing.T) {
	_, err := Response(engine.Callback{TaskLink: "/tasks/x"}, Outcome{Payload: make(chan int)})
	assert.Error(t, err)
}

func TestRouter_LongestPrefix(t *testing.T) {
	tasks := &recordingPatcher{}
	removal := &recordingPatcher{}

	r := NewRouter()
	r.Handle("/tasks", tasks)
	r.Handle("/tasks/removal/", removal)

	ctx := context.Background()
	require.NoError(t, r.Patch(ctx, "/tasks/removal/1", engine.TaskPatch{}))
	require.NoError(t, r.Patch(ctx, "/tasks/clustering/1", engine.TaskPatch{}))

	assert.Equal(t, 1, removal.count())
	assert.Equal(t, 1, tasks.count())
}

func TestRouter_NoRoute(t *testing.T) {
	r := NewRouter()
	r.Handle("/tasks/", &recordingPatcher{})

	err := r.Patch(context.Background(), "/barriers/1", engine.TaskPatch{})
	assert.True(t, engine.IsNotFound(err))

	// A prefix must match a whole path segment.
	err = r.Patch(context.Background(), "/tasksx/1", engine.TaskPatch{})
	assert.True(t, engine.IsNotFound(err))
}

func TestNotifier_Delivers(t *testing.T) {
	p := &recordingPatcher{}
	n := NewNotifier(p, testLogger())

	cb := engine.NewCallback("/tasks/parent", "DONE", engine.SubStageError)
	n.Notify(context.Background(), cb, Success("/tasks/child", nil))
	n.Wait()

	require.Equal(t, 1, p.count())
	assert.Equal(t, "/tasks/parent", p.links[0])
	assert.Equal(t, engine.SubStage("DONE"), p.patches[0].SubStage)
}

func TestNotifier_EmptyCallbackIgnored(t *testing.T) {
	p := &recordingPatcher{}
	n := NewNotifier(p, testLogger())

	n.Notify(context.Background(), engine.Callback{}, Success("/tasks/child", nil))
	n.Wait()
	assert.Equal(t, 0, p.count())
}

func TestNotifier_DeliveryFailureIsAbsorbed(t *testing.T) {
	p := &recordingPatcher{err: errors.New("parent gone")}
	n := NewNotifier(p, testLogger())

	cb := engine.NewCallback("/tasks/parent", "DONE", engine.SubStageError)
	n.Notify(context.Background(), cb, Failed("/tasks/child", errors.New("boom")))
	n.Wait()

	require.Equal(t, 1, p.count())
	assert.Equal(t, engine.SubStageError, p.patches[0].SubStage)
	assert.Equal(t, engine.ErrCodeInternal, p.patches[0].Failure.Code)
}

func TestNotifier_OutlivesCancelledContext(t *testing.T) {
	received := make(chan error, 1)
	p := PatcherFunc(func(ctx context.Context, _ string, _ engine.TaskPatch) error {
		received <- ctx.Err()
		return nil
	})
	n := NewNotifier(p, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Send(ctx, "/tasks/parent", engine.TaskPatch{Stage: engine.StageStarted})
	n.Wait()

	assert.NoError(t, <-received)
}
