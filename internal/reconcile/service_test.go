package reconcile

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web-casa/dockerops/internal/errdefs"
	"github.com/web-casa/dockerops/internal/event"
	"github.com/web-casa/dockerops/internal/model"
	"github.com/web-casa/dockerops/internal/store"
)

// fakeSource serves fixed trees by URL, writing a fresh copy per Acquire.
type fakeSource struct {
	t        *testing.T
	mu       sync.Mutex
	trees    map[string]map[string]string
	acquired int
	released []string
}

func (f *fakeSource) Acquire(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.trees[url]
	if !ok {
		return "", &errdefs.FetchError{URL: url, Err: errors.New("repository not found")}
	}
	f.acquired++
	return writeTree(f.t, files), nil
}

func (f *fakeSource) Release(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, path)
	os.RemoveAll(path)
}

func stackTree(name, image string) map[string]string {
	return map[string]string{
		"stacks.yaml":                "- name: " + name + "\n",
		name + "/docker-compose.yml": "services:\n  app:\n    image: " + image + "\n",
	}
}

func newTestService(t *testing.T, scope model.ImageScope, trees map[string]map[string]string) (*Service, *harness, *fakeSource) {
	t.Helper()
	h := newHarness(t, Options{ImageScope: scope})
	src := &fakeSource{t: t, trees: trees}
	return NewService(h.engine, h.store, src, h.orch, testLogger()), h, src
}

func TestWatchRecordsSourceAfterSuccess(t *testing.T) {
	svc, h, src := newTestService(t, model.ScopeSource, map[string]map[string]string{
		"https://github.com/acme/infra": stackTree("web", "nginx:1.25"),
	})
	ctx := context.Background()

	require.NoError(t, svc.Watch(ctx, "github.com/acme/infra"))

	sources, err := h.store.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "https://github.com/acme/infra", sources[0].URL)
	assert.Equal(t, []string{"deploy web"}, h.orch.stackCalls())
	assert.Len(t, src.released, 1)
	assert.NoDirExists(t, src.released[0])

	err = svc.Watch(ctx, "https://github.com/acme/infra")
	assert.ErrorIs(t, err, store.ErrSourceExists)

	skipped, err := svc.WatchOrSkip(ctx, "github.com/acme/infra")
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Equal(t, 1, src.acquired)
}

func TestWatchFailureDoesNotRecordSource(t *testing.T) {
	svc, h, _ := newTestService(t, model.ScopeSource, map[string]map[string]string{
		"https://github.com/acme/broken": {"README.md": "no stacks here"},
	})
	ctx := context.Background()

	err := svc.Watch(ctx, "https://github.com/acme/broken")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	err = svc.Watch(ctx, "https://github.com/acme/missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsFetch(err))

	sources, err := h.store.ListSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestReconcileWithoutSources(t *testing.T) {
	svc, _, _ := newTestService(t, model.ScopeSource, nil)
	assert.ErrorIs(t, svc.Reconcile(context.Background(), false), ErrNoSources)
}

func TestReconcileContinuesPastFailingSource(t *testing.T) {
	trees := map[string]map[string]string{
		"https://example.com/a": stackTree("a", "A"),
		"https://example.com/b": stackTree("b", "B"),
	}
	svc, h, _ := newTestService(t, model.ScopeGlobal, trees)
	ctx := context.Background()
	require.NoError(t, svc.Watch(ctx, "https://example.com/a"))
	require.NoError(t, svc.Watch(ctx, "https://example.com/b"))

	// a breaks upstream
	trees["https://example.com/a"] = map[string]string{"stacks.yaml": "- name: a\n", "a/docker-compose.yml": "services: [\n"}
	h.orch.reset()

	err := svc.Reconcile(ctx, true)
	require.Error(t, err)
	assert.True(t, errdefs.IsParse(err))
	assert.Contains(t, err.Error(), "https://example.com/a")

	assert.Equal(t, []string{"stop b", "deploy b"}, h.orch.stackCalls())
	// a failed tree leaves counts incomplete, so nothing is collected
	for _, c := range h.orch.calls {
		assert.NotContains(t, c, "remove")
	}
}

func TestReconcileGlobalScopeKeepsImagesOfEveryTree(t *testing.T) {
	svc, h, _ := newTestService(t, model.ScopeGlobal, map[string]map[string]string{
		"https://example.com/a": stackTree("a", "X"),
		"https://example.com/b": stackTree("b", "Y"),
	})
	ctx := context.Background()
	require.NoError(t, svc.Watch(ctx, "https://example.com/a"))
	require.NoError(t, svc.Watch(ctx, "https://example.com/b"))
	before, err := h.store.ListSources(ctx)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, svc.Reconcile(ctx, false))

	assert.Equal(t, map[string]int{"X": 1, "Y": 1}, h.counts(t))
	for _, c := range h.orch.calls {
		assert.NotContains(t, c, "remove")
	}

	after, err := h.store.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, after, 2)
	for i := range after {
		assert.True(t, after[i].LastWatch.After(before[i].LastWatch), "source %s not touched", after[i].URL)
	}
}

func TestReconcilePublishesSourceEvents(t *testing.T) {
	svc, h, _ := newTestService(t, model.ScopeSource, map[string]map[string]string{
		"https://example.com/a": stackTree("a", "X"),
	})
	ctx := context.Background()
	require.NoError(t, svc.Watch(ctx, "https://example.com/a"))
	require.NoError(t, svc.Reconcile(ctx, false))

	var types []string
	for _, ev := range h.recorder.Recent(2) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{event.SourceReconciled, event.StackUnchanged}, types)
}

func TestTeardown(t *testing.T) {
	svc, h, _ := newTestService(t, model.ScopeSource, map[string]map[string]string{
		"https://example.com/a": stackTree("a", "X"),
	})
	ctx := context.Background()
	require.NoError(t, svc.Watch(ctx, "https://example.com/a"))
	h.orch.reset()

	require.NoError(t, svc.Teardown(ctx))
	assert.Equal(t, []string{"stop a", "remove X"}, h.orch.calls)

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.Sources)
	assert.Empty(t, status.Stacks)
	assert.Empty(t, status.Images)

	assert.ErrorIs(t, svc.Reconcile(ctx, false), ErrNoSources)
}

func TestStatus(t *testing.T) {
	svc, _, _ := newTestService(t, model.ScopeSource, map[string]map[string]string{
		"https://example.com/a": stackTree("a", "X"),
	})
	ctx := context.Background()
	require.NoError(t, svc.Watch(ctx, "https://example.com/a"))

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Stacks, 1)
	assert.Equal(t, model.StackDeployed, status.Stacks[0].Status)
	require.Len(t, status.Images, 1)
	assert.Equal(t, "X", status.Images[0].Name)
}

func TestTriggerCoalesces(t *testing.T) {
	svc, _, _ := newTestService(t, model.ScopeSource, nil)
	assert.True(t, svc.Trigger(false))
	assert.False(t, svc.Trigger(true), "second request is dropped while one is queued")
}

func TestRunDaemon(t *testing.T) {
	svc, h, src := newTestService(t, model.ScopeSource, map[string]map[string]string{
		"https://example.com/a": stackTree("a", "X"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- svc.RunDaemon(ctx, []string{"https://example.com/a", " ", "https://example.com/missing"}, time.Hour)
	}()

	// seeding watches a once, then the trigger forces a pass
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.acquired >= 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return svc.Trigger(true) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.acquired >= 2 && len(src.released) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	calls := h.orch.stackCalls()
	assert.Contains(t, calls, "stop a", "forced pass redeploys")
}
