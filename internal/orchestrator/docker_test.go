package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web-casa/dockerops/internal/errdefs"
	"github.com/web-casa/dockerops/internal/model"
)

type fakeImageAPI struct {
	tags      []string
	configs   map[string]*container.Config
	pullBody  string
	pullErr   error
	removeErr error

	pulled  []string
	removed []string
	filters []string
}

func (f *fakeImageAPI) ImageList(_ context.Context, opts image.ListOptions) ([]image.Summary, error) {
	f.filters = append(f.filters, opts.Filters.Get("reference")...)
	var out []image.Summary
	for _, tag := range f.tags {
		out = append(out, image.Summary{RepoTags: []string{tag}})
	}
	return out, nil
}

func (f *fakeImageAPI) ImageInspectWithRaw(_ context.Context, id string) (types.ImageInspect, []byte, error) {
	cfg, ok := f.configs[id]
	if !ok {
		return types.ImageInspect{}, nil, dockererrdefs.NotFound(errors.New("No such image: " + id))
	}
	return types.ImageInspect{ID: "sha256:" + id, Config: cfg}, nil, nil
}

func (f *fakeImageAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(f.pullBody)), nil
}

func (f *fakeImageAPI) ImageRemove(_ context.Context, id string, _ image.RemoveOptions) ([]image.DeleteResponse, error) {
	if f.removeErr != nil {
		return nil, f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil, nil
}

func (f *fakeImageAPI) Close() error { return nil }

type call struct {
	dir  string
	env  []string
	args []string
}

func newTestDocker(api imageAPI, output string, runErr error, calls *[]call) *Docker {
	return &Docker{
		api:    api,
		host:   "unix:///var/run/docker.sock",
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		run: func(_ context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
			*calls = append(*calls, call{dir: dir, env: env, args: append([]string{name}, args...)})
			return []byte(output), runErr
		},
	}
}

func TestImageExistsNormalizesTag(t *testing.T) {
	api := &fakeImageAPI{tags: []string{"nginx:latest", "ghcr.io/acme/app:1.0"}}
	d := newTestDocker(api, "", nil, &[]call{})
	ctx := context.Background()

	ok, err := d.ImageExists(ctx, "nginx")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.ImageExists(ctx, "ghcr.io/acme/app:1.0")
	require.NoError(t, err)
	assert.True(t, ok)

	api.tags = nil
	ok, err = d.ImageExists(ctx, "redis:7")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"nginx:latest", "ghcr.io/acme/app:1.0", "redis:7"}, api.filters)
}

func TestImageExistsRejectsInvalidReference(t *testing.T) {
	d := newTestDocker(&fakeImageAPI{}, "", nil, &[]call{})
	_, err := d.ImageExists(context.Background(), "UPPER/Case")
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestrator(err))
}

func TestInspectImage(t *testing.T) {
	api := &fakeImageAPI{configs: map[string]*container.Config{
		"postgres:16":    {Entrypoint: []string{"docker-entrypoint.sh"}, Cmd: []string{"postgres"}},
		"nginx:latest":   {Cmd: []string{"nginx", "-g", "daemon off;"}},
		"scratch:latest": nil,
	}}
	d := newTestDocker(api, "", nil, &[]call{})
	ctx := context.Background()

	cfg, err := d.InspectImage(ctx, "postgres:16")
	require.NoError(t, err)
	assert.Equal(t, []string{"docker-entrypoint.sh"}, cfg.Entrypoint)
	assert.Equal(t, []string{"postgres"}, cfg.Cmd)

	cfg, err = d.InspectImage(ctx, "nginx")
	require.NoError(t, err)
	assert.Empty(t, cfg.Entrypoint)
	assert.Equal(t, []string{"nginx", "-g", "daemon off;"}, cfg.Cmd)

	cfg, err = d.InspectImage(ctx, "scratch")
	require.NoError(t, err)
	assert.Empty(t, cfg.Entrypoint)
	assert.Empty(t, cfg.Cmd)

	_, err = d.InspectImage(ctx, "redis:7")
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestrator(err))
}

func TestPullImage(t *testing.T) {
	api := &fakeImageAPI{pullBody: `{"status":"Pulling from library/nginx"}` + "\n" + `{"status":"Done"}` + "\n"}
	d := newTestDocker(api, "", nil, &[]call{})

	require.NoError(t, d.PullImage(context.Background(), "nginx:1.25"))
	assert.Equal(t, []string{"docker.io/library/nginx:1.25"}, api.pulled)
}

func TestPullImageStreamError(t *testing.T) {
	api := &fakeImageAPI{pullBody: `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}` + "\n"}
	d := newTestDocker(api, "", nil, &[]call{})

	err := d.PullImage(context.Background(), "nginx:0.0.0")
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestrator(err))
	assert.Contains(t, err.Error(), "manifest unknown")
}

func TestRemoveImageToleratesNotFound(t *testing.T) {
	api := &fakeImageAPI{removeErr: dockererrdefs.NotFound(errors.New("No such image"))}
	d := newTestDocker(api, "", nil, &[]call{})
	assert.NoError(t, d.RemoveImage(context.Background(), "gone:1"))

	api.removeErr = errors.New("conflict: image is being used")
	err := d.RemoveImage(context.Background(), "busy:1")
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestrator(err))
}

func TestDeployStack(t *testing.T) {
	var calls []call
	d := newTestDocker(&fakeImageAPI{}, "", nil, &calls)

	require.NoError(t, d.DeployStack(context.Background(), "web", "/src/web/docker-compose.yml"))
	require.Len(t, calls, 1)
	assert.Equal(t, "/src/web", calls[0].dir)
	assert.Equal(t, []string{"docker", "stack", "deploy", "--detach=false", "-c", "/src/web/docker-compose.yml", "web"}, calls[0].args)
	assert.Contains(t, calls[0].env, "DOCKER_HOST=unix:///var/run/docker.sock")
}

func TestDeployStackFailure(t *testing.T) {
	d := newTestDocker(&fakeImageAPI{}, "this node is not a swarm manager\n", errors.New("exit status 1"), &[]call{})

	err := d.DeployStack(context.Background(), "web", "/src/web/docker-compose.yml")
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestrator(err))
	assert.Contains(t, err.Error(), "not a swarm manager")
}

func TestStopStackToleratesFailures(t *testing.T) {
	var calls []call
	d := newTestDocker(&fakeImageAPI{}, "Nothing found in stack: web\n", errors.New("exit status 1"), &calls)
	assert.NoError(t, d.StopStack(context.Background(), "web"))
	assert.Equal(t, []string{"docker", "stack", "rm", "web"}, calls[0].args)

	d = newTestDocker(&fakeImageAPI{}, "permission denied", errors.New("exit status 1"), &calls)
	assert.NoError(t, d.StopStack(context.Background(), "web"))
}

type fakeOrchestrator struct {
	exists bool
	pulls  int
}

func (f *fakeOrchestrator) ImageExists(context.Context, string) (bool, error) { return f.exists, nil }
func (f *fakeOrchestrator) PullImage(context.Context, string) error          { f.pulls++; return nil }
func (f *fakeOrchestrator) RemoveImage(context.Context, string) error        { return nil }
func (f *fakeOrchestrator) DeployStack(context.Context, string, string) error {
	return nil
}
func (f *fakeOrchestrator) StopStack(context.Context, string) error { return nil }
func (f *fakeOrchestrator) InspectImage(context.Context, string) (*ImageConfig, error) {
	return &ImageConfig{}, nil
}

func TestPullWithPolicy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	tests := []struct {
		policy model.PullPolicy
		exists bool
		pulled bool
	}{
		{model.PullAlways, true, true},
		{model.PullAlways, false, true},
		{model.PullIfNotPresent, true, false},
		{model.PullIfNotPresent, false, true},
	}
	for _, tt := range tests {
		o := &fakeOrchestrator{exists: tt.exists}
		pulled, err := PullWithPolicy(ctx, o, tt.policy, "nginx:1.25", logger)
		require.NoError(t, err)
		assert.Equal(t, tt.pulled, pulled, "policy=%s exists=%v", tt.policy, tt.exists)
		if tt.pulled {
			assert.Equal(t, 1, o.pulls)
		} else {
			assert.Zero(t, o.pulls)
		}
	}
}
