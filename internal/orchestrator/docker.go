package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/web-casa/dockerops/internal/errdefs"
)

// imageAPI is the subset of the Engine API client used for images.
type imageAPI interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	Close() error
}

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Docker implements Orchestrator against a Swarm manager.
type Docker struct {
	api    imageAPI
	run    Runner
	host   string
	logger *slog.Logger
}

// NewDocker connects to the Docker daemon at host, for example
// unix:///var/run/docker.sock.
func NewDocker(host string, logger *slog.Logger) (*Docker, error) {
	if host == "" {
		host = client.DefaultDockerHost
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to docker at %s: %w", host, err)
	}
	return &Docker{api: cli, run: ExecRunner, host: host, logger: logger}, nil
}

// Close releases the Docker client resources.
func (d *Docker) Close() error {
	return d.api.Close()
}

// ── Images ──

// normalize returns the full reference used for pulls and the familiar
// form Docker reports in RepoTags. A missing tag becomes latest.
func normalize(name string) (full, familiar string, err error) {
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return "", "", fmt.Errorf("invalid image reference %q: %w", name, err)
	}
	named = reference.TagNameOnly(named)
	return named.String(), reference.FamiliarString(named), nil
}

// ImageExists reports whether a local image carries the tag.
func (d *Docker) ImageExists(ctx context.Context, name string) (bool, error) {
	_, familiar, err := normalize(name)
	if err != nil {
		return false, &errdefs.OrchestratorError{Op: "inspect", Target: name, Err: err}
	}
	images, err := d.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", familiar)),
	})
	if err != nil {
		return false, &errdefs.OrchestratorError{Op: "inspect", Target: name, Err: err}
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == familiar || tag == name {
				return true, nil
			}
		}
		// digest references have no RepoTags
		if len(img.RepoTags) == 0 && strings.Contains(name, "@") {
			return true, nil
		}
	}
	return false, nil
}

// InspectImage returns the entrypoint and command baked into a local image.
func (d *Docker) InspectImage(ctx context.Context, name string) (*ImageConfig, error) {
	_, familiar, err := normalize(name)
	if err != nil {
		return nil, &errdefs.OrchestratorError{Op: "inspect", Target: name, Err: err}
	}
	if strings.Contains(name, "@") {
		familiar = name
	}
	info, _, err := d.api.ImageInspectWithRaw(ctx, familiar)
	if err != nil {
		return nil, &errdefs.OrchestratorError{Op: "inspect", Target: name, Err: err}
	}
	cfg := &ImageConfig{}
	if info.Config != nil {
		cfg.Entrypoint = append(cfg.Entrypoint, info.Config.Entrypoint...)
		cfg.Cmd = append(cfg.Cmd, info.Config.Cmd...)
	}
	return cfg, nil
}

// PullImage pulls name and waits for the stream to finish. Errors reported
// inside the progress stream fail the pull.
func (d *Docker) PullImage(ctx context.Context, name string) error {
	full, _, err := normalize(name)
	if err != nil {
		return &errdefs.OrchestratorError{Op: "pull", Target: name, Err: err}
	}
	rc, err := d.api.ImagePull(ctx, full, image.PullOptions{})
	if err != nil {
		return &errdefs.OrchestratorError{Op: "pull", Target: name, Err: err}
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return &errdefs.OrchestratorError{Op: "pull", Target: name, Err: err}
	}
	d.logger.Info("image pulled", "image", name)
	return nil
}

// RemoveImage removes the tag and prunes untagged parents.
func (d *Docker) RemoveImage(ctx context.Context, name string) error {
	_, err := d.api.ImageRemove(ctx, name, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		if dockererrdefs.IsNotFound(err) {
			d.logger.Debug("image already absent", "image", name)
			return nil
		}
		return &errdefs.OrchestratorError{Op: "remove", Target: name, Err: err}
	}
	d.logger.Info("image removed", "image", name)
	return nil
}

// ── Stacks ──

func (d *Docker) docker(ctx context.Context, dir string, args ...string) ([]byte, error) {
	var env []string
	if d.host != "" {
		env = append(env, "DOCKER_HOST="+d.host)
	}
	return d.run(ctx, dir, env, "docker", args...)
}

// DeployStack runs docker stack deploy from the manifest's directory so that
// relative paths in the manifest resolve next to it.
func (d *Docker) DeployStack(ctx context.Context, name, manifestPath string) error {
	args := []string{"stack", "deploy", "--detach=false", "-c", manifestPath, name}
	output, err := d.docker(ctx, filepath.Dir(manifestPath), args...)
	if err != nil {
		d.logger.Error("docker stack deploy failed",
			"stack", name,
			"output", string(output),
			"err", err,
		)
		return &errdefs.OrchestratorError{
			Op:     "deploy",
			Target: name,
			Err:    fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output))),
		}
	}
	d.logger.Info("stack deployed", "stack", name)
	return nil
}

// StopStack runs docker stack rm. A missing stack is not an error and other
// failures are logged, since the stack may already be gone.
func (d *Docker) StopStack(ctx context.Context, name string) error {
	output, err := d.docker(ctx, "", "stack", "rm", name)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isStackNotFound(output) {
			d.logger.Debug("stack not running", "stack", name)
			return nil
		}
		d.logger.Warn("docker stack rm failed",
			"stack", name,
			"output", strings.TrimSpace(string(output)),
			"err", err,
		)
		return nil
	}
	d.logger.Info("stack stopped", "stack", name)
	return nil
}

func isStackNotFound(output []byte) bool {
	lower := bytes.ToLower(output)
	return bytes.Contains(lower, []byte("nothing found in stack")) ||
		bytes.Contains(lower, []byte("not found"))
}
