// Package orchestrator talks to Docker Swarm: images through the Engine API,
// stacks through the docker CLI.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/web-casa/dockerops/internal/model"
)

// Orchestrator is the set of cluster operations the reconciler needs.
type Orchestrator interface {
	ImageExists(ctx context.Context, name string) (bool, error)
	PullImage(ctx context.Context, name string) error
	// InspectImage reads the ENTRYPOINT and CMD of a local image.
	InspectImage(ctx context.Context, name string) (*ImageConfig, error)
	// RemoveImage treats an absent image as success.
	RemoveImage(ctx context.Context, name string) error
	// DeployStack fails with an OrchestratorError on a non-zero exit.
	DeployStack(ctx context.Context, name, manifestPath string) error
	// StopStack tolerates a missing stack and only logs other failures.
	StopStack(ctx context.Context, name string) error
}

// ImageConfig is the part of an image's configuration that decides what a
// container runs.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
}

// PullWithPolicy pulls name unless the policy allows reusing a local copy.
// It reports whether a pull happened.
func PullWithPolicy(ctx context.Context, o Orchestrator, policy model.PullPolicy, name string, logger *slog.Logger) (bool, error) {
	if policy == model.PullIfNotPresent {
		exists, err := o.ImageExists(ctx, name)
		if err != nil {
			return false, err
		}
		if exists {
			logger.Debug("image present, skipping pull", "image", name)
			return false, nil
		}
	}
	logger.Info("pulling image", "image", name, "policy", string(policy))
	if err := o.PullImage(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}
