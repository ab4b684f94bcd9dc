// Package reconcile brings a Swarm cluster in line with the stacks declared
// in source trees.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/web-casa/dockerops/internal/compose"
	"github.com/web-casa/dockerops/internal/errdefs"
	"github.com/web-casa/dockerops/internal/event"
	"github.com/web-casa/dockerops/internal/model"
	"github.com/web-casa/dockerops/internal/orchestrator"
	"github.com/web-casa/dockerops/internal/secret"
	"github.com/web-casa/dockerops/internal/source"
)

const (
	stacksFile  = "stacks.yaml"
	volumesFile = "volumes.yaml"
	nfsFile     = "nfs.yaml"
)

// manifestNames are tried in order inside a stack directory.
var manifestNames = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// Store is the persistence the reconciler needs.
type Store interface {
	ResetImageCounts(ctx context.Context) error
	IncrementImage(ctx context.Context, name string) error
	ListImages(ctx context.Context) ([]model.Image, error)
	SweepImages(ctx context.Context) (int64, error)

	GetStack(ctx context.Context, name, sourceURL string) (*model.Stack, error)
	CreateStack(ctx context.Context, stack *model.Stack) error
	UpdateStackFingerprint(ctx context.Context, stack *model.Stack, fingerprint, manifestPath string) error
	UpdateStackStatus(ctx context.Context, stack *model.Stack, status model.StackStatus, lastErr error) error
	ListStacks(ctx context.Context) ([]model.Stack, error)
	DeleteAllStacks(ctx context.Context) error

	GetSource(ctx context.Context, url string) (*model.SourceTree, error)
	AddSource(ctx context.Context, url string) (*model.SourceTree, error)
	ListSources(ctx context.Context) ([]model.SourceTree, error)
	TouchSource(ctx context.Context, url string) error
	ClearSources(ctx context.Context) error
}

// Materializer stages binding volumes.
type Materializer interface {
	Materialize(ctx context.Context, treePath string, defs []model.VolumeDefinition, nfs model.NfsConfig) error
}

// Tree is a checked-out source tree.
type Tree struct {
	URL  string
	Path string
}

// PassOptions tune how changed stacks are handled.
type PassOptions struct {
	Redeploy bool // stop a running stack before deploying its new version
	Force    bool // deploy even when nothing changed
}

// Options are the engine's fixed settings.
type Options struct {
	PullPolicy model.PullPolicy
	ImageScope model.ImageScope
}

// Engine runs one source tree through transform, diff and deploy.
type Engine struct {
	store   Store
	orch    orchestrator.Orchestrator
	volumes Materializer
	events  *event.Bus
	opts    Options
	logger  *slog.Logger
}

// NewEngine creates an Engine. events may be nil.
func NewEngine(store Store, orch orchestrator.Orchestrator, volumes Materializer, events *event.Bus, opts Options, logger *slog.Logger) *Engine {
	if opts.PullPolicy == "" {
		opts.PullPolicy = model.PullIfNotPresent
	}
	if opts.ImageScope == "" {
		opts.ImageScope = model.ScopeSource
	}
	return &Engine{
		store:   store,
		orch:    orch,
		volumes: volumes,
		events:  events,
		opts:    opts,
		logger:  logger,
	}
}

// ProcessTree reconciles every stack declared in tree.
//
// With the source image scope, reference counts are reset before the tree
// and images are collected after it, so images used only by trees processed
// earlier in the same run are removed here. With the global scope the caller
// owns reset and collection.
func (e *Engine) ProcessTree(ctx context.Context, tree Tree, opts PassOptions) error {
	if e.opts.ImageScope == model.ScopeSource {
		if err := e.store.ResetImageCounts(ctx); err != nil {
			return err
		}
	}

	decls, err := loadStacks(tree.Path)
	if err != nil {
		return err
	}
	defs, nfs, err := loadVolumes(tree.Path)
	if err != nil {
		return err
	}
	if len(defs) > 0 {
		if err := e.volumes.Materialize(ctx, tree.Path, defs, *nfs); err != nil {
			return fmt.Errorf("materialize volumes: %w", err)
		}
	}

	for _, decl := range decls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.processStack(ctx, tree, decl, defs, nfs, opts); err != nil {
			return fmt.Errorf("stack %s: %w", decl.Name, err)
		}
	}

	if e.opts.ImageScope == model.ScopeSource {
		if err := e.CollectImages(ctx, tree.URL); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processStack(ctx context.Context, tree Tree, decl model.StackDeclaration, defs []model.VolumeDefinition, nfs *model.NfsConfig, opts PassOptions) error {
	logger := e.logger.With("stack", decl.Name)

	stackDir := filepath.Join(tree.Path, decl.Name)
	if info, err := os.Stat(stackDir); err != nil || !info.IsDir() {
		logger.Warn("stack directory not found, skipping", "dir", stackDir)
		return nil
	}

	manifestPath, err := findManifest(stackDir)
	if err != nil {
		return err
	}
	relPath, err := filepath.Rel(tree.Path, manifestPath)
	if err != nil {
		return err
	}
	relPath = filepath.ToSlash(relPath)

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return &errdefs.FilesystemError{Op: "read", Path: relPath, Err: err}
	}
	doc, err := compose.Parse(raw)
	if err != nil {
		return withFile(err, relPath)
	}

	content := raw
	transformed := false
	if len(defs) > 0 {
		if err := compose.RewriteVolumes(doc, defs, *nfs); err != nil {
			return err
		}
		transformed = true
	}

	secrets, err := secret.Load(stackDir)
	if err != nil {
		return err
	}
	if len(secrets) > 0 {
		if err := secret.Declare(stackDir, secrets); err != nil {
			return err
		}
		if err := compose.InjectSecrets(doc, secrets, compose.DefaultWrapper, e.imageResolver(ctx, tree.URL, decl.Name)); err != nil {
			return withFile(err, relPath)
		}
		transformed = true
	}

	if transformed {
		if content, err = doc.Bytes(); err != nil {
			return &errdefs.ParseError{File: relPath, Err: err}
		}
		if err := os.WriteFile(manifestPath, content, 0644); err != nil {
			return &errdefs.FilesystemError{Op: "write", Path: relPath, Err: err}
		}
	}

	fingerprint := compose.Fingerprint(content)
	images := compose.ExtractImages(doc)

	existing, err := e.store.GetStack(ctx, decl.Name, tree.URL)
	if err != nil {
		return err
	}

	switch {
	case existing == nil:
		stack := &model.Stack{
			Name:         decl.Name,
			SourceURL:    tree.URL,
			ManifestPath: relPath,
			Fingerprint:  fingerprint,
			Status:       model.StackStopped,
		}
		if err := e.store.CreateStack(ctx, stack); err != nil {
			return err
		}
		logger.Info("new stack")
		if err := e.deploy(ctx, tree, stack, manifestPath, images); err != nil {
			return err
		}

	case existing.Fingerprint != fingerprint || opts.Force || existing.Status != model.StackDeployed:
		logger.Info("stack needs deploy",
			"changed", existing.Fingerprint != fingerprint,
			"force", opts.Force,
			"status", string(existing.Status),
		)
		if opts.Redeploy {
			if err := e.orch.StopStack(ctx, decl.Name); err != nil {
				return err
			}
		}
		if err := e.store.UpdateStackFingerprint(ctx, existing, fingerprint, relPath); err != nil {
			return err
		}
		if err := e.deploy(ctx, tree, existing, manifestPath, images); err != nil {
			return err
		}

	default:
		logger.Debug("stack unchanged")
		e.publish(event.StackUnchanged, tree.URL, map[string]interface{}{"stack": decl.Name})
	}

	for _, img := range images {
		if err := e.store.IncrementImage(ctx, img); err != nil {
			return err
		}
	}
	return nil
}

// deploy pulls the stack's images and deploys it. The record ends up
// deployed, or in error with the cause recorded.
func (e *Engine) deploy(ctx context.Context, tree Tree, stack *model.Stack, manifestPath string, images []string) error {
	err := e.pullAndDeploy(ctx, tree, stack.Name, manifestPath, images)
	if err != nil {
		if serr := e.store.UpdateStackStatus(ctx, stack, model.StackError, err); serr != nil {
			e.logger.Error("failed to record stack error", "stack", stack.Name, "err", serr)
		}
		e.publish(event.StackFailed, tree.URL, map[string]interface{}{"stack": stack.Name, "error": err.Error()})
		return err
	}
	if err := e.store.UpdateStackStatus(ctx, stack, model.StackDeployed, nil); err != nil {
		return err
	}
	e.publish(event.StackDeployed, tree.URL, map[string]interface{}{
		"stack":       stack.Name,
		"fingerprint": stack.Fingerprint,
	})
	return nil
}

func (e *Engine) pullAndDeploy(ctx context.Context, tree Tree, name, manifestPath string, images []string) error {
	seen := make(map[string]bool, len(images))
	for _, img := range images {
		if seen[img] {
			continue
		}
		seen[img] = true
		pulled, err := orchestrator.PullWithPolicy(ctx, e.orch, e.opts.PullPolicy, img, e.logger)
		if err != nil {
			return err
		}
		if pulled {
			e.publish(event.ImagePulled, tree.URL, map[string]interface{}{"image": img, "stack": name})
		}
	}
	return e.orch.DeployStack(ctx, name, manifestPath)
}

// imageResolver reads image defaults for secret injection, pulling an
// image that is not present yet.
func (e *Engine) imageResolver(ctx context.Context, sourceURL, stack string) compose.ImageResolver {
	return func(name string) (compose.ImageDefaults, error) {
		pulled, err := orchestrator.PullWithPolicy(ctx, e.orch, model.PullIfNotPresent, name, e.logger)
		if err != nil {
			return compose.ImageDefaults{}, err
		}
		if pulled {
			e.publish(event.ImagePulled, sourceURL, map[string]interface{}{"image": name, "stack": stack})
		}
		cfg, err := e.orch.InspectImage(ctx, name)
		if err != nil {
			return compose.ImageDefaults{}, err
		}
		return compose.ImageDefaults{Entrypoint: cfg.Entrypoint, Cmd: cfg.Cmd}, nil
	}
}

// ResetImages zeroes all reference counts.
func (e *Engine) ResetImages(ctx context.Context) error {
	return e.store.ResetImageCounts(ctx)
}

// CollectImages removes images nobody references any more and pulls the
// rest per policy, then drops the zero-count records. Removal failures are
// warnings; pull failures are fatal.
func (e *Engine) CollectImages(ctx context.Context, sourceURL string) error {
	images, err := e.store.ListImages(ctx)
	if err != nil {
		return err
	}

	for _, img := range images {
		if img.ReferenceCount == 0 {
			if err := e.orch.RemoveImage(ctx, img.Name); err != nil {
				e.logger.Warn("failed to remove unused image", "image", img.Name, "err", err)
				continue
			}
			e.publish(event.ImageRemoved, sourceURL, map[string]interface{}{"image": img.Name})
			continue
		}
		pulled, err := orchestrator.PullWithPolicy(ctx, e.orch, e.opts.PullPolicy, img.Name, e.logger)
		if err != nil {
			return fmt.Errorf("image %s: %w", img.Name, err)
		}
		if pulled {
			e.publish(event.ImagePulled, sourceURL, map[string]interface{}{"image": img.Name})
		}
	}

	swept, err := e.store.SweepImages(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		e.logger.Info("dropped unreferenced images", "count", swept)
	}
	return nil
}

func (e *Engine) publish(eventType, sourceURL string, payload map[string]interface{}) {
	e.events.Publish(event.Event{
		Type:    eventType,
		Payload: payload,
		Source:  source.SanitizeURL(sourceURL),
	})
}

// ── Source tree manifests ──

func loadStacks(treePath string) ([]model.StackDeclaration, error) {
	path := filepath.Join(treePath, stacksFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &errdefs.NotFoundError{What: stacksFile, Path: treePath}
	}
	if err != nil {
		return nil, &errdefs.FilesystemError{Op: "read", Path: path, Err: err}
	}

	var decls []model.StackDeclaration
	if err := yaml.Unmarshal(data, &decls); err != nil {
		return nil, &errdefs.ParseError{File: stacksFile, Err: err}
	}
	for _, decl := range decls {
		if decl.Name == "" || decl.Name == "." || decl.Name == ".." || strings.ContainsAny(decl.Name, `/\`) {
			return nil, &errdefs.ParseError{File: stacksFile, Err: fmt.Errorf("invalid stack name %q", decl.Name)}
		}
	}
	return decls, nil
}

// loadVolumes reads volumes.yaml and, when it exists, the nfs.yaml it
// requires.
func loadVolumes(treePath string) ([]model.VolumeDefinition, *model.NfsConfig, error) {
	data, err := os.ReadFile(filepath.Join(treePath, volumesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, &errdefs.FilesystemError{Op: "read", Path: volumesFile, Err: err}
	}
	var defs []model.VolumeDefinition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, nil, &errdefs.ParseError{File: volumesFile, Err: err}
	}

	data, err = os.ReadFile(filepath.Join(treePath, nfsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, &errdefs.NotFoundError{What: nfsFile, Path: treePath}
	}
	if err != nil {
		return nil, nil, &errdefs.FilesystemError{Op: "read", Path: nfsFile, Err: err}
	}
	var nfs model.NfsConfig
	if err := yaml.Unmarshal(data, &nfs); err != nil {
		return nil, nil, &errdefs.ParseError{File: nfsFile, Err: err}
	}
	if nfs.Path == "" {
		return nil, nil, &errdefs.ParseError{File: nfsFile, Err: errors.New("path is required")}
	}
	return defs, &nfs, nil
}

func findManifest(stackDir string) (string, error) {
	for _, name := range manifestNames {
		path := filepath.Join(stackDir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", &errdefs.NotFoundError{What: "compose manifest", Path: stackDir}
}

// withFile attaches the manifest path to a parse error.
func withFile(err error, file string) error {
	var pe *errdefs.ParseError
	if errors.As(err, &pe) && pe.File == "" {
		pe.File = file
	}
	return err
}
