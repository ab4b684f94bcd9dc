package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/web-casa/dockerops/internal/event"
	"github.com/web-casa/dockerops/internal/model"
	"github.com/web-casa/dockerops/internal/orchestrator"
	"github.com/web-casa/dockerops/internal/source"
	"github.com/web-casa/dockerops/internal/store"
)

// ErrNoSources is returned by Reconcile when nothing is watched yet.
var ErrNoSources = errors.New("no sources watched, run watch first")

// Source acquires and releases checkouts of a source tree.
type Source interface {
	Acquire(ctx context.Context, url string) (string, error)
	Release(path string)
}

// Service runs whole passes: watch, reconcile, teardown and the daemon loop.
// Passes are serialized.
type Service struct {
	engine *Engine
	store  Store
	source Source
	orch   orchestrator.Orchestrator
	scope  model.ImageScope
	logger *slog.Logger

	mu       sync.Mutex
	triggers chan bool // force flag of a queued pass
}

// NewService creates a Service around engine.
func NewService(engine *Engine, st Store, src Source, orch orchestrator.Orchestrator, logger *slog.Logger) *Service {
	return &Service{
		engine:   engine,
		store:    st,
		source:   src,
		orch:     orch,
		scope:    engine.opts.ImageScope,
		logger:   logger,
		triggers: make(chan bool, 1),
	}
}

// Watch starts tracking url: it deploys the tree's stacks and only records
// the source once that pass succeeded.
func (s *Service) Watch(ctx context.Context, url string) error {
	url = source.NormalizeURL(url)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetSource(ctx, url)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s (last watch %s)", store.ErrSourceExists,
			source.SanitizeURL(url), existing.LastWatch.Format(time.RFC3339))
	}

	if err := s.pass(ctx, []string{url}, PassOptions{}, false); err != nil {
		return err
	}
	if _, err := s.store.AddSource(ctx, url); err != nil {
		return err
	}
	s.logger.Info("source watched", "url", source.SanitizeURL(url))
	return nil
}

// WatchOrSkip watches url unless it is already known. It reports whether
// the URL was skipped.
func (s *Service) WatchOrSkip(ctx context.Context, url string) (bool, error) {
	err := s.Watch(ctx, url)
	if errors.Is(err, store.ErrSourceExists) {
		s.logger.Info("source already watched, skipping", "url", source.SanitizeURL(source.NormalizeURL(url)))
		return true, nil
	}
	return false, err
}

// Reconcile runs a pass over every watched source. A failing source is
// logged and the others still run; the failures are joined in the result.
func (s *Service) Reconcile(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return ErrNoSources
	}

	urls := make([]string, 0, len(sources))
	for _, src := range sources {
		urls = append(urls, src.URL)
	}
	s.logger.Info("reconciling", "sources", len(urls), "force", force)
	return s.pass(ctx, urls, PassOptions{Redeploy: true, Force: force}, true)
}

// pass processes urls in order. fullRun marks a pass over every watched
// source, the only kind allowed to reset global reference counts.
func (s *Service) pass(ctx context.Context, urls []string, opts PassOptions, fullRun bool) error {
	global := s.scope == model.ScopeGlobal
	if global && fullRun {
		if err := s.engine.ResetImages(ctx); err != nil {
			return err
		}
	}

	var errs []error
	for _, url := range urls {
		if err := s.processSource(ctx, url, opts, fullRun); err != nil {
			s.logger.Error("source failed", "url", source.SanitizeURL(url), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", source.SanitizeURL(url), err))
			if ctx.Err() != nil {
				break
			}
		}
	}

	if global {
		if len(errs) > 0 {
			s.logger.Warn("skipping image collection, reference counts are incomplete", "failed", len(errs))
		} else if err := s.engine.CollectImages(ctx, ""); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) processSource(ctx context.Context, url string, opts PassOptions, touch bool) error {
	path, err := s.source.Acquire(ctx, url)
	if err != nil {
		return err
	}
	defer s.source.Release(path)

	if err := s.engine.ProcessTree(ctx, Tree{URL: url, Path: path}, opts); err != nil {
		return err
	}
	if touch {
		if err := s.store.TouchSource(ctx, url); err != nil {
			return err
		}
	}
	s.engine.publish(event.SourceReconciled, url, map[string]interface{}{"force": opts.Force})
	return nil
}

// Teardown stops every stack, removes every tracked image and forgets all
// state. Image removal failures are warnings.
func (s *Service) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stacks, err := s.store.ListStacks(ctx)
	if err != nil {
		return err
	}
	for _, stack := range stacks {
		s.logger.Info("removing stack", "stack", stack.Name)
		if err := s.orch.StopStack(ctx, stack.Name); err != nil {
			return err
		}
	}

	images, err := s.store.ListImages(ctx)
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := s.orch.RemoveImage(ctx, img.Name); err != nil {
			s.logger.Warn("failed to remove image", "image", img.Name, "err", err)
		}
	}

	if err := s.store.DeleteAllStacks(ctx); err != nil {
		return err
	}
	if err := s.store.ResetImageCounts(ctx); err != nil {
		return err
	}
	if _, err := s.store.SweepImages(ctx); err != nil {
		return err
	}
	if err := s.store.ClearSources(ctx); err != nil {
		return err
	}
	s.logger.Info("teardown complete", "stacks", len(stacks), "images", len(images))
	return nil
}

// Status is a snapshot of persisted state.
type Status struct {
	Sources []model.SourceTree `json:"sources"`
	Stacks  []model.Stack      `json:"stacks"`
	Images  []model.Image      `json:"images"`
}

// Status reads the current state without taking the pass lock.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	stacks, err := s.store.ListStacks(ctx)
	if err != nil {
		return nil, err
	}
	images, err := s.store.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Sources: sources, Stacks: stacks, Images: images}, nil
}
