package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/web-casa/dockerops/internal/source"
)

// Trigger queues a pass for the daemon loop without blocking. A request
// made while another is still queued is dropped. It reports whether the
// pass was queued.
func (s *Service) Trigger(force bool) bool {
	select {
	case s.triggers <- force:
		return true
	default:
		return false
	}
}

// RunDaemon seeds the given URLs, then runs a reconcile pass every interval
// and whenever Trigger is called, until ctx is cancelled. A failed pass is
// logged and the loop continues.
func (s *Service) RunDaemon(ctx context.Context, urls []string, interval time.Duration) error {
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		if _, err := s.WatchOrSkip(ctx, url); err != nil {
			s.logger.Warn("failed to watch source", "url", source.SanitizeURL(url), "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	s.logger.Info("daemon started", "interval", interval.String())
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		var force bool
		select {
		case <-ctx.Done():
			s.logger.Info("daemon stopping")
			return nil
		case <-timer.C:
		case force = <-s.triggers:
		}

		start := time.Now()
		if err := s.Reconcile(ctx, force); err != nil {
			s.logger.Error("reconcile pass failed", "err", err, "duration", time.Since(start).String())
		} else {
			s.logger.Info("reconcile pass finished", "duration", time.Since(start).String())
		}
		timer.Reset(interval)
	}
}
