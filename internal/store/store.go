// Package store persists source trees, stacks and image reference counts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web-casa/dockerops/internal/model"
)

// ErrSourceExists is returned when a source URL is already watched.
var ErrSourceExists = errors.New("source already watched")

// Store wraps the gorm handle. All methods are synchronous.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an already migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ── Images ──

// ResetImageCounts sets every image's reference count to zero.
func (s *Store) ResetImageCounts(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&model.Image{}).
		Where("reference_count <> ?", 0).
		Update("reference_count", 0).Error
	if err != nil {
		return fmt.Errorf("reset image counts: %w", err)
	}
	return nil
}

// IncrementImage records one more reference to name, creating the row on
// first sight.
func (s *Store) IncrementImage(ctx context.Context, name string) error {
	img := &model.Image{Name: name, ReferenceCount: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"reference_count": gorm.Expr("reference_count + 1"),
			"updated_at":      time.Now(),
		}),
	}).Create(img).Error
	if err != nil {
		return fmt.Errorf("increment image %s: %w", name, err)
	}
	return nil
}

// ListImages returns all tracked images ordered by name.
func (s *Store) ListImages(ctx context.Context) ([]model.Image, error) {
	var images []model.Image
	err := s.db.WithContext(ctx).Order("name ASC").Find(&images).Error
	return images, err
}

// SweepImages deletes every image whose count is zero and reports how many
// rows were removed.
func (s *Store) SweepImages(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("reference_count = ?", 0).Delete(&model.Image{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep images: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ── Stacks ──

// GetStack returns the record for (name, sourceURL), or nil when absent.
func (s *Store) GetStack(ctx context.Context, name, sourceURL string) (*model.Stack, error) {
	var stack model.Stack
	err := s.db.WithContext(ctx).
		Where("name = ? AND source_url = ?", name, sourceURL).
		First(&stack).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stack %s: %w", name, err)
	}
	return &stack, nil
}

// CreateStack inserts a new stack record.
func (s *Store) CreateStack(ctx context.Context, stack *model.Stack) error {
	if stack.Status == "" {
		stack.Status = model.StackStopped
	}
	if err := s.db.WithContext(ctx).Create(stack).Error; err != nil {
		return fmt.Errorf("create stack %s: %w", stack.Name, err)
	}
	return nil
}

// UpdateStackFingerprint stores a new fingerprint and manifest path.
func (s *Store) UpdateStackFingerprint(ctx context.Context, stack *model.Stack, fingerprint, manifestPath string) error {
	err := s.db.WithContext(ctx).Model(stack).Updates(map[string]interface{}{
		"fingerprint":   fingerprint,
		"manifest_path": manifestPath,
	}).Error
	if err != nil {
		return fmt.Errorf("update stack %s: %w", stack.Name, err)
	}
	stack.Fingerprint = fingerprint
	stack.ManifestPath = manifestPath
	return nil
}

// UpdateStackStatus sets the status and the last error text. lastErr is
// cleared when nil.
func (s *Store) UpdateStackStatus(ctx context.Context, stack *model.Stack, status model.StackStatus, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	err := s.db.WithContext(ctx).Model(stack).Updates(map[string]interface{}{
		"status":     status,
		"last_error": msg,
	}).Error
	if err != nil {
		return fmt.Errorf("update stack %s status: %w", stack.Name, err)
	}
	stack.Status = status
	stack.LastError = msg
	return nil
}

// ListStacks returns every stack record ordered by source and name.
func (s *Store) ListStacks(ctx context.Context) ([]model.Stack, error) {
	var stacks []model.Stack
	err := s.db.WithContext(ctx).Order("source_url ASC, name ASC").Find(&stacks).Error
	return stacks, err
}

// DeleteAllStacks removes every stack record.
func (s *Store) DeleteAllStacks(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&model.Stack{}).Error
}

// ── Sources ──

// GetSource returns the source for url, or nil when it is not watched.
func (s *Store) GetSource(ctx context.Context, url string) (*model.SourceTree, error) {
	var src model.SourceTree
	err := s.db.WithContext(ctx).Where("url = ?", url).First(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// AddSource starts watching url. It fails with ErrSourceExists when the URL
// is already known.
func (s *Store) AddSource(ctx context.Context, url string) (*model.SourceTree, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.SourceTree{}).Where("url = ?", url).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("look up source: %w", err)
	}
	if count > 0 {
		return nil, ErrSourceExists
	}

	src := &model.SourceTree{URL: url, LastWatch: time.Now()}
	if err := s.db.WithContext(ctx).Create(src).Error; err != nil {
		return nil, fmt.Errorf("add source: %w", err)
	}
	return src, nil
}

// ListSources returns all watched sources in the order they were added.
func (s *Store) ListSources(ctx context.Context) ([]model.SourceTree, error) {
	var sources []model.SourceTree
	err := s.db.WithContext(ctx).Order("id ASC").Find(&sources).Error
	return sources, err
}

// TouchSource refreshes the last watch timestamp of url.
func (s *Store) TouchSource(ctx context.Context, url string) error {
	return s.db.WithContext(ctx).Model(&model.SourceTree{}).
		Where("url = ?", url).
		Update("last_watch", time.Now()).Error
}

// ClearSources forgets every watched source.
func (s *Store) ClearSources(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&model.SourceTree{}).Error
}
