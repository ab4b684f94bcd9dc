package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/web-casa/dockerops/internal/database"
	"github.com/web-casa/dockerops/internal/model"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	return New(db)
}

func imageCounts(t *testing.T, s *Store) map[string]int {
	t.Helper()
	images, err := s.ListImages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]int, len(images))
	for _, img := range images {
		out[img.Name] = img.ReferenceCount
	}
	return out
}

func TestImageReferenceCounting(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	if err := s.IncrementImage(ctx, "stale:1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetImageCounts(ctx); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"A", "B", "A"} {
		if err := s.IncrementImage(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	want := map[string]int{"A": 2, "B": 1, "stale:1": 0}
	if got := imageCounts(t, s); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected counts %v, got %v", want, got)
	}

	n, err := s.SweepImages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept image, got %d", n)
	}
	want = map[string]int{"A": 2, "B": 1}
	if got := imageCounts(t, s); !reflect.DeepEqual(got, want) {
		t.Errorf("expected counts %v after sweep, got %v", want, got)
	}
}

func TestSweepOnEmptyStore(t *testing.T) {
	n, err := setupStore(t).SweepImages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected nothing swept, got %d", n)
	}
}

// For any sequence of image references, the stored counts equal the number
// of occurrences of each name.
func TestPropertyIncrementMatchesOccurrences(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	run := 0
	properties.Property("counts equal occurrences", prop.ForAll(
		func(refs []int) bool {
			run++
			ctx := context.Background()
			s := setupStore(t)
			want := map[string]int{}
			for _, r := range refs {
				name := fmt.Sprintf("img%d:%d", r%4, run)
				want[name]++
				if err := s.IncrementImage(ctx, name); err != nil {
					return false
				}
			}
			return reflect.DeepEqual(imageCounts(t, s), want)
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

func TestStackLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	const infra = "https://github.com/acme/infra"

	got, err := s.GetStack(ctx, "web", infra)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected no stack yet, got %+v", got)
	}

	stack := &model.Stack{Name: "web", SourceURL: infra, ManifestPath: "web/docker-compose.yml", Fingerprint: "abc"}
	if err := s.CreateStack(ctx, stack); err != nil {
		t.Fatal(err)
	}
	if stack.Status != model.StackStopped {
		t.Errorf("expected new stack to be stopped, got %s", stack.Status)
	}

	// Same name under another source is a distinct record.
	if err := s.CreateStack(ctx, &model.Stack{Name: "web", SourceURL: "https://github.com/acme/other"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateStack(ctx, &model.Stack{Name: "web", SourceURL: infra}); err == nil {
		t.Error("expected a duplicate (name, source) to be rejected")
	}

	if err := s.UpdateStackFingerprint(ctx, stack, "def", "web/compose.yaml"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStackStatus(ctx, stack, model.StackError, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	got, err = s.GetStack(ctx, "web", infra)
	if err != nil || got == nil {
		t.Fatalf("expected stack, got %v, %v", got, err)
	}
	if got.Fingerprint != "def" || got.ManifestPath != "web/compose.yaml" {
		t.Errorf("expected fingerprint def at web/compose.yaml, got %s at %s", got.Fingerprint, got.ManifestPath)
	}
	if got.Status != model.StackError || got.LastError != "boom" {
		t.Errorf("expected error status with cause boom, got %s %q", got.Status, got.LastError)
	}

	if err := s.UpdateStackStatus(ctx, stack, model.StackDeployed, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetStack(ctx, "web", infra)
	if got.Status != model.StackDeployed || got.LastError != "" {
		t.Errorf("expected deployed with no error, got %s %q", got.Status, got.LastError)
	}

	stacks, err := s.ListStacks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stacks) != 2 {
		t.Errorf("expected 2 stacks, got %d", len(stacks))
	}

	if err := s.DeleteAllStacks(ctx); err != nil {
		t.Fatal(err)
	}
	if stacks, _ := s.ListStacks(ctx); len(stacks) != 0 {
		t.Errorf("expected no stacks after delete, got %d", len(stacks))
	}
}

func TestSources(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	src, err := s.AddSource(ctx, "https://github.com/acme/infra")
	if err != nil {
		t.Fatal(err)
	}
	if src.LastWatch.IsZero() {
		t.Error("expected last watch to be set")
	}

	if _, err := s.AddSource(ctx, "https://github.com/acme/infra"); !errors.Is(err, ErrSourceExists) {
		t.Errorf("expected ErrSourceExists, got %v", err)
	}
	if _, err := s.AddSource(ctx, "https://github.com/acme/apps"); err != nil {
		t.Fatal(err)
	}

	before := src.LastWatch
	if err := s.TouchSource(ctx, src.URL); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSource(ctx, src.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastWatch.Before(before) {
		t.Errorf("expected last watch to move forward from %s, got %s", before, got.LastWatch)
	}

	sources, err := s.ListSources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 || sources[0].URL != "https://github.com/acme/infra" {
		t.Fatalf("expected infra then apps, got %+v", sources)
	}

	if err := s.ClearSources(ctx); err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetSource(ctx, src.URL); err != nil || got != nil {
		t.Errorf("expected source to be forgotten, got %v, %v", got, err)
	}
}

// A failed duplicate check must surface instead of reading as "not watched".
func TestAddSourceLookupFailure(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AddSource(ctx, "https://github.com/acme/infra")
	if err == nil {
		t.Fatal("expected an error with a cancelled context")
	}
	if errors.Is(err, ErrSourceExists) {
		t.Fatalf("expected a lookup error, got %v", err)
	}
	if !strings.Contains(err.Error(), "look up source") {
		t.Errorf("expected the duplicate check to fail first, got %v", err)
	}

	got, err := s.GetSource(context.Background(), "https://github.com/acme/infra")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nothing to be recorded")
	}
}
